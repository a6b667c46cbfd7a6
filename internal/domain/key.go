// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// KeyStatus は鍵バージョンのステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は現行バージョンの鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRetired はローテーション済みの旧バージョン鍵を表す。
	// retired状態の鍵も復号には引き続き使用できる。
	KeyStatusRetired KeyStatus = "retired"
)

// KeyRecord は鍵バージョンごとの永続化エンティティを表す。
// 鍵素材はマスターKEKでラップされた形でのみ保持し、平文では永続化しない。
type KeyRecord struct {
	ID         string
	KeyID      string
	Version    uint
	WrappedKey []byte
	Status     KeyStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// KeyInfo は鍵一覧用のサマリを表す（ラップ済み鍵素材を含まない）。
type KeyInfo struct {
	KeyID          string
	CurrentVersion uint
	Status         KeyStatus
	CreatedAt      time.Time
}

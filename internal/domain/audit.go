package domain

import "time"

// OperationKind は監査対象の操作種別を表す。
type OperationKind string

const (
	// OperationCreateKey は鍵の新規作成操作。
	OperationCreateKey OperationKind = "CREATE_KEY"
	// OperationEncrypt はエンベロープ暗号化操作。
	OperationEncrypt OperationKind = "ENCRYPT"
	// OperationDecrypt はエンベロープ復号操作。
	OperationDecrypt OperationKind = "DECRYPT"
	// OperationRotateKey は鍵ローテーション操作。
	OperationRotateKey OperationKind = "ROTATE_KEY"
	// OperationRetireKey は旧バージョン鍵の明示的なretire操作。
	OperationRetireKey OperationKind = "RETIRE_KEY"
	// OperationListKeys は鍵一覧取得操作。
	OperationListKeys OperationKind = "LIST_KEYS"
)

// AuditOutcome は監査イベントの結果を表す。
type AuditOutcome string

const (
	// AuditOutcomeSuccess は操作成功を表す。
	AuditOutcomeSuccess AuditOutcome = "SUCCESS"
	// AuditOutcomeFailure は操作失敗を表す。失敗理由はReasonに記録される。
	AuditOutcomeFailure AuditOutcome = "FAILED"
)

// AuditEvent は操作ごとに1件記録される不変の監査イベント。
// Sequenceは欠番なく単調増加し、操作の効果を確定するのと同じ
// 直列化点で採番される。書き込み後の変更・削除は行わない。
type AuditEvent struct {
	Sequence   uint64
	Timestamp  time.Time
	Operation  OperationKind
	KeyID      string
	KeyVersion uint
	Outcome    AuditOutcome
	Reason     string
}

// NewAuditEvent は成功イベントを生成する。Sequenceはシンク側で採番される。
func NewAuditEvent(op OperationKind, keyID string, version uint) *AuditEvent {
	return &AuditEvent{
		Timestamp:  time.Now().UTC(),
		Operation:  op,
		KeyID:      keyID,
		KeyVersion: version,
		Outcome:    AuditOutcomeSuccess,
	}
}

// NewAuditFailure は失敗イベントを生成する。
func NewAuditFailure(op OperationKind, keyID string, version uint, reason error) *AuditEvent {
	event := NewAuditEvent(op, keyID, version)
	event.Outcome = AuditOutcomeFailure
	if reason != nil {
		event.Reason = reason.Error()
	}
	return event
}

// AuditFilter は監査イベント検索の絞り込み条件を表す。
// ゼロ値のフィールドは条件として適用されない。
type AuditFilter struct {
	KeyID     string
	Operation OperationKind
	Outcome   AuditOutcome
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

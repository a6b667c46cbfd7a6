package domain

import "errors"

var (
	// ErrKeyNotFound は指定された鍵IDまたはバージョンが存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyAlreadyExists は指定された鍵IDが既に存在する場合のエラー。
	ErrKeyAlreadyExists = errors.New("key already exists")

	// ErrInvalidOperation は不正なライフサイクル遷移のエラー
	// （現行バージョンを直接retireしようとした場合など）。
	ErrInvalidOperation = errors.New("invalid key lifecycle operation")

	// ErrIntegrityCheckFailed は復号時の認証タグ検証に失敗した場合のエラー。
	// 改ざんまたは鍵の不一致を示すため、ErrKeyNotFoundとは区別する。
	ErrIntegrityCheckFailed = errors.New("ciphertext integrity check failed")

	// ErrConflict は同一鍵IDに対する並行ローテーションに敗れた場合のエラー。
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrStorageUnavailable は鍵ストアへのアクセスがタイムアウト・失敗した場合のエラー。
	ErrStorageUnavailable = errors.New("key storage unavailable")

	// ErrSinkUnavailable は監査ログの書き込みがタイムアウト・失敗した場合のエラー。
	ErrSinkUnavailable = errors.New("audit sink unavailable")

	// ErrInvalidKeyID は鍵IDの形式が不正な場合のエラー。
	ErrInvalidKeyID = errors.New("invalid key ID")

	// ErrInvalidCiphertext は暗号文ブロブの形式が不正な場合のエラー。
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

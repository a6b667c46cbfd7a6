package repository

import (
	"context"
	"errors"
	"testing"

	"envelope-key-service/internal/domain"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// テーブルを作成（SQLite用にENUM→TEXT変換）
	sql := `
		CREATE TABLE key_records (
			id TEXT PRIMARY KEY,
			key_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			wrapped_key BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(key_id, version)
		);
		CREATE INDEX idx_key_id ON key_records(key_id);
		CREATE TABLE key_current_versions (
			key_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE audit_events (
			sequence INTEGER PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			operation TEXT NOT NULL,
			key_id TEXT,
			key_version INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			reason TEXT
		);
		CREATE INDEX idx_audit_key_id ON audit_events(key_id);
	`
	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create test tables: %v", err)
	}

	return db
}

// createTestKey はテスト用の鍵レコードをリポジトリ経由で作成する。
func createTestKey(t *testing.T, repo *KeyRepository, keyID string) *domain.KeyRecord {
	t.Helper()

	record := &domain.KeyRecord{
		KeyID:      keyID,
		Version:    1,
		WrappedKey: []byte("wrapped-key-v1"),
		Status:     domain.KeyStatusActive,
	}
	event := domain.NewAuditEvent(domain.OperationCreateKey, keyID, 1)
	if err := repo.CreateKey(context.Background(), record, event); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	return record
}

func TestKeyRepository_CreateKey(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	record := &domain.KeyRecord{
		KeyID:      "key-1",
		Version:    1,
		WrappedKey: []byte("wrapped-key-v1"),
		Status:     domain.KeyStatusActive,
	}
	event := domain.NewAuditEvent(domain.OperationCreateKey, "key-1", 1)

	if err := repo.CreateKey(ctx, record, event); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	// UUID自動生成とタイムスタンプ反映を確認
	if record.ID == "" {
		t.Error("expected ID to be generated, got empty")
	}
	if record.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set, got zero value")
	}

	// 現行ポインタが作成されたことを確認
	version, err := repo.GetCurrentVersion(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected current version 1, got %d", version)
	}

	// 監査イベントが同一トランザクションで追記されたことを確認
	if event.Sequence != 1 {
		t.Errorf("expected audit sequence 1, got %d", event.Sequence)
	}
	var count int64
	if err := db.Model(&AuditEventModel{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit events: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 audit event, got %d", count)
	}
}

func TestKeyRepository_CreateKey_AlreadyExists(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	createTestKey(t, repo, "key-1")

	record := &domain.KeyRecord{
		KeyID:      "key-1",
		Version:    1,
		WrappedKey: []byte("wrapped-key-again"),
		Status:     domain.KeyStatusActive,
	}
	event := domain.NewAuditEvent(domain.OperationCreateKey, "key-1", 1)

	err := repo.CreateKey(ctx, record, event)
	if !errors.Is(err, domain.ErrKeyAlreadyExists) {
		t.Fatalf("want ErrKeyAlreadyExists, got %v", err)
	}

	// 失敗したトランザクションの監査イベントは残らない
	var count int64
	if err := db.Model(&AuditEventModel{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count audit events: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 audit event, got %d", count)
	}
}

func TestKeyRepository_RotateKey(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	createTestKey(t, repo, "key-1")

	record := &domain.KeyRecord{
		KeyID:      "key-1",
		Version:    2,
		WrappedKey: []byte("wrapped-key-v2"),
		Status:     domain.KeyStatusActive,
	}
	event := domain.NewAuditEvent(domain.OperationRotateKey, "key-1", 2)

	if err := repo.RotateKey(ctx, record, event); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	// 現行ポインタが差し替わったことを確認
	version, err := repo.GetCurrentVersion(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected current version 2, got %d", version)
	}

	// 旧バージョンがretiredになったことを確認
	old, err := repo.GetKeyRecord(ctx, "key-1", 1)
	if err != nil {
		t.Fatalf("GetKeyRecord failed: %v", err)
	}
	if old.Status != domain.KeyStatusRetired {
		t.Errorf("expected old version status retired, got %s", old.Status)
	}

	// 新バージョンはactive
	current, err := repo.GetKeyRecord(ctx, "key-1", 2)
	if err != nil {
		t.Fatalf("GetKeyRecord failed: %v", err)
	}
	if current.Status != domain.KeyStatusActive {
		t.Errorf("expected new version status active, got %s", current.Status)
	}
}

func TestKeyRepository_RotateKey_NotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	record := &domain.KeyRecord{
		KeyID:      "missing",
		Version:    2,
		WrappedKey: []byte("wrapped-key-v2"),
		Status:     domain.KeyStatusActive,
	}
	event := domain.NewAuditEvent(domain.OperationRotateKey, "missing", 2)

	err := repo.RotateKey(ctx, record, event)
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestKeyRepository_RotateKey_StaleVersion(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	createTestKey(t, repo, "key-1")

	// current+1以外のバージョンは並行ローテーションに敗れたとみなす
	record := &domain.KeyRecord{
		KeyID:      "key-1",
		Version:    3,
		WrappedKey: []byte("wrapped-key-v3"),
		Status:     domain.KeyStatusActive,
	}
	event := domain.NewAuditEvent(domain.OperationRotateKey, "key-1", 3)

	err := repo.RotateKey(ctx, record, event)
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("want ErrConflict, got %v", err)
	}
}

func TestKeyRepository_RetireVersion(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	createTestKey(t, repo, "key-1")

	rotated := &domain.KeyRecord{
		KeyID:      "key-1",
		Version:    2,
		WrappedKey: []byte("wrapped-key-v2"),
		Status:     domain.KeyStatusActive,
	}
	if err := repo.RotateKey(ctx, rotated, domain.NewAuditEvent(domain.OperationRotateKey, "key-1", 2)); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	event := domain.NewAuditEvent(domain.OperationRetireKey, "key-1", 1)
	if err := repo.RetireVersion(ctx, "key-1", 1, event); err != nil {
		t.Fatalf("RetireVersion failed: %v", err)
	}

	record, err := repo.GetKeyRecord(ctx, "key-1", 1)
	if err != nil {
		t.Fatalf("GetKeyRecord failed: %v", err)
	}
	if record.Status != domain.KeyStatusRetired {
		t.Errorf("expected status retired, got %s", record.Status)
	}

	// 再度のretireは冪等に成功する
	event = domain.NewAuditEvent(domain.OperationRetireKey, "key-1", 1)
	if err := repo.RetireVersion(ctx, "key-1", 1, event); err != nil {
		t.Errorf("expected idempotent retire to succeed, got %v", err)
	}
}

func TestKeyRepository_RetireVersion_NotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	event := domain.NewAuditEvent(domain.OperationRetireKey, "missing", 1)
	err := repo.RetireVersion(ctx, "missing", 1, event)
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestKeyRepository_GetKeyRecord_NotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	record, err := repo.GetKeyRecord(ctx, "missing", 1)
	if err != nil {
		t.Fatalf("GetKeyRecord failed: %v", err)
	}
	if record != nil {
		t.Errorf("expected nil, got %+v", record)
	}
}

func TestKeyRepository_GetCurrentVersion_NotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	version, err := repo.GetCurrentVersion(ctx, "missing")
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}

func TestKeyRepository_ListKeys(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	createTestKey(t, repo, "key-b")
	createTestKey(t, repo, "key-a")

	rotated := &domain.KeyRecord{
		KeyID:      "key-b",
		Version:    2,
		WrappedKey: []byte("wrapped-key-v2"),
		Status:     domain.KeyStatusActive,
	}
	if err := repo.RotateKey(ctx, rotated, domain.NewAuditEvent(domain.OperationRotateKey, "key-b", 2)); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	keys, err := repo.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}

	// 鍵ID順に並び、現行バージョンを指していることを確認
	if keys[0].KeyID != "key-a" || keys[0].CurrentVersion != 1 {
		t.Errorf("keys[0]: expected key-a v1, got %s v%d", keys[0].KeyID, keys[0].CurrentVersion)
	}
	if keys[1].KeyID != "key-b" || keys[1].CurrentVersion != 2 {
		t.Errorf("keys[1]: expected key-b v2, got %s v%d", keys[1].KeyID, keys[1].CurrentVersion)
	}
}

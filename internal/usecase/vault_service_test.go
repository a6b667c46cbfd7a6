package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"envelope-key-service/internal/domain"
)

// eventLog はテスト用の共有監査ログ。鍵ストアと監査シンクが
// 同じ連番空間を共有する構成を模す。
type eventLog struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

func (l *eventLog) append(event *domain.AuditEvent) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	event.Sequence = uint64(len(l.events) + 1)
	l.events = append(l.events, event)
	return event.Sequence
}

func (l *eventLog) all() []*domain.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

// fakeKeyStore はインメモリの鍵ストア。効果の確定と監査イベントの
// 追記を不可分に行う実装の振る舞いを再現する。
type fakeKeyStore struct {
	mu      sync.Mutex
	log     *eventLog
	records map[string]map[uint]*domain.KeyRecord
	current map[string]uint
}

func newFakeKeyStore(log *eventLog) *fakeKeyStore {
	return &fakeKeyStore{
		log:     log,
		records: make(map[string]map[uint]*domain.KeyRecord),
		current: make(map[string]uint),
	}
}

func (s *fakeKeyStore) CreateKey(ctx context.Context, record *domain.KeyRecord, event *domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.current[record.KeyID]; exists {
		return domain.ErrKeyAlreadyExists
	}
	s.records[record.KeyID] = map[uint]*domain.KeyRecord{record.Version: record}
	s.current[record.KeyID] = record.Version
	s.log.append(event)
	return nil
}

func (s *fakeKeyStore) RotateKey(ctx context.Context, record *domain.KeyRecord, event *domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.current[record.KeyID]
	if !exists {
		return domain.ErrKeyNotFound
	}
	if record.Version != current+1 {
		return domain.ErrConflict
	}
	s.records[record.KeyID][current].Status = domain.KeyStatusRetired
	s.records[record.KeyID][record.Version] = record
	s.current[record.KeyID] = record.Version
	s.log.append(event)
	return nil
}

func (s *fakeKeyStore) RetireVersion(ctx context.Context, keyID string, version uint, event *domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, exists := s.records[keyID][version]
	if !exists {
		return domain.ErrKeyNotFound
	}
	record.Status = domain.KeyStatusRetired
	s.log.append(event)
	return nil
}

func (s *fakeKeyStore) GetKeyRecord(ctx context.Context, keyID string, version uint) (*domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[keyID][version], nil
}

func (s *fakeKeyStore) GetCurrentVersion(ctx context.Context, keyID string) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[keyID], nil
}

func (s *fakeKeyStore) ListKeys(ctx context.Context) ([]*domain.KeyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []*domain.KeyInfo
	for keyID, version := range s.current {
		record := s.records[keyID][version]
		keys = append(keys, &domain.KeyInfo{
			KeyID:          keyID,
			CurrentVersion: version,
			Status:         record.Status,
			CreatedAt:      record.CreatedAt,
		})
	}
	return keys, nil
}

// fakeAuditSink は共有ログに追記するインメモリ監査シンク。
type fakeAuditSink struct {
	log       *eventLog
	appendErr error
}

func (s *fakeAuditSink) Append(ctx context.Context, event *domain.AuditEvent) (uint64, error) {
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	return s.log.append(event), nil
}

func (s *fakeAuditSink) Scan(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	var result []*domain.AuditEvent
	for _, event := range s.log.all() {
		if filter.KeyID != "" && event.KeyID != filter.KeyID {
			continue
		}
		if filter.Operation != "" && event.Operation != filter.Operation {
			continue
		}
		if filter.Outcome != "" && event.Outcome != filter.Outcome {
			continue
		}
		result = append(result, event)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// setupVaultService は全レイヤを組み上げたVaultServiceを構築する。
func setupVaultService() (*VaultService, *eventLog, *fakeAuditSink) {
	log := &eventLog{}
	store := newFakeKeyStore(log)
	sink := &fakeAuditSink{log: log}
	lifecycle := NewLifecycleService(store, &mockMasterKey{})
	envelope := NewEnvelopeService(lifecycle)
	audit := NewAuditService(sink)
	return NewVaultService(lifecycle, envelope, audit), log, sink
}

// 作成→暗号化→復号の一連の操作で、平文が往復し監査イベントが
// 操作ごとに1件ずつ欠番なく記録されることを確認する。
func TestVaultService_CreateEncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	vault, log, _ := setupVaultService()

	record, err := vault.CreateKey(ctx, "orders-db")
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if record.Version != 1 {
		t.Errorf("want version 1, got %d", record.Version)
	}

	plaintext := []byte("customer record payload")
	blob, err := vault.Encrypt(ctx, "orders-db", plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := vault.Decrypt(ctx, blob)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("want %q, got %q", plaintext, decrypted)
	}

	events := log.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	wantOps := []domain.OperationKind{
		domain.OperationCreateKey,
		domain.OperationEncrypt,
		domain.OperationDecrypt,
	}
	for i, event := range events {
		if event.Sequence != uint64(i+1) {
			t.Errorf("events[%d]: expected sequence %d, got %d", i, i+1, event.Sequence)
		}
		if event.Operation != wantOps[i] {
			t.Errorf("events[%d]: expected operation %s, got %s", i, wantOps[i], event.Operation)
		}
		if event.Outcome != domain.AuditOutcomeSuccess {
			t.Errorf("events[%d]: expected SUCCESS, got %s", i, event.Outcome)
		}
	}
}

func TestVaultService_Decrypt_AfterRotation(t *testing.T) {
	ctx := context.Background()
	vault, _, _ := setupVaultService()

	if _, err := vault.CreateKey(ctx, "orders-db"); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	plaintext := []byte("pre-rotation payload")
	blob, err := vault.Encrypt(ctx, "orders-db", plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	record, err := vault.RotateKey(ctx, "orders-db")
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if record.Version != 2 {
		t.Errorf("want version 2, got %d", record.Version)
	}

	// ローテーション前の暗号文は再暗号化なしで復号できる
	decrypted, err := vault.Decrypt(ctx, blob)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("want %q, got %q", plaintext, decrypted)
	}
}

func TestVaultService_Decrypt_TamperRecordsFailure(t *testing.T) {
	ctx := context.Background()
	vault, log, _ := setupVaultService()

	if _, err := vault.CreateKey(ctx, "orders-db"); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	blob, err := vault.Encrypt(ctx, "orders-db", []byte("sensitive"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// ペイロード末尾（認証タグ）を改竄する
	blob[len(blob)-1] ^= 0xFF

	_, err = vault.Decrypt(ctx, blob)
	if !errors.Is(err, domain.ErrIntegrityCheckFailed) {
		t.Fatalf("want ErrIntegrityCheckFailed, got %v", err)
	}

	events := log.all()
	last := events[len(events)-1]
	if last.Operation != domain.OperationDecrypt {
		t.Errorf("want DECRYPT, got %s", last.Operation)
	}
	if last.Outcome != domain.AuditOutcomeFailure {
		t.Errorf("want FAILED, got %s", last.Outcome)
	}
	if last.Reason == "" {
		t.Error("expected failure reason to be recorded")
	}
}

func TestVaultService_RetireKey(t *testing.T) {
	ctx := context.Background()
	vault, _, _ := setupVaultService()

	if _, err := vault.CreateKey(ctx, "orders-db"); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if _, err := vault.RotateKey(ctx, "orders-db"); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	if err := vault.RetireKey(ctx, "orders-db", 1); err != nil {
		t.Fatalf("RetireKey failed: %v", err)
	}

	// 現行バージョンのretireは拒否され、失敗イベントが記録される
	err := vault.RetireKey(ctx, "orders-db", 2)
	if !errors.Is(err, domain.ErrInvalidOperation) {
		t.Errorf("want ErrInvalidOperation, got %v", err)
	}

	events, err := vault.QueryAudit(ctx, domain.AuditFilter{
		Operation: domain.OperationRetireKey,
		Outcome:   domain.AuditOutcomeFailure,
	})
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 failed RETIRE_KEY event, got %d", len(events))
	}
}

func TestVaultService_Encrypt_UnknownKeyRecordsFailure(t *testing.T) {
	ctx := context.Background()
	vault, log, _ := setupVaultService()

	_, err := vault.Encrypt(ctx, "missing", []byte("data"))
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound, got %v", err)
	}

	events := log.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].Outcome != domain.AuditOutcomeFailure {
		t.Errorf("want FAILED, got %s", events[0].Outcome)
	}
}

func TestVaultService_Encrypt_SinkFailure(t *testing.T) {
	ctx := context.Background()
	vault, _, sink := setupVaultService()

	if _, err := vault.CreateKey(ctx, "orders-db"); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	// 監査シンクが落ちている間は成功を返さない
	sink.appendErr = domain.ErrSinkUnavailable
	_, err := vault.Encrypt(ctx, "orders-db", []byte("data"))
	if err == nil {
		t.Fatal("expected error when audit sink is unavailable, got nil")
	}
	if !errors.Is(err, domain.ErrSinkUnavailable) {
		t.Errorf("want ErrSinkUnavailable, got %v", err)
	}
}

func TestVaultService_ListKeys(t *testing.T) {
	ctx := context.Background()
	vault, log, _ := setupVaultService()

	if _, err := vault.CreateKey(ctx, "key-a"); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if _, err := vault.CreateKey(ctx, "key-b"); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	keys, err := vault.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("want 2 keys, got %d", len(keys))
	}

	events := log.all()
	last := events[len(events)-1]
	if last.Operation != domain.OperationListKeys {
		t.Errorf("want LIST_KEYS event, got %s", last.Operation)
	}
}

// 同一鍵への並行ローテーションが全て成功し、バージョンが欠番なく
// 進むことを確認する。
func TestVaultService_ConcurrentRotations(t *testing.T) {
	ctx := context.Background()
	vault, log, _ := setupVaultService()

	if _, err := vault.CreateKey(ctx, "orders-db"); err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	const rotations = 8
	var wg sync.WaitGroup
	errCh := make(chan error, rotations)
	for i := 0; i < rotations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := vault.RotateKey(ctx, "orders-db"); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("rotation failed: %v", err)
	}

	keys, err := vault.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	// ListKeysの成功イベント1件を差し引いた操作数を確認
	events := log.all()
	if len(events) != rotations+2 {
		t.Errorf("expected %d audit events, got %d", rotations+2, len(events))
	}
	for i, event := range events {
		if event.Sequence != uint64(i+1) {
			t.Errorf("events[%d]: expected sequence %d, got %d", i, i+1, event.Sequence)
		}
	}

	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	if keys[0].CurrentVersion != rotations+1 {
		t.Errorf("expected current version %d, got %d", rotations+1, keys[0].CurrentVersion)
	}
}

// 複数の鍵IDへの並行作成でも監査連番が欠番なく割り当てられることを確認する。
func TestVaultService_ConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	vault, log, _ := setupVaultService()

	const creates = 8
	var wg sync.WaitGroup
	for i := 0; i < creates; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := vault.CreateKey(ctx, fmt.Sprintf("key-%d", n)); err != nil {
				t.Errorf("CreateKey failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	events := log.all()
	if len(events) != creates {
		t.Fatalf("expected %d audit events, got %d", creates, len(events))
	}
	seen := make(map[uint64]bool)
	for _, event := range events {
		if event.Sequence < 1 || event.Sequence > creates {
			t.Errorf("sequence %d out of range", event.Sequence)
		}
		if seen[event.Sequence] {
			t.Errorf("duplicate sequence %d", event.Sequence)
		}
		seen[event.Sequence] = true
	}
}

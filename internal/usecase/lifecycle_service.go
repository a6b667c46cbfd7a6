// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"envelope-key-service/internal/domain"
)

const keySize = 32 // AES-256 = 256 bits = 32 bytes

// KeyStore は鍵レコード永続化のインターフェース。
// CreateKey / RotateKey / RetireVersion は鍵レコードへの効果と
// 監査イベントの追記を単一トランザクションで確定する。
type KeyStore interface {
	CreateKey(ctx context.Context, record *domain.KeyRecord, event *domain.AuditEvent) error
	RotateKey(ctx context.Context, record *domain.KeyRecord, event *domain.AuditEvent) error
	RetireVersion(ctx context.Context, keyID string, version uint, event *domain.AuditEvent) error
	GetKeyRecord(ctx context.Context, keyID string, version uint) (*domain.KeyRecord, error)
	GetCurrentVersion(ctx context.Context, keyID string) (uint, error)
	ListKeys(ctx context.Context) ([]*domain.KeyInfo, error)
}

// MasterKeyWrapper はマスターKEKによる鍵素材のラップ/アンラップのインターフェース。
// 実体はCloud KMSまたはローカルAES-GCMラッパー（infra層）。
type MasterKeyWrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// keyLocks は鍵IDごとの排他制御を提供する。
// Rotate/Retireのread-modify-writeを鍵ID単位で直列化し、
// 異なる鍵IDへの操作は並行に進行させる。
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *keyLocks) lock(keyID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[keyID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[keyID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// LifecycleService は鍵のライフサイクル管理
// （作成・ローテーション・retire・解決・一覧）を提供する。
type LifecycleService struct {
	store  KeyStore
	master MasterKeyWrapper
	locks  keyLocks
}

// NewLifecycleService は新しいLifecycleServiceを生成する。
func NewLifecycleService(store KeyStore, master MasterKeyWrapper) *LifecycleService {
	return &LifecycleService{
		store:  store,
		master: master,
	}
}

// generateKeyMaterial はAES-256鍵素材を生成する。
func generateKeyMaterial() ([]byte, error) {
	material := make([]byte, keySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generating random key material: %w", err)
	}
	return material, nil
}

// CreateKey は指定された鍵IDに対してバージョン1の鍵を生成する。
// keyIDが空の場合はUUIDを生成する。既に存在する場合はErrKeyAlreadyExists。
func (s *LifecycleService) CreateKey(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	if keyID == "" {
		keyID = uuid.New().String()
	}

	unlock := s.locks.lock(keyID)
	defer unlock()

	material, err := generateKeyMaterial()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(material)

	wrapped, err := s.master.Wrap(ctx, material)
	if err != nil {
		return nil, fmt.Errorf("wrapping key material: %w", err)
	}

	record := &domain.KeyRecord{
		KeyID:      keyID,
		Version:    1,
		WrappedKey: wrapped,
		Status:     domain.KeyStatusActive,
	}
	event := domain.NewAuditEvent(domain.OperationCreateKey, keyID, record.Version)
	if err := s.store.CreateKey(ctx, record, event); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}
	return record, nil
}

// RotateKey は新しいバージョンN+1を生成して現行に昇格し、バージョンNをretireする。
// 両方の書き込みは鍵ストア側で単一トランザクションとして確定される。
func (s *LifecycleService) RotateKey(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	unlock := s.locks.lock(keyID)
	defer unlock()

	current, err := s.store.GetCurrentVersion(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("resolving current version: %w", err)
	}
	if current == 0 {
		return nil, domain.ErrKeyNotFound
	}

	material, err := generateKeyMaterial()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(material)

	wrapped, err := s.master.Wrap(ctx, material)
	if err != nil {
		return nil, fmt.Errorf("wrapping key material: %w", err)
	}

	record := &domain.KeyRecord{
		KeyID:      keyID,
		Version:    current + 1,
		WrappedKey: wrapped,
		Status:     domain.KeyStatusActive,
	}
	event := domain.NewAuditEvent(domain.OperationRotateKey, keyID, record.Version)
	if err := s.store.RotateKey(ctx, record, event); err != nil {
		return nil, fmt.Errorf("rotating key: %w", err)
	}
	return record, nil
}

// ResolveCurrent は指定された鍵IDの現行バージョンを返す。
func (s *LifecycleService) ResolveCurrent(ctx context.Context, keyID string) (uint, error) {
	current, err := s.store.GetCurrentVersion(ctx, keyID)
	if err != nil {
		return 0, fmt.Errorf("resolving current version: %w", err)
	}
	if current == 0 {
		return 0, domain.ErrKeyNotFound
	}
	return current, nil
}

// ResolveVersion は指定された鍵ID・バージョンのレコードを返す。
// retired状態のバージョンも解決できる（旧暗号文の復号に必要）。
func (s *LifecycleService) ResolveVersion(ctx context.Context, keyID string, version uint) (*domain.KeyRecord, error) {
	record, err := s.store.GetKeyRecord(ctx, keyID, version)
	if err != nil {
		return nil, fmt.Errorf("resolving key version: %w", err)
	}
	if record == nil {
		return nil, domain.ErrKeyNotFound
	}
	return record, nil
}

// KeyMaterial は指定された鍵ID・バージョンの鍵素材をアンラップして返す。
// 返却された平文素材の消去は呼び出し側の責務（memguard.WipeBytes）。
func (s *LifecycleService) KeyMaterial(ctx context.Context, keyID string, version uint) ([]byte, error) {
	record, err := s.ResolveVersion(ctx, keyID, version)
	if err != nil {
		return nil, err
	}
	material, err := s.master.Unwrap(ctx, record.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key material: %w", err)
	}
	return material, nil
}

// Retire は現行でない旧バージョンを明示的にretireする。
// 既にretired済みの場合は冪等に成功する。現行バージョンを指定した
// 場合はErrInvalidOperation（現行のretireはローテーションのみが行う）。
func (s *LifecycleService) Retire(ctx context.Context, keyID string, version uint) error {
	unlock := s.locks.lock(keyID)
	defer unlock()

	current, err := s.store.GetCurrentVersion(ctx, keyID)
	if err != nil {
		return fmt.Errorf("resolving current version: %w", err)
	}
	if current == 0 {
		return domain.ErrKeyNotFound
	}
	if version == current {
		return fmt.Errorf("%w: cannot retire the current active version %d", domain.ErrInvalidOperation, version)
	}

	event := domain.NewAuditEvent(domain.OperationRetireKey, keyID, version)
	if err := s.store.RetireVersion(ctx, keyID, version, event); err != nil {
		return fmt.Errorf("retiring key version: %w", err)
	}
	return nil
}

// ListKeys は全鍵IDの現行バージョンとステータスの一覧を返す。
func (s *LifecycleService) ListKeys(ctx context.Context) ([]*domain.KeyInfo, error) {
	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

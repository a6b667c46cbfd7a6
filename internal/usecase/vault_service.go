package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"envelope-key-service/internal/domain"
)

// VaultService は外部に公開される唯一のエントリポイント。
// 各公開操作をライフサイクル管理・エンベロープ暗号・監査シンクの
// 呼び出しとして順序付け、成功・失敗を問わず操作ごとに
// ちょうど1件の監査イベントを保証する。
//
// 作成・ローテーション・retireの成功イベントは鍵ストアが効果と同一
// トランザクションで追記するため、ここでは失敗時のみ追記する。
// 読み取り系操作（Encrypt/Decrypt/List）は操作完了後に追記する。
type VaultService struct {
	lifecycle *LifecycleService
	envelope  *EnvelopeService
	audit     *AuditService
}

// NewVaultService は新しいVaultServiceを生成する。
func NewVaultService(lifecycle *LifecycleService, envelope *EnvelopeService, audit *AuditService) *VaultService {
	return &VaultService{
		lifecycle: lifecycle,
		envelope:  envelope,
		audit:     audit,
	}
}

// recordFailure は失敗イベントを追記する。監査シンク自体の障害は
// 元の操作エラーを隠さないようログのみ出力する。
func (s *VaultService) recordFailure(ctx context.Context, op domain.OperationKind, keyID string, version uint, opErr error) {
	event := domain.NewAuditFailure(op, keyID, version, opErr)
	if err := s.audit.Record(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to record audit event",
			"operation", string(op),
			"key_id", keyID,
			"error", err,
		)
	}
}

// recordSuccess は読み取り系操作の成功イベントを追記する。
// 追記に失敗した場合は操作自体を失敗として扱う（記録なき成功を返さない）。
func (s *VaultService) recordSuccess(ctx context.Context, op domain.OperationKind, keyID string, version uint) error {
	event := domain.NewAuditEvent(op, keyID, version)
	if err := s.audit.Record(ctx, event); err != nil {
		return fmt.Errorf("operation succeeded but audit record failed: %w", err)
	}
	return nil
}

// CreateKey は新しい鍵を作成する。keyIDが空の場合はUUIDが割り当てられる。
func (s *VaultService) CreateKey(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	record, err := s.lifecycle.CreateKey(ctx, keyID)
	if err != nil {
		s.recordFailure(ctx, domain.OperationCreateKey, keyID, 0, err)
		return nil, err
	}
	return record, nil
}

// RotateKey は鍵を新バージョンにローテーションする。
func (s *VaultService) RotateKey(ctx context.Context, keyID string) (*domain.KeyRecord, error) {
	record, err := s.lifecycle.RotateKey(ctx, keyID)
	if err != nil {
		s.recordFailure(ctx, domain.OperationRotateKey, keyID, 0, err)
		return nil, err
	}
	return record, nil
}

// RetireKey は現行でない旧バージョンを明示的にretireする。
func (s *VaultService) RetireKey(ctx context.Context, keyID string, version uint) error {
	if err := s.lifecycle.Retire(ctx, keyID, version); err != nil {
		s.recordFailure(ctx, domain.OperationRetireKey, keyID, version, err)
		return err
	}
	return nil
}

// Encrypt は指定された鍵IDで平文をエンベロープ暗号化する。
func (s *VaultService) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	blob, version, err := s.envelope.Encrypt(ctx, keyID, plaintext)
	if err != nil {
		s.recordFailure(ctx, domain.OperationEncrypt, keyID, 0, err)
		return nil, err
	}
	if err := s.recordSuccess(ctx, domain.OperationEncrypt, keyID, version); err != nil {
		return nil, err
	}
	return blob, nil
}

// Decrypt は暗号文ブロブを復号する。ブロブに埋め込まれた鍵バージョンが
// retired状態でも復号できる。タグ検証失敗はErrIntegrityCheckFailed。
func (s *VaultService) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	envelope, err := domain.UnmarshalEnvelope(blob)
	if err != nil {
		s.recordFailure(ctx, domain.OperationDecrypt, "", 0, err)
		return nil, err
	}

	plaintext, err := s.envelope.Decrypt(ctx, envelope)
	if err != nil {
		s.recordFailure(ctx, domain.OperationDecrypt, envelope.KeyID, envelope.KeyVersion, err)
		return nil, err
	}
	if err := s.recordSuccess(ctx, domain.OperationDecrypt, envelope.KeyID, envelope.KeyVersion); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// ListKeys は全鍵の現行バージョンとステータスの一覧を返す。
func (s *VaultService) ListKeys(ctx context.Context) ([]*domain.KeyInfo, error) {
	keys, err := s.lifecycle.ListKeys(ctx)
	if err != nil {
		s.recordFailure(ctx, domain.OperationListKeys, "", 0, err)
		return nil, err
	}
	if err := s.recordSuccess(ctx, domain.OperationListKeys, "", 0); err != nil {
		return nil, err
	}
	return keys, nil
}

// QueryAudit は監査イベントを検索する。検索自体は監査対象の操作ではない。
func (s *VaultService) QueryAudit(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	return s.audit.Query(ctx, filter)
}

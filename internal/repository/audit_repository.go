// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"envelope-key-service/internal/domain"
)

// AuditEventModel はgorm用の監査イベントモデル定義。
// Sequenceは自動採番ではなく、追記トランザクション内でMAX+1を割り当てる。
type AuditEventModel struct {
	Sequence   uint64    `gorm:"primaryKey;autoIncrement:false"`
	Timestamp  time.Time `gorm:"type:datetime(6);not null;index:idx_audit_timestamp"`
	Operation  string    `gorm:"type:varchar(32);not null;index:idx_audit_operation"`
	KeyID      string    `gorm:"column:key_id;type:varchar(64);index:idx_audit_key_id"`
	KeyVersion uint      `gorm:"not null;default:0"`
	Outcome    string    `gorm:"type:varchar(16);not null"`
	Reason     string    `gorm:"type:text"`
}

// TableName はテーブル名を返す。
func (AuditEventModel) TableName() string {
	return "audit_events"
}

// toDomain はモデルをドメインエンティティに変換する。
func (e *AuditEventModel) toDomain() *domain.AuditEvent {
	return &domain.AuditEvent{
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp,
		Operation:  domain.OperationKind(e.Operation),
		KeyID:      e.KeyID,
		KeyVersion: e.KeyVersion,
		Outcome:    domain.AuditOutcome(e.Outcome),
		Reason:     e.Reason,
	}
}

// errSequenceConflict は連番採番の衝突を表すパッケージ内部エラー。
// 別トランザクションが同じ連番を先に確定した場合に発生し、リトライ対象となる。
var errSequenceConflict = errors.New("audit sequence conflict")

// sequenceRetryLimit は連番衝突時のリトライ回数上限。
const sequenceRetryLimit = 5

// appendEventTx はトランザクション内で次の連番を採番してイベントを追記する。
// 採番はMAX(sequence)+1。連番の主キー制約が重複採番を検出する。
func appendEventTx(tx *gorm.DB, event *domain.AuditEvent) error {
	var maxSeq uint64
	err := tx.Model(&AuditEventModel{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return err
	}

	model := &AuditEventModel{
		Sequence:   maxSeq + 1,
		Timestamp:  event.Timestamp,
		Operation:  string(event.Operation),
		KeyID:      event.KeyID,
		KeyVersion: event.KeyVersion,
		Outcome:    string(event.Outcome),
		Reason:     event.Reason,
	}
	if err := tx.Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errSequenceConflict
		}
		return err
	}
	event.Sequence = model.Sequence
	return nil
}

// withSequenceRetry は連番衝突時にトランザクション全体をリトライする。
func withSequenceRetry(fn func() error) error {
	var err error
	for i := 0; i < sequenceRetryLimit; i++ {
		err = fn()
		if !errors.Is(err, errSequenceConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: sequence contention persisted after %d attempts", domain.ErrConflict, sequenceRetryLimit)
}

// AuditRepository は監査イベントの追記と検索を提供する。
type AuditRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewAuditRepository は新しいAuditRepositoryを生成する。
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db, timeout: storageTimeout}
}

// Append は監査イベントを1件追記し、採番した連番を返す。
func (r *AuditRepository) Append(ctx context.Context, event *domain.AuditEvent) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := withSequenceRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return appendEventTx(tx, event)
		})
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to append audit event",
			"operation", "append",
			"event_operation", string(event.Operation),
			"key_id", event.KeyID,
			"error", err,
		)
		return 0, mapSinkErr(err)
	}
	return event.Sequence, nil
}

// Scan は絞り込み条件に一致する監査イベントを連番昇順で取得する。
func (r *AuditRepository) Scan(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.WithContext(ctx).Model(&AuditEventModel{})
	if filter.KeyID != "" {
		query = query.Where("key_id = ?", filter.KeyID)
	}
	if filter.Operation != "" {
		query = query.Where("operation = ?", string(filter.Operation))
	}
	if filter.Outcome != "" {
		query = query.Where("outcome = ?", string(filter.Outcome))
	}
	if filter.Since != nil {
		query = query.Where("timestamp >= ?", *filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("timestamp < ?", *filter.Until)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []AuditEventModel
	if err := query.Order("sequence ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to scan audit events",
			"operation", "scan",
			"key_id", filter.KeyID,
			"error", err,
		)
		return nil, mapSinkErr(err)
	}

	events := make([]*domain.AuditEvent, len(models))
	for i, m := range models {
		events[i] = m.toDomain()
	}
	return events, nil
}

// mapSinkErr は監査シンクの低レベルエラーをドメインエラーに写像する。
// ドメインエラーはそのまま通過させ、それ以外はErrSinkUnavailableに包む。
func mapSinkErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrSinkUnavailable, err)
}

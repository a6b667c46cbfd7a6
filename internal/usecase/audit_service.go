package usecase

import (
	"context"
	"fmt"

	"envelope-key-service/internal/domain"
)

// AuditSink は監査イベント永続化のインターフェース。
// Appendは採番した連番を返す。Scanは連番昇順でイベントを返す。
type AuditSink interface {
	Append(ctx context.Context, event *domain.AuditEvent) (uint64, error)
	Scan(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEvent, error)
}

// AuditService は監査イベントの記録と検索を提供する。
type AuditService struct {
	sink AuditSink
}

// NewAuditService は新しいAuditServiceを生成する。
func NewAuditService(sink AuditSink) *AuditService {
	return &AuditService{sink: sink}
}

// Record は監査イベントを1件追記する。採番された連番はevent.Sequenceに反映される。
func (s *AuditService) Record(ctx context.Context, event *domain.AuditEvent) error {
	seq, err := s.sink.Append(ctx, event)
	if err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	event.Sequence = seq
	return nil
}

// Query は絞り込み条件に一致する監査イベントを連番昇順で返す。
func (s *AuditService) Query(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEvent, error) {
	events, err := s.sink.Scan(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("scanning audit events: %w", err)
	}
	return events, nil
}

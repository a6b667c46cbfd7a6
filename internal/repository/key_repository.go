package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"envelope-key-service/internal/domain"
)

// storageTimeout はストレージ呼び出し1回あたりの暗黙のタイムアウト。
// 超過した操作はハングせずErrStorageUnavailableで失敗する。
const storageTimeout = 5 * time.Second

// KeyRecordModel はgorm用の鍵レコードモデル定義。
type KeyRecordModel struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	KeyID      string    `gorm:"column:key_id;type:varchar(64);not null;uniqueIndex:uk_key_version;index:idx_key_id"`
	Version    uint      `gorm:"not null;uniqueIndex:uk_key_version"`
	WrappedKey []byte    `gorm:"type:blob;not null"`
	Status     string    `gorm:"type:enum('active','retired');not null;default:'active'"`
	CreatedAt  time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() *domain.KeyRecord {
	return &domain.KeyRecord{
		ID:         m.ID,
		KeyID:      m.KeyID,
		Version:    m.Version,
		WrappedKey: m.WrappedKey,
		Status:     domain.KeyStatus(m.Status),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// KeyCurrentModel は鍵IDごとの現行バージョンポインタのモデル定義。
type KeyCurrentModel struct {
	KeyID     string    `gorm:"column:key_id;type:varchar(64);primaryKey"`
	Version   uint      `gorm:"not null"`
	UpdatedAt time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyCurrentModel) TableName() string {
	return "key_current_versions"
}

// KeyRepository は鍵レコードと現行バージョンポインタの永続化を提供する。
// 作成・ローテーション・retireは監査イベントの追記ごと単一トランザクションで
// 確定するため、クラッシュしても「効果あり・記録なし」の不整合が残らない。
type KeyRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db, timeout: storageTimeout}
}

// newRecordModel はドメインエンティティをモデルに変換する。
func newRecordModel(record *domain.KeyRecord) *KeyRecordModel {
	return &KeyRecordModel{
		ID:         record.ID,
		KeyID:      record.KeyID,
		Version:    record.Version,
		WrappedKey: record.WrappedKey,
		Status:     string(record.Status),
	}
}

// CreateKey はバージョン1の鍵レコード・現行ポインタ・監査イベントを
// 単一トランザクションで作成する。鍵IDが既に存在する場合はErrKeyAlreadyExists。
func (r *KeyRepository) CreateKey(ctx context.Context, record *domain.KeyRecord, event *domain.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := withSequenceRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&KeyRecordModel{}).Where("key_id = ?", record.KeyID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return domain.ErrKeyAlreadyExists
			}

			model := newRecordModel(record)
			if err := putKeyRecord(tx, model); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.ErrKeyAlreadyExists
				}
				return err
			}
			if err := tx.Create(&KeyCurrentModel{KeyID: record.KeyID, Version: record.Version}).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.ErrKeyAlreadyExists
				}
				return err
			}
			if err := appendEventTx(tx, event); err != nil {
				return err
			}

			record.ID = model.ID
			record.CreatedAt = model.CreatedAt
			record.UpdatedAt = model.UpdatedAt
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, domain.ErrKeyAlreadyExists) {
			slog.ErrorContext(ctx, "failed to create key",
				"operation", "create_key",
				"key_id", record.KeyID,
				"error", err,
			)
		}
		return mapStorageErr(err)
	}
	return nil
}

// RotateKey は新バージョンの挿入・旧バージョンのretire・現行ポインタの
// 差し替え・監査イベントの追記を単一トランザクションで確定する。
// ポインタの差し替えは期待バージョンつきの比較交換であり、並行する
// ローテーションに敗れた場合はErrConflict。
func (r *KeyRepository) RotateKey(ctx context.Context, record *domain.KeyRecord, event *domain.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := withSequenceRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			current, err := getCurrentVersionTx(tx, record.KeyID)
			if err != nil {
				return err
			}
			if current == 0 {
				return domain.ErrKeyNotFound
			}
			if record.Version != current+1 {
				return domain.ErrConflict
			}

			model := newRecordModel(record)
			if err := putKeyRecord(tx, model); err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.ErrConflict
				}
				return err
			}

			if err := tx.Model(&KeyRecordModel{}).
				Where("key_id = ? AND version = ?", record.KeyID, current).
				Update("status", string(domain.KeyStatusRetired)).Error; err != nil {
				return err
			}

			// 現行ポインタの比較交換。期待バージョンと一致しない場合は更新されない。
			res := tx.Model(&KeyCurrentModel{}).
				Where("key_id = ? AND version = ?", record.KeyID, current).
				Update("version", record.Version)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrConflict
			}

			if err := appendEventTx(tx, event); err != nil {
				return err
			}

			record.ID = model.ID
			record.CreatedAt = model.CreatedAt
			record.UpdatedAt = model.UpdatedAt
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, domain.ErrKeyNotFound) && !errors.Is(err, domain.ErrConflict) {
			slog.ErrorContext(ctx, "failed to rotate key",
				"operation", "rotate_key",
				"key_id", record.KeyID,
				"version", record.Version,
				"error", err,
			)
		}
		return mapStorageErr(err)
	}
	return nil
}

// RetireVersion は指定バージョンをretiredにし、監査イベントを同一
// トランザクションで追記する。既にretired済みでも成功する（冪等）。
// 現行バージョンの保護は呼び出し側（ライフサイクル管理）が行う。
func (r *KeyRepository) RetireVersion(ctx context.Context, keyID string, version uint, event *domain.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := withSequenceRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&KeyRecordModel{}).
				Where("key_id = ? AND version = ?", keyID, version).
				Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return domain.ErrKeyNotFound
			}

			if err := tx.Model(&KeyRecordModel{}).
				Where("key_id = ? AND version = ?", keyID, version).
				Update("status", string(domain.KeyStatusRetired)).Error; err != nil {
				return err
			}
			return appendEventTx(tx, event)
		})
	})
	if err != nil {
		if !errors.Is(err, domain.ErrKeyNotFound) {
			slog.ErrorContext(ctx, "failed to retire key version",
				"operation", "retire_version",
				"key_id", keyID,
				"version", version,
				"error", err,
			)
		}
		return mapStorageErr(err)
	}
	return nil
}

// GetKeyRecord は指定された鍵ID・バージョンのレコードを取得する。
// 存在しない場合はnilを返す。
func (r *KeyRepository) GetKeyRecord(ctx context.Context, keyID string, version uint) (*domain.KeyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("key_id = ? AND version = ?", keyID, version).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key record",
			"operation", "get_key_record",
			"key_id", keyID,
			"version", version,
			"error", err,
		)
		return nil, mapStorageErr(err)
	}
	return model.toDomain(), nil
}

// GetCurrentVersion は指定された鍵IDの現行バージョンを取得する。
// 存在しない場合は0を返す。
func (r *KeyRepository) GetCurrentVersion(ctx context.Context, keyID string) (uint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	version, err := getCurrentVersionTx(r.db.WithContext(ctx), keyID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get current version",
			"operation", "get_current_version",
			"key_id", keyID,
			"error", err,
		)
		return 0, mapStorageErr(err)
	}
	return version, nil
}

// ListKeys は全鍵IDの現行バージョンとステータスの一覧を鍵ID順に取得する。
func (r *KeyRepository) ListKeys(ctx context.Context) ([]*domain.KeyInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type row struct {
		KeyID     string
		Version   uint
		Status    string
		CreatedAt time.Time
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Table("key_current_versions AS c").
		Select("c.key_id, c.version, r.status, r.created_at").
		Joins("JOIN key_records AS r ON r.key_id = c.key_id AND r.version = c.version").
		Order("c.key_id ASC").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list keys",
			"operation", "list_keys",
			"error", err,
		)
		return nil, mapStorageErr(err)
	}

	keys := make([]*domain.KeyInfo, len(rows))
	for i, row := range rows {
		keys[i] = &domain.KeyInfo{
			KeyID:          row.KeyID,
			CurrentVersion: row.Version,
			Status:         domain.KeyStatus(row.Status),
			CreatedAt:      row.CreatedAt,
		}
	}
	return keys, nil
}

// putKeyRecord は鍵レコードを1件挿入する。
func putKeyRecord(tx *gorm.DB, model *KeyRecordModel) error {
	return tx.Create(model).Error
}

// getCurrentVersionTx は現行バージョンポインタを読み取る。存在しない場合は0。
func getCurrentVersionTx(tx *gorm.DB, keyID string) (uint, error) {
	var model KeyCurrentModel
	err := tx.Where("key_id = ?", keyID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return model.Version, nil
}

// mapStorageErr は鍵ストアの低レベルエラーをドメインエラーに写像する。
// ドメインエラーはそのまま通過させ、それ以外はErrStorageUnavailableに包む。
func mapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrKeyNotFound),
		errors.Is(err, domain.ErrKeyAlreadyExists),
		errors.Is(err, domain.ErrConflict):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

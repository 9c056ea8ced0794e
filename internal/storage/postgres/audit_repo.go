package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/grcflow/internal/security"
)

// AuditRepository implements security.AuditStore.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event. This is the only write method;
// immutability is enforced at the interface level.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model, err := toAuditModel(event)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events newest first. Limit defaults to 100.
func (r *AuditRepository) Query(ctx context.Context, q security.AuditQuery) ([]security.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	db := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	if q.RequestID != "" {
		db = db.Where("request_id = ?", q.RequestID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}

	var models []AuditEventModel
	if err := db.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

var _ security.AuditStore = (*AuditRepository)(nil)

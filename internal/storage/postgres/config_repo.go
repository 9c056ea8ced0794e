package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/grcflow/internal/workflow"
)

// ConfigRepository implements workflow.ConfigStore on a single versioned row.
type ConfigRepository struct {
	db *gorm.DB
}

// NewConfigRepository creates a ConfigRepository.
func NewConfigRepository(db *gorm.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

func (r *ConfigRepository) Get(ctx context.Context) (*workflow.Config, error) {
	var model WorkflowConfigModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", configRowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow config: %w", workflow.ErrNotFound)
		}
		return nil, fmt.Errorf("getting workflow config: %w", err)
	}
	return toConfigDomain(&model)
}

// Ensure inserts the seed row unless one exists. Concurrent callers race on
// the primary key; the loser's insert is a no-op.
func (r *ConfigRepository) Ensure(ctx context.Context, roleOrder []string) (*workflow.Config, error) {
	order, err := encodeRoleOrder(roleOrder)
	if err != nil {
		return nil, err
	}
	seed := WorkflowConfigModel{
		ID:        configRowID,
		RoleOrder: order,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("seeding workflow config: %w", err)
	}
	return r.Get(ctx)
}

// CompareAndSwap updates the row only while its version equals expectedVersion.
func (r *ConfigRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, roleOrder []string, updatedBy string) (*workflow.Config, bool, error) {
	order, err := encodeRoleOrder(roleOrder)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&WorkflowConfigModel{}).
		Where("id = ? AND version = ?", configRowID, expectedVersion).
		Updates(map[string]any{
			"role_order": order,
			"version":    expectedVersion + 1,
			"updated_by": updatedBy,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("updating workflow config: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return &workflow.Config{
		RoleOrder: append([]string(nil), roleOrder...),
		Version:   expectedVersion + 1,
		UpdatedBy: updatedBy,
		UpdatedAt: now,
	}, true, nil
}

var _ workflow.ConfigStore = (*ConfigRepository)(nil)

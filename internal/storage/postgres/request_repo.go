package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/grcflow/internal/workflow"
)

// RequestRepository implements workflow.RequestStore.
//
// The request row carries the version token. History lives in
// approval_history and is only ever appended, inside the same transaction
// as the version-guarded update.
type RequestRepository struct {
	db *gorm.DB
}

// NewRequestRepository creates a RequestRepository.
func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a new request and any initial history.
func (r *RequestRepository) Create(ctx context.Context, req *workflow.ApprovalRequest) error {
	model := toRequestModel(req)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return appendHistory(tx, req.RequestID, 0, req.History)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", workflow.ErrDuplicateRequest, req.RequestID)
		}
		return fmt.Errorf("creating request: %w", err)
	}
	return nil
}

// Get loads a request with its full history.
func (r *RequestRepository) Get(ctx context.Context, requestID string) (*workflow.ApprovalRequest, error) {
	db := r.db.WithContext(ctx)
	var model ApprovalRequestModel
	if err := db.First(&model, "request_id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request %s: %w", requestID, workflow.ErrNotFound)
		}
		return nil, fmt.Errorf("getting request: %w", err)
	}

	var history []ApprovalHistoryModel
	if err := db.Where("request_id = ?", requestID).Order("seq ASC").Find(&history).Error; err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return toRequestDomain(&model, history), nil
}

// CompareAndSwap runs a version-guarded UPDATE. Zero affected rows means
// either a version mismatch or a missing request; the two are told apart
// by a follow-up existence check.
func (r *RequestRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, next *workflow.ApprovalRequest) (bool, error) {
	swapped := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ApprovalRequestModel{}).
			Where("request_id = ? AND version = ?", next.RequestID, expectedVersion).
			Updates(map[string]any{
				"current_stage_index": next.CurrentStageIndex,
				"status":              string(next.Status),
				"version":             next.Version,
				"updated_at":          next.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("updating request: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&ApprovalRequestModel{}).Where("request_id = ?", next.RequestID).Count(&n).Error; err != nil {
				return fmt.Errorf("checking request: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("request %s: %w", next.RequestID, workflow.ErrNotFound)
			}
			return nil
		}

		var stored int64
		if err := tx.Model(&ApprovalHistoryModel{}).Where("request_id = ?", next.RequestID).Count(&stored).Error; err != nil {
			return fmt.Errorf("counting history: %w", err)
		}
		if int(stored) > len(next.History) {
			return fmt.Errorf("history for %s would shrink from %d to %d entries", next.RequestID, stored, len(next.History))
		}
		if err := appendHistory(tx, next.RequestID, int(stored), next.History[stored:]); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// List returns requests matching f, most recently updated first.
func (r *RequestRepository) List(ctx context.Context, f workflow.ListFilter) ([]*workflow.ApprovalRequest, error) {
	db := r.db.WithContext(ctx)
	var models []ApprovalRequestModel
	if err := db.Scopes(RequestFilterScope(f), Paginate(f)).
		Order("updated_at DESC").
		Order("request_id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}

	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].RequestID
	}
	var history []ApprovalHistoryModel
	if err := db.Where("request_id IN ?", ids).Order("request_id, seq").Find(&history).Error; err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	byRequest := make(map[string][]ApprovalHistoryModel, len(models))
	for _, h := range history {
		byRequest[h.RequestID] = append(byRequest[h.RequestID], h)
	}

	out := make([]*workflow.ApprovalRequest, len(models))
	for i := range models {
		out[i] = toRequestDomain(&models[i], byRequest[models[i].RequestID])
	}
	return out, nil
}

// Count returns the number of requests with status, or all when empty.
func (r *RequestRepository) Count(ctx context.Context, status workflow.Status) (int64, error) {
	var n int64
	q := r.db.WithContext(ctx).Model(&ApprovalRequestModel{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting requests: %w", err)
	}
	return n, nil
}

func appendHistory(tx *gorm.DB, requestID string, firstSeq int, entries []workflow.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]ApprovalHistoryModel, len(entries))
	for i, h := range entries {
		rows[i] = toHistoryModel(requestID, firstSeq+i, h)
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

var _ workflow.RequestStore = (*RequestRepository)(nil)

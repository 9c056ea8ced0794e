package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/grcflow/internal/workflow"
)

// RequestFilterScope applies a workflow.ListFilter to an approval_requests query.
func RequestFilterScope(f workflow.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.Status != "" {
			db = db.Where("status = ?", string(f.Status))
		}
		if !f.UpdatedBefore.IsZero() {
			db = db.Where("updated_at < ?", f.UpdatedBefore)
		}
		return db
	}
}

// Paginate applies limit/offset after normalizing f.
func Paginate(f workflow.ListFilter) func(*gorm.DB) *gorm.DB {
	f = f.Normalize()
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(f.Limit).Offset(f.Offset)
	}
}

package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns. SQLite stores the same bytes as TEXT.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("scanning JSONB: unsupported type %T", src)
	}
	return nil
}

// configRowID is the primary key of the single workflow_config row.
const configRowID = 1

// WorkflowConfigModel maps to the "workflow_config" table. Only row 1 is used.
type WorkflowConfigModel struct {
	ID        int    `gorm:"primaryKey;autoIncrement:false"`
	RoleOrder JSONB  `gorm:"type:jsonb;not null"`
	Version   int64  `gorm:"not null"`
	UpdatedBy string `gorm:"not null;default:''"`
	UpdatedAt time.Time
}

func (WorkflowConfigModel) TableName() string { return "workflow_config" }

// ApprovalRequestModel maps to the "approval_requests" table.
// Version is the optimistic-concurrency token.
type ApprovalRequestModel struct {
	RequestID         string `gorm:"primaryKey;size:128"`
	Title             string `gorm:"type:text;not null"`
	CurrentStageIndex int    `gorm:"not null;default:0"`
	Status            string `gorm:"size:16;not null;default:'pending';index"`
	Version           int64  `gorm:"not null;default:1"`
	CreatedBy         string `gorm:"not null;default:''"`
	CreatedAt         time.Time
	UpdatedAt         time.Time `gorm:"index"`
}

func (ApprovalRequestModel) TableName() string { return "approval_requests" }

// ApprovalHistoryModel maps to the "approval_history" table.
// Append-only: rows are inserted with increasing Seq and never updated.
type ApprovalHistoryModel struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	RequestID  string    `gorm:"size:128;not null;uniqueIndex:idx_approval_history_seq,priority:1"`
	Seq        int       `gorm:"not null;uniqueIndex:idx_approval_history_seq,priority:2"`
	StageIndex int       `gorm:"not null"`
	ActingRole string    `gorm:"not null"`
	Action     string    `gorm:"size:16;not null"`
	Actor      string    `gorm:"not null;default:''"`
	Timestamp  time.Time `gorm:"not null"`
}

func (ApprovalHistoryModel) TableName() string { return "approval_history" }

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: audit log is append-only and immutable.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationID string    `gorm:"index"`
	UserID        string    `gorm:"not null;index"`
	Role          string
	Action        string `gorm:"not null;index"`
	RequestID     string `gorm:"size:128;index"`
	Result        string `gorm:"not null"`
	Details       JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Error         string
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// models lists every table in migration order.
func models() []any {
	return []any{
		&WorkflowConfigModel{},
		&ApprovalRequestModel{},
		&ApprovalHistoryModel{},
		&AuditEventModel{},
	}
}

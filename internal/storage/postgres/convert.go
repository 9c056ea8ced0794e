package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
)

// --- Workflow config ---

func toConfigDomain(m *WorkflowConfigModel) (*workflow.Config, error) {
	var order []string
	if err := json.Unmarshal(m.RoleOrder, &order); err != nil {
		return nil, fmt.Errorf("decoding role order: %w", err)
	}
	return &workflow.Config{
		RoleOrder: order,
		Version:   m.Version,
		UpdatedBy: m.UpdatedBy,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func encodeRoleOrder(order []string) (JSONB, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("encoding role order: %w", err)
	}
	return JSONB(data), nil
}

// --- Approval requests ---

func toRequestModel(r *workflow.ApprovalRequest) ApprovalRequestModel {
	return ApprovalRequestModel{
		RequestID:         r.RequestID,
		Title:             r.Title,
		CurrentStageIndex: r.CurrentStageIndex,
		Status:            string(r.Status),
		Version:           r.Version,
		CreatedBy:         r.CreatedBy,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func toRequestDomain(m *ApprovalRequestModel, history []ApprovalHistoryModel) *workflow.ApprovalRequest {
	r := &workflow.ApprovalRequest{
		RequestID:         m.RequestID,
		Title:             m.Title,
		CurrentStageIndex: m.CurrentStageIndex,
		Status:            workflow.Status(m.Status),
		Version:           m.Version,
		CreatedBy:         m.CreatedBy,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		History:           make([]workflow.HistoryEntry, 0, len(history)),
	}
	for i := range history {
		h := &history[i]
		r.History = append(r.History, workflow.HistoryEntry{
			StageIndex: h.StageIndex,
			ActingRole: h.ActingRole,
			Action:     workflow.Action(h.Action),
			Actor:      h.Actor,
			Timestamp:  h.Timestamp,
		})
	}
	return r
}

func toHistoryModel(requestID string, seq int, h workflow.HistoryEntry) ApprovalHistoryModel {
	return ApprovalHistoryModel{
		RequestID:  requestID,
		Seq:        seq,
		StageIndex: h.StageIndex,
		ActingRole: h.ActingRole,
		Action:     string(h.Action),
		Actor:      h.Actor,
		Timestamp:  h.Timestamp,
	}
}

// --- Audit ---

func toAuditModel(e security.AuditEvent) (AuditEventModel, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		id = uuid.New()
	}
	details := JSONB("{}")
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return AuditEventModel{}, fmt.Errorf("encoding audit details: %w", err)
		}
		details = JSONB(data)
	}
	return AuditEventModel{
		ID:            id,
		CorrelationID: e.CorrelationID,
		UserID:        e.UserID,
		Role:          e.Role,
		Action:        e.Action,
		RequestID:     e.RequestID,
		Result:        e.Result,
		Details:       details,
		Error:         e.Error,
		CreatedAt:     e.Timestamp,
	}, nil
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	e := security.AuditEvent{
		ID:            m.ID.String(),
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		UserID:        m.UserID,
		Role:          m.Role,
		Action:        m.Action,
		RequestID:     m.RequestID,
		Result:        m.Result,
		Error:         m.Error,
	}
	if len(m.Details) > 0 {
		var details map[string]any
		if json.Unmarshal(m.Details, &details) == nil && len(details) > 0 {
			e.Details = details
		}
	}
	return e
}

package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/grcflow/internal/security"
	"github.com/jkaninda/grcflow/internal/workflow"
	"github.com/jkaninda/okapi"
)

// registerRoutes mounts the authenticated /api/v1 routes.
func (g *Gateway) registerRoutes() {
	g.group = g.okapi.Group("/api/v1", g.authenticate)

	g.group.Get("/workflows/config", g.handleGetConfig,
		okapi.DocSummary("Get the workflow stage order"),
		okapi.DocTags("Workflow config"),
		okapi.DocResponse(workflow.Config{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/workflows/config", g.handleSaveConfig,
		okapi.DocSummary("Replace the workflow stage order"),
		okapi.DocTags("Workflow config"),
		okapi.DocRequestBody(SaveConfigRequest{}),
		okapi.DocResponse(workflow.Config{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	g.group.Post("/workflows/requests", g.handleCreateRequest,
		okapi.DocSummary("Create an approval request"),
		okapi.DocTags("Approval requests"),
		okapi.DocRequestBody(CreateRequest{}),
		okapi.DocResponse(http.StatusCreated, workflow.View{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Get("/workflows/requests", g.handleListRequests,
		okapi.DocSummary("List approval requests, newest first"),
		okapi.DocTags("Approval requests"),
		okapi.DocResponse(ListResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/workflows/requests/{id}", g.handleGetRequest,
		okapi.DocSummary("Get an approval request"),
		okapi.DocTags("Approval requests"),
		okapi.DocPathParam("id", "string", "Request ID"),
		okapi.DocResponse(workflow.View{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/workflows/requests/{id}/history", g.handleHistory,
		okapi.DocSummary("Get the decision history of a request"),
		okapi.DocTags("Approval requests"),
		okapi.DocPathParam("id", "string", "Request ID"),
		okapi.DocResponse(HistoryResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/workflows/transition", g.handleTransition,
		okapi.DocSummary("Approve or reject the current stage of a request"),
		okapi.DocTags("Approval requests"),
		okapi.DocRequestBody(TransitionRequest{}),
		okapi.DocResponse(workflow.View{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)

	if g.recorder != nil {
		g.group.Get("/audit", g.handleAudit,
			okapi.DocSummary("Query the audit log"),
			okapi.DocTags("Audit"),
			okapi.DocResponse(AuditResponse{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		)
	}
}

// --- Workflow config ---

// SaveConfigRequest is the JSON body for POST /api/v1/workflows/config.
type SaveConfigRequest struct {
	RoleOrder []string `json:"role_order"`
	// ExpectedVersion makes the save conditional when positive.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

func (g *Gateway) handleGetConfig(c *okapi.Context) error {
	ctx, cancel := g.callContext(c)
	defer cancel()
	if ok, err := g.authorize(ctx, c, security.PermConfigRead); !ok {
		return err
	}

	cfg, err := g.service.GetConfig(ctx)
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	return c.OK(cfg)
}

func (g *Gateway) handleSaveConfig(c *okapi.Context) error {
	ctx, cancel := g.callContext(c)
	defer cancel()
	if ok, err := g.authorize(ctx, c, security.PermConfigWrite); !ok {
		return err
	}

	var req SaveConfigRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	cfg, err := g.service.SaveConfig(ctx, workflow.SaveConfigInput{
		RoleOrder:       req.RoleOrder,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           c.GetString("userID"),
	})
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	return c.OK(cfg)
}

// --- Approval requests ---

// CreateRequest is the JSON body for POST /api/v1/workflows/requests.
type CreateRequest struct {
	RequestID string `json:"request_id"`
	Title     string `json:"title"`
}

// ListResponse is the JSON response for GET /api/v1/workflows/requests.
type ListResponse struct {
	Requests []workflow.View `json:"requests"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// HistoryResponse is the JSON response for the history endpoint.
type HistoryResponse struct {
	RequestID string                  `json:"request_id"`
	Status    workflow.Status         `json:"status"`
	History   []workflow.HistoryEntry `json:"history"`
}

// TransitionRequest is the JSON body for POST /api/v1/workflows/transition.
type TransitionRequest struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"` // "approve" or "reject"
	// ActingRole defaults to the caller's platform role.
	ActingRole string `json:"acting_role,omitempty"`
}

func (g *Gateway) handleCreateRequest(c *okapi.Context) error {
	ctx, cancel := g.callContext(c)
	defer cancel()
	if ok, err := g.authorize(ctx, c, security.PermRequestCreate); !ok {
		return err
	}

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	created, err := g.service.CreateRequest(ctx, workflow.CreateInput{
		RequestID: req.RequestID,
		Title:     req.Title,
		Actor:     c.GetString("userID"),
	})
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	return c.JSON(http.StatusCreated, g.view(ctx, created))
}

func (g *Gateway) handleListRequests(c *okapi.Context) error {
	ctx, cancel := g.callContext(c)
	defer cancel()
	if ok, err := g.authorize(ctx, c, security.PermRequestRead); !ok {
		return err
	}

	q := c.Request().URL.Query()
	filter := workflow.ListFilter{Status: workflow.Status(q.Get("status"))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		return badRequest(c, "limit must be an integer")
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		return badRequest(c, "offset must be an integer")
	}
	filter = filter.Normalize()

	reqs, err := g.service.ListRequests(ctx, filter)
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	cfg, err := g.service.GetConfig(ctx)
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	views := make([]workflow.View, len(reqs))
	for i, r := range reqs {
		views[i] = workflow.NewView(r, cfg)
	}
	return c.OK(ListResponse{Requests: views, Limit: filter.Limit, Offset: filter.Offset})
}

func (g *Gateway) handleGetRequest(c *okapi.Context) error {
	ctx, cancel := g.callContext(c)
	defer cancel()
	if ok, err := g.authorize(ctx, c, security.PermRequestRead); !ok {
		return err
	}

	req, err := g.service.GetRequest(ctx, c.Param("id"))
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	return c.OK(g.view(ctx, req))
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	ctx, cancel := g.callContext(c)
	defer cancel()
	if ok, err := g.authorize(ctx, c, security.PermRequestRead); !ok {
		return err
	}

	req, err := g.service.GetRequest(ctx, c.Param("id"))
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	history := req.History
	if history == nil {
		history = []workflow.HistoryEntry{}
	}
	return c.OK(HistoryResponse{RequestID: req.RequestID, Status: req.Status, History: history})
}

func (g *Gateway) handleTransition(c *okapi.Context) error {
	ctx, cancel := g.callContext(c)
	defer cancel()
	if ok, err := g.authorize(ctx, c, security.PermTransition); !ok {
		return err
	}

	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.RequestID == "" {
		return badRequest(c, "request_id is required")
	}
	role := req.ActingRole
	if role == "" {
		role = c.GetString("role")
	}

	updated, err := g.service.Transition(ctx, workflow.TransitionRequest{
		RequestID:  req.RequestID,
		Action:     req.Action,
		ActingRole: role,
		Actor:      c.GetString("userID"),
	})
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	return c.OK(g.view(ctx, updated))
}

// --- Audit ---

// AuditResponse is the JSON response for GET /api/v1/audit.
type AuditResponse struct {
	Events []security.AuditEvent `json:"events"`
}

func (g *Gateway) handleAudit(c *okapi.Context) error {
	ctx, cancel := g.callContext(c)
	defer cancel()
	if ok, err := g.authorize(ctx, c, security.PermAuditRead); !ok {
		return err
	}

	q := c.Request().URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	events, err := g.recorder.Query(ctx, security.AuditQuery{
		UserID:    q.Get("user_id"),
		RequestID: q.Get("request_id"),
		Action:    q.Get("action"),
		Limit:     limit,
	})
	if err != nil {
		return g.writeError(ctx, c, err)
	}
	if events == nil {
		events = []security.AuditEvent{}
	}
	return c.OK(AuditResponse{Events: events})
}

// --- Helpers ---

// view renders req with its current stage role. A config read failure
// leaves the stage empty rather than failing a committed write.
func (g *Gateway) view(ctx context.Context, req *workflow.ApprovalRequest) workflow.View {
	cfg, err := g.service.GetConfig(ctx)
	if err != nil {
		g.logger.WarnContext(ctx, "rendering request without stage",
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		return workflow.View{ApprovalRequest: req}
	}
	return workflow.NewView(req, cfg)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

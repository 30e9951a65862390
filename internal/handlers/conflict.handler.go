package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/trainu/outreach-gateway/internal/crmsync"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/repository"
	xhttp "github.com/trainu/outreach-gateway/pkg/http"
)

type ConflictService interface {
	ListConflicts(ctx context.Context, f repository.ConflictFilter) ([]*model.SyncConflict, int64, error)
	GetConflict(ctx context.Context, id string) (*model.SyncConflict, error)
	Resolve(ctx context.Context, id string, strategy model.ResolutionStrategy) (*model.SyncConflict, error)
}

type ConflictHandler struct {
	svc ConflictService
}

func RegisterConflictRoutes(e *router.Group, h *ConflictHandler) {
	e.GET("/conflicts", h.ListConflicts)
	e.GET("/conflicts/{id}", h.GetConflict)
	e.POST("/conflicts/{id}/resolve", h.ResolveConflict)
}

func NewConflictHandler(conflictService ConflictService) *ConflictHandler {
	return &ConflictHandler{
		svc: conflictService,
	}
}

type resolveConflictRequest struct {
	Strategy string `json:"strategy"`
}

type conflictListResponse struct {
	Items []*model.SyncConflict `json:"items"`
	Total int64                 `json:"total"`
}

func (h *ConflictHandler) ListConflicts(ctx *xhttp.RequestCtx) {
	var f repository.ConflictFilter

	if v := query(ctx, "entity_type"); v != "" {
		f.EntityType = &v
	}
	if v := query(ctx, "entity_id"); v != "" {
		f.EntityID = &v
	}
	if v := query(ctx, "resolved"); v != "" {
		if b, e := strconv.ParseBool(v); e == nil {
			f.Resolved = &b
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}

	items, total, err := h.svc.ListConflicts(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, conflictListResponse{Items: items, Total: total})
}

func (h *ConflictHandler) GetConflict(ctx *xhttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		writeError(ctx, 400, "invalid conflict id")
		return
	}
	conflict, err := h.svc.GetConflict(ctx, id)
	if err != nil {
		writeConflictError(ctx, err)
		return
	}
	writeJSON(ctx, 200, conflict)
}

func (h *ConflictHandler) ResolveConflict(ctx *xhttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if id == "" {
		writeError(ctx, 400, "invalid conflict id")
		return
	}
	var req resolveConflictRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	conflict, err := h.svc.Resolve(ctx, id, model.ResolutionStrategy(req.Strategy))
	if err != nil {
		writeConflictError(ctx, err)
		return
	}
	writeJSON(ctx, 200, conflict)
}

func writeConflictError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, crmsync.ErrConflictNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, model.ErrConflictResolved):
		writeError(ctx, 409, err.Error())
	default:
		writeError(ctx, 400, err.Error())
	}
}

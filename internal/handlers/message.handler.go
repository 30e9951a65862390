package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/services"
	xhttp "github.com/trainu/outreach-gateway/pkg/http"
)

type MessageService interface {
	Create(ctx context.Context, p model.MessageCreateRequest) (*model.Message, error)
	Get(ctx context.Context, id int64) (*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
	Approve(ctx context.Context, id int64) (*model.Message, error)
	Reject(ctx context.Context, id int64) (*model.Message, error)
	Cancel(ctx context.Context, id int64) (*model.Message, error)
	CancelAutoApproval(ctx context.Context, id int64) (*model.Message, error)
	BulkApprove(ctx context.Context, ids []int64, minConfidence float64) (*services.BulkApproveResult, error)
	GetSettings(ctx context.Context, ownerID int64) (model.TenantSettings, error)
	UpdateSettings(ctx context.Context, settings *model.TenantSettings) error
}

type MessageHandler struct {
	svc MessageService
}

func RegisterMessageRoutes(e *router.Group, h *MessageHandler) {
	e.POST("/messages", h.CreateMessage)
	e.GET("/messages", h.ListMessages)
	e.GET("/messages/{id}", h.GetMessage)
	e.POST("/messages/{id}/approve", h.ApproveMessage)
	e.POST("/messages/{id}/reject", h.RejectMessage)
	e.POST("/messages/{id}/cancel", h.CancelMessage)
	e.POST("/messages/{id}/cancel-auto-approval", h.CancelAutoApproval)
	e.POST("/messages/bulk-approve", h.BulkApprove)
	e.GET("/settings/{owner_id}", h.GetSettings)
	e.PUT("/settings/{owner_id}", h.UpdateSettings)
}

func NewMessageHandler(messageService MessageService) *MessageHandler {
	return &MessageHandler{
		svc: messageService,
	}
}

type createMessageRequest struct {
	OwnerID     int64    `json:"owner_id"`
	RecipientID string   `json:"recipient_id"`
	Channel     string   `json:"channel"`
	Content     string   `json:"content"`
	Confidence  float64  `json:"confidence"`
	Reasons     []string `json:"reasons"`
}

type bulkApproveRequest struct {
	IDs           []int64 `json:"ids"`
	MinConfidence float64 `json:"min_confidence"`
}

type listResponse struct {
	Items []*model.Message `json:"items"`
	Total int64            `json:"total"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *MessageHandler) CreateMessage(ctx *xhttp.RequestCtx) {
	var req createMessageRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	p := model.MessageCreateRequest{
		OwnerID:     req.OwnerID,
		RecipientID: req.RecipientID,
		Channel:     model.Channel(req.Channel),
		Content:     req.Content,
		Confidence:  req.Confidence,
		Reasons:     req.Reasons,
	}
	msg, err := h.svc.Create(ctx, p)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 201, msg)
}

func (h *MessageHandler) GetMessage(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid message id")
		return
	}
	msg, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, msg)
}

func (h *MessageHandler) ListMessages(ctx *xhttp.RequestCtx) {
	var f model.MessageFilter

	if v := query(ctx, "owner_id"); v != "" {
		if id, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.OwnerID = &id
		}
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.MessageStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
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
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, listResponse{Items: items, Total: total})
}

func (h *MessageHandler) ApproveMessage(ctx *xhttp.RequestCtx) {
	h.control(ctx, h.svc.Approve)
}

func (h *MessageHandler) RejectMessage(ctx *xhttp.RequestCtx) {
	h.control(ctx, h.svc.Reject)
}

func (h *MessageHandler) CancelMessage(ctx *xhttp.RequestCtx) {
	h.control(ctx, h.svc.Cancel)
}

func (h *MessageHandler) CancelAutoApproval(ctx *xhttp.RequestCtx) {
	h.control(ctx, h.svc.CancelAutoApproval)
}

// control is the shared shape of the four lifecycle actions: path id in,
// message out, conflict on completed lifecycles.
func (h *MessageHandler) control(ctx *xhttp.RequestCtx, action func(ctx context.Context, id int64) (*model.Message, error)) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid message id")
		return
	}
	msg, err := action(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, msg)
}

func (h *MessageHandler) BulkApprove(ctx *xhttp.RequestCtx) {
	var req bulkApproveRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(ctx, 400, "ids is required")
		return
	}
	result, err := h.svc.BulkApprove(ctx, req.IDs, req.MinConfidence)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, result)
}

func (h *MessageHandler) GetSettings(ctx *xhttp.RequestCtx) {
	ownerID, err := pathInt64(ctx, "owner_id")
	if err != nil {
		writeError(ctx, 400, "invalid owner id")
		return
	}
	settings, err := h.svc.GetSettings(ctx, ownerID)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, settings)
}

func (h *MessageHandler) UpdateSettings(ctx *xhttp.RequestCtx) {
	ownerID, err := pathInt64(ctx, "owner_id")
	if err != nil {
		writeError(ctx, 400, "invalid owner id")
		return
	}
	var settings model.TenantSettings
	if err := readJSON(ctx, &settings); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	settings.OwnerID = ownerID
	if err := h.svc.UpdateSettings(ctx, &settings); err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, settings)
}

/* --------------------------------- Helpers ----------------------------------- */

func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, services.ErrMessageCompleted):
		writeError(ctx, 409, err.Error())
	default:
		writeError(ctx, 400, err.Error())
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

package handlers

import (
	"context"
	"errors"

	"github.com/fasthttp/router"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/services"
	xhttp "github.com/trainu/outreach-gateway/pkg/http"
)

type ReceiptService interface {
	ApplyReceipt(ctx context.Context, r model.DeliveryReceipt) (*model.Message, error)
}

type SyncService interface {
	ApplyRemoteUpdate(ctx context.Context, event model.SyncEvent) (model.SyncOutcome, *model.SyncConflict, error)
}

// WebhookHandler terminates the two inbound callback surfaces: delivery
// receipts from the message provider and entity updates from the CRM.
type WebhookHandler struct {
	receipts ReceiptService
	sync     SyncService
}

func RegisterWebhookRoutes(e *router.Group, h *WebhookHandler) {
	e.POST("/webhooks/provider", h.ProviderReceipt)
	e.POST("/webhooks/crm", h.CRMEvent)
}

func NewWebhookHandler(receipts ReceiptService, sync SyncService) *WebhookHandler {
	return &WebhookHandler{
		receipts: receipts,
		sync:     sync,
	}
}

type syncEventResponse struct {
	Outcome  model.SyncOutcome   `json:"outcome"`
	Conflict *model.SyncConflict `json:"conflict,omitempty"`
}

func (h *WebhookHandler) ProviderReceipt(ctx *xhttp.RequestCtx) {
	var receipt model.DeliveryReceipt
	if err := readJSON(ctx, &receipt); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	msg, err := h.receipts.ApplyReceipt(ctx, receipt)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			// Receipt for a message we never sent. Acknowledge so the
			// provider stops retrying.
			writeJSON(ctx, 200, map[string]string{"status": "ignored"})
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, msg)
}

func (h *WebhookHandler) CRMEvent(ctx *xhttp.RequestCtx) {
	var event model.SyncEvent
	if err := readJSON(ctx, &event); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	outcome, conflict, err := h.sync.ApplyRemoteUpdate(ctx, event)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, syncEventResponse{Outcome: outcome, Conflict: conflict})
}

package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/trainu/outreach-gateway/internal/crmsync"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/repository"
	"github.com/trainu/outreach-gateway/internal/services"
)

type MockConflictService struct {
	mock.Mock
}

func (m *MockConflictService) ListConflicts(ctx context.Context, f repository.ConflictFilter) ([]*model.SyncConflict, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.SyncConflict), args.Get(1).(int64), args.Error(2)
}

func (m *MockConflictService) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncConflict), args.Error(1)
}

func (m *MockConflictService) Resolve(ctx context.Context, id string, strategy model.ResolutionStrategy) (*model.SyncConflict, error) {
	args := m.Called(ctx, id, strategy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncConflict), args.Error(1)
}

type MockReceiptService struct {
	mock.Mock
}

func (m *MockReceiptService) ApplyReceipt(ctx context.Context, r model.DeliveryReceipt) (*model.Message, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) ApplyRemoteUpdate(ctx context.Context, event model.SyncEvent) (model.SyncOutcome, *model.SyncConflict, error) {
	args := m.Called(ctx, event)
	if args.Get(1) == nil {
		return args.Get(0).(model.SyncOutcome), nil, args.Error(2)
	}
	return args.Get(0).(model.SyncOutcome), args.Get(1).(*model.SyncConflict), args.Error(2)
}

func TestConflictHandler_ListConflicts(t *testing.T) {
	t.Run("filters by resolved flag", func(t *testing.T) {
		svc := new(MockConflictService)
		handler := NewConflictHandler(svc)

		svc.On("ListConflicts", mock.Anything, mock.MatchedBy(func(f repository.ConflictFilter) bool {
			return f.Resolved != nil && *f.Resolved == false && f.Limit == 20
		})).Return([]*model.SyncConflict{{ID: "c-1"}}, int64(1), nil)

		ctx := setupTestContext("GET", "/conflicts?resolved=false&limit=20", nil)
		handler.ListConflicts(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response conflictListResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Equal(t, int64(1), response.Total)

		svc.AssertExpectations(t)
	})

	t.Run("filters by entity", func(t *testing.T) {
		svc := new(MockConflictService)
		handler := NewConflictHandler(svc)

		svc.On("ListConflicts", mock.Anything, mock.MatchedBy(func(f repository.ConflictFilter) bool {
			return f.EntityType != nil && *f.EntityType == "contact" &&
				f.EntityID != nil && *f.EntityID == "lead-42"
		})).Return([]*model.SyncConflict{}, int64(0), nil)

		ctx := setupTestContext("GET", "/conflicts?entity_type=contact&entity_id=lead-42", nil)
		handler.ListConflicts(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})
}

func TestConflictHandler_GetConflict(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		svc := new(MockConflictService)
		handler := NewConflictHandler(svc)

		svc.On("GetConflict", mock.Anything, "c-1").
			Return(&model.SyncConflict{ID: "c-1", Strategy: model.ResolutionManual}, nil)

		ctx := setupTestContext("GET", "/conflicts/c-1", nil)
		ctx.SetUserValue("id", "c-1")
		handler.GetConflict(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(MockConflictService)
		handler := NewConflictHandler(svc)

		svc.On("GetConflict", mock.Anything, "missing").Return(nil, crmsync.ErrConflictNotFound)

		ctx := setupTestContext("GET", "/conflicts/missing", nil)
		ctx.SetUserValue("id", "missing")
		handler.GetConflict(ctx)

		assert.Equal(t, 404, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})
}

func TestConflictHandler_ResolveConflict(t *testing.T) {
	t.Run("trainu wins", func(t *testing.T) {
		svc := new(MockConflictService)
		handler := NewConflictHandler(svc)

		bodyBytes, _ := json.Marshal(resolveConflictRequest{Strategy: "trainu_wins"})

		svc.On("Resolve", mock.Anything, "c-1", model.ResolutionTrainuWins).
			Return(&model.SyncConflict{ID: "c-1", Resolved: true, Strategy: model.ResolutionTrainuWins}, nil)

		ctx := setupTestContext("POST", "/conflicts/c-1/resolve", bodyBytes)
		ctx.SetUserValue("id", "c-1")
		handler.ResolveConflict(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response model.SyncConflict
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.True(t, response.Resolved)

		svc.AssertExpectations(t)
	})

	t.Run("invalid strategy", func(t *testing.T) {
		svc := new(MockConflictService)
		handler := NewConflictHandler(svc)

		bodyBytes, _ := json.Marshal(resolveConflictRequest{Strategy: "coin_flip"})

		svc.On("Resolve", mock.Anything, "c-1", model.ResolutionStrategy("coin_flip")).
			Return(nil, crmsync.ErrInvalidStrategy)

		ctx := setupTestContext("POST", "/conflicts/c-1/resolve", bodyBytes)
		ctx.SetUserValue("id", "c-1")
		handler.ResolveConflict(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})

	t.Run("already resolved", func(t *testing.T) {
		svc := new(MockConflictService)
		handler := NewConflictHandler(svc)

		bodyBytes, _ := json.Marshal(resolveConflictRequest{Strategy: "ghl_wins"})

		svc.On("Resolve", mock.Anything, "c-1", model.ResolutionGHLWins).
			Return(nil, model.ErrConflictResolved)

		ctx := setupTestContext("POST", "/conflicts/c-1/resolve", bodyBytes)
		ctx.SetUserValue("id", "c-1")
		handler.ResolveConflict(ctx)

		assert.Equal(t, 409, ctx.Response.StatusCode())
		svc.AssertExpectations(t)
	})
}

func TestWebhookHandler_ProviderReceipt(t *testing.T) {
	t.Run("delivered receipt advances message", func(t *testing.T) {
		receipts := new(MockReceiptService)
		sync := new(MockSyncService)
		handler := NewWebhookHandler(receipts, sync)

		bodyBytes, _ := json.Marshal(model.DeliveryReceipt{
			ProviderMessageID: "prov-1",
			Status:            "delivered",
			OccurredAt:        time.Now(),
		})

		receipts.On("ApplyReceipt", mock.Anything, mock.MatchedBy(func(r model.DeliveryReceipt) bool {
			return r.ProviderMessageID == "prov-1" && r.Status == "delivered"
		})).Return(&model.Message{ID: 42, Status: model.StatusDelivered}, nil)

		ctx := setupTestContext("POST", "/webhooks/provider", bodyBytes)
		handler.ProviderReceipt(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response model.Message
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Equal(t, model.StatusDelivered, response.Status)

		receipts.AssertExpectations(t)
	})

	t.Run("receipt for unknown message is acknowledged", func(t *testing.T) {
		receipts := new(MockReceiptService)
		sync := new(MockSyncService)
		handler := NewWebhookHandler(receipts, sync)

		bodyBytes, _ := json.Marshal(model.DeliveryReceipt{ProviderMessageID: "ghost", Status: "read"})

		receipts.On("ApplyReceipt", mock.Anything, mock.Anything).Return(nil, services.ErrNotFound)

		ctx := setupTestContext("POST", "/webhooks/provider", bodyBytes)
		handler.ProviderReceipt(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response map[string]string
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Equal(t, "ignored", response["status"])

		receipts.AssertExpectations(t)
	})

	t.Run("invalid receipt", func(t *testing.T) {
		receipts := new(MockReceiptService)
		sync := new(MockSyncService)
		handler := NewWebhookHandler(receipts, sync)

		ctx := setupTestContext("POST", "/webhooks/provider", []byte("not json"))
		handler.ProviderReceipt(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})
}

func TestWebhookHandler_CRMEvent(t *testing.T) {
	t.Run("applied event", func(t *testing.T) {
		receipts := new(MockReceiptService)
		sync := new(MockSyncService)
		handler := NewWebhookHandler(receipts, sync)

		bodyBytes, _ := json.Marshal(model.SyncEvent{
			EntityType:      "contact",
			EntityID:        "lead-42",
			RemoteSnapshot:  json.RawMessage(`{"name":"Alex"}`),
			RemoteUpdatedAt: time.Now(),
		})

		sync.On("ApplyRemoteUpdate", mock.Anything, mock.MatchedBy(func(e model.SyncEvent) bool {
			return e.EntityType == "contact" && e.EntityID == "lead-42"
		})).Return(model.SyncOutcomeApplied, nil, nil)

		ctx := setupTestContext("POST", "/webhooks/crm", bodyBytes)
		handler.CRMEvent(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response syncEventResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Equal(t, model.SyncOutcomeApplied, response.Outcome)
		assert.Nil(t, response.Conflict)

		sync.AssertExpectations(t)
	})

	t.Run("divergence reports the frozen conflict", func(t *testing.T) {
		receipts := new(MockReceiptService)
		sync := new(MockSyncService)
		handler := NewWebhookHandler(receipts, sync)

		bodyBytes, _ := json.Marshal(model.SyncEvent{
			EntityType:      "contact",
			EntityID:        "lead-42",
			RemoteUpdatedAt: time.Now(),
		})

		sync.On("ApplyRemoteUpdate", mock.Anything, mock.Anything).
			Return(model.SyncOutcomeConflict, &model.SyncConflict{ID: "c-9"}, nil)

		ctx := setupTestContext("POST", "/webhooks/crm", bodyBytes)
		handler.CRMEvent(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response syncEventResponse
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &response))
		assert.Equal(t, model.SyncOutcomeConflict, response.Outcome)
		require.NotNil(t, response.Conflict)
		assert.Equal(t, "c-9", response.Conflict.ID)

		sync.AssertExpectations(t)
	})

	t.Run("invalid event", func(t *testing.T) {
		receipts := new(MockReceiptService)
		sync := new(MockSyncService)
		handler := NewWebhookHandler(receipts, sync)

		bodyBytes, _ := json.Marshal(model.SyncEvent{EntityType: "contact"})

		sync.On("ApplyRemoteUpdate", mock.Anything, mock.Anything).
			Return(model.SyncOutcome(""), nil, assert.AnError)

		ctx := setupTestContext("POST", "/webhooks/crm", bodyBytes)
		handler.CRMEvent(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		sync.AssertExpectations(t)
	})
}

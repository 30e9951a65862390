package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/queue"
)

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) ListDueForAutoApproval(ctx context.Context, now time.Time, limit int) ([]*model.Message, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Message), args.Error(1)
}

func (m *MockMessageRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Message, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Message), args.Error(1)
}

func (m *MockMessageRepository) TransitionStatus(ctx context.Context, id int64, from, to model.MessageStatus, extra map[string]interface{}) (bool, error) {
	args := m.Called(ctx, id, from, to, extra)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) ClearAutoApproval(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) ClaimScheduled(ctx context.Context, id int64, now time.Time) (bool, error) {
	args := m.Called(ctx, id, now)
	return args.Bool(0), args.Error(1)
}

type MockSettingsRepository struct {
	mock.Mock
}

func (m *MockSettingsRepository) Get(ctx context.Context, ownerID int64) (model.TenantSettings, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).(model.TenantSettings), args.Error(1)
}

type MockDispatchQueue struct {
	mock.Mock
}

func (m *MockDispatchQueue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	args := m.Called(ctx, job)
	return args.String(0), args.Error(1)
}

func newTestScheduler(msgRepo *MockMessageRepository, settingsRepo *MockSettingsRepository, q *MockDispatchQueue) *Scheduler {
	s := New(msgRepo, settingsRepo, q, Config{TickInterval: 30 * time.Second, BatchSize: 100})
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func noParked(msgRepo *MockMessageRepository) {
	msgRepo.On("ListDueScheduled", mock.Anything, mock.Anything, mock.Anything).
		Return([]*model.Message{}, nil)
}

func TestScheduler_PromotesConfidentDraft(t *testing.T) {
	msgRepo := new(MockMessageRepository)
	settingsRepo := new(MockSettingsRepository)
	q := new(MockDispatchQueue)
	s := newTestScheduler(msgRepo, settingsRepo, q)
	ctx := context.Background()

	draft := &model.Message{ID: 1, OwnerID: 7, Channel: model.ChannelSMS, Status: model.StatusDraft, Confidence: 0.9}

	msgRepo.On("ListDueForAutoApproval", ctx, mock.Anything, 100).
		Return([]*model.Message{draft}, nil)
	settingsRepo.On("Get", ctx, int64(7)).Return(model.DefaultTenantSettings(7), nil)
	msgRepo.On("TransitionStatus", ctx, int64(1), model.StatusDraft, model.StatusQueued, mock.Anything).
		Return(true, nil)
	q.On("Enqueue", ctx, queue.Job{MessageID: 1, OwnerID: 7, Channel: "sms"}).
		Return("1-0", nil)
	noParked(msgRepo)

	s.Tick(ctx)

	msgRepo.AssertExpectations(t)
	q.AssertExpectations(t)
}

func TestScheduler_DisarmsLowConfidenceDraft(t *testing.T) {
	msgRepo := new(MockMessageRepository)
	settingsRepo := new(MockSettingsRepository)
	q := new(MockDispatchQueue)
	s := newTestScheduler(msgRepo, settingsRepo, q)
	ctx := context.Background()

	draft := &model.Message{ID: 2, OwnerID: 7, Status: model.StatusDraft, Confidence: 0.5}

	msgRepo.On("ListDueForAutoApproval", ctx, mock.Anything, 100).
		Return([]*model.Message{draft}, nil)
	settingsRepo.On("Get", ctx, int64(7)).Return(model.DefaultTenantSettings(7), nil)
	msgRepo.On("ClearAutoApproval", ctx, int64(2)).Return(true, nil)
	noParked(msgRepo)

	s.Tick(ctx)

	msgRepo.AssertExpectations(t)
	msgRepo.AssertNotCalled(t, "TransitionStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestScheduler_ThresholdReadAtEvaluationTime(t *testing.T) {
	msgRepo := new(MockMessageRepository)
	settingsRepo := new(MockSettingsRepository)
	q := new(MockDispatchQueue)
	s := newTestScheduler(msgRepo, settingsRepo, q)
	ctx := context.Background()

	// Confidence 0.85 clears the default 0.8 but not this owner's 0.9.
	draft := &model.Message{ID: 3, OwnerID: 8, Status: model.StatusDraft, Confidence: 0.85}
	strict := model.DefaultTenantSettings(8)
	strict.ConfidenceThreshold = 0.9

	msgRepo.On("ListDueForAutoApproval", ctx, mock.Anything, 100).
		Return([]*model.Message{draft}, nil)
	settingsRepo.On("Get", ctx, int64(8)).Return(strict, nil)
	msgRepo.On("ClearAutoApproval", ctx, int64(3)).Return(true, nil)
	noParked(msgRepo)

	s.Tick(ctx)

	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestScheduler_LostRaceSkipsEnqueue(t *testing.T) {
	msgRepo := new(MockMessageRepository)
	settingsRepo := new(MockSettingsRepository)
	q := new(MockDispatchQueue)
	s := newTestScheduler(msgRepo, settingsRepo, q)
	ctx := context.Background()

	draft := &model.Message{ID: 4, OwnerID: 7, Status: model.StatusDraft, Confidence: 0.9}

	msgRepo.On("ListDueForAutoApproval", ctx, mock.Anything, 100).
		Return([]*model.Message{draft}, nil)
	settingsRepo.On("Get", ctx, int64(7)).Return(model.DefaultTenantSettings(7), nil)
	// A manual approve or reject got there between the list and the swap.
	msgRepo.On("TransitionStatus", ctx, int64(4), model.StatusDraft, model.StatusQueued, mock.Anything).
		Return(false, nil)
	noParked(msgRepo)

	s.Tick(ctx)

	q.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestScheduler_ReleasesParkedMessages(t *testing.T) {
	msgRepo := new(MockMessageRepository)
	settingsRepo := new(MockSettingsRepository)
	q := new(MockDispatchQueue)
	s := newTestScheduler(msgRepo, settingsRepo, q)
	ctx := context.Background()

	msgRepo.On("ListDueForAutoApproval", ctx, mock.Anything, 100).
		Return([]*model.Message{}, nil)

	parkedA := &model.Message{ID: 5, OwnerID: 7, Channel: model.ChannelSMS, Status: model.StatusQueued}
	parkedB := &model.Message{ID: 6, OwnerID: 7, Channel: model.ChannelSMS, Status: model.StatusQueued}
	msgRepo.On("ListDueScheduled", ctx, mock.Anything, 100).
		Return([]*model.Message{parkedA, parkedB}, nil)

	// A sibling replica already claimed 6.
	msgRepo.On("ClaimScheduled", ctx, int64(5), mock.Anything).Return(true, nil)
	msgRepo.On("ClaimScheduled", ctx, int64(6), mock.Anything).Return(false, nil)
	q.On("Enqueue", ctx, queue.Job{MessageID: 5, OwnerID: 7, Channel: "sms"}).
		Return("1-0", nil)

	s.Tick(ctx)

	msgRepo.AssertExpectations(t)
	q.AssertExpectations(t)
	q.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	msgRepo := new(MockMessageRepository)
	settingsRepo := new(MockSettingsRepository)
	q := new(MockDispatchQueue)
	s := New(msgRepo, settingsRepo, q, Config{TickInterval: 10 * time.Millisecond})

	msgRepo.On("ListDueForAutoApproval", mock.Anything, mock.Anything, mock.Anything).
		Return([]*model.Message{}, nil)
	noParked(msgRepo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

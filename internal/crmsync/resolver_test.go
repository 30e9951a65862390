package crmsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/internal/repository"
)

type MockConflictRepository struct {
	mock.Mock
}

func (m *MockConflictRepository) Create(ctx context.Context, c *model.SyncConflict) (*model.SyncConflict, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncConflict), args.Error(1)
}

func (m *MockConflictRepository) GetByID(ctx context.Context, id string) (*model.SyncConflict, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncConflict), args.Error(1)
}

func (m *MockConflictRepository) List(ctx context.Context, f repository.ConflictFilter) ([]*model.SyncConflict, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.SyncConflict), args.Get(1).(int64), args.Error(2)
}

func (m *MockConflictRepository) HasPending(ctx context.Context, entityType, entityID string) (bool, error) {
	args := m.Called(ctx, entityType, entityID)
	return args.Bool(0), args.Error(1)
}

func (m *MockConflictRepository) MarkResolved(ctx context.Context, id string, strategy model.ResolutionStrategy) (bool, error) {
	args := m.Called(ctx, id, strategy)
	return args.Bool(0), args.Error(1)
}

func (m *MockConflictRepository) GetSyncState(ctx context.Context, entityType, entityID string) (*model.SyncState, error) {
	args := m.Called(ctx, entityType, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SyncState), args.Error(1)
}

func (m *MockConflictRepository) UpsertSyncState(ctx context.Context, s *model.SyncState) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockConflictRepository) TouchLocal(ctx context.Context, entityType, entityID string, at time.Time, snapshot []byte) error {
	args := m.Called(ctx, entityType, entityID, at, snapshot)
	return args.Error(0)
}

var (
	syncedAt = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	localAt  = time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	remoteAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

func cleanState() *model.SyncState {
	return &model.SyncState{
		EntityType:     "contact",
		EntityID:       "c-1",
		LastSyncedAt:   syncedAt,
		LocalUpdatedAt: syncedAt,
		LocalSnapshot:  json.RawMessage(`{"phone":"+491700000000"}`),
	}
}

func remoteEvent() model.SyncEvent {
	return model.SyncEvent{
		EntityType:      "contact",
		EntityID:        "c-1",
		RemoteSnapshot:  json.RawMessage(`{"phone":"+491709999999"}`),
		RemoteUpdatedAt: remoteAt,
	}
}

func TestResolver_StaleEventDiscarded(t *testing.T) {
	repo := new(MockConflictRepository)
	r := NewResolver(repo)
	ctx := context.Background()

	repo.On("HasPending", ctx, "contact", "c-1").Return(false, nil)
	repo.On("GetSyncState", ctx, "contact", "c-1").Return(cleanState(), nil)

	event := remoteEvent()
	event.RemoteUpdatedAt = syncedAt.Add(-time.Hour)

	outcome, conflict, err := r.ApplyRemoteUpdate(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, model.SyncOutcomeDiscarded, outcome)
	assert.Nil(t, conflict)

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "UpsertSyncState", mock.Anything, mock.Anything)
}

func TestResolver_EventAtSyncPointDiscarded(t *testing.T) {
	repo := new(MockConflictRepository)
	r := NewResolver(repo)
	ctx := context.Background()

	repo.On("HasPending", ctx, "contact", "c-1").Return(false, nil)
	repo.On("GetSyncState", ctx, "contact", "c-1").Return(cleanState(), nil)

	// Exactly at the sync point: a replayed webhook delivery.
	event := remoteEvent()
	event.RemoteUpdatedAt = syncedAt

	outcome, _, err := r.ApplyRemoteUpdate(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, model.SyncOutcomeDiscarded, outcome)
}

func TestResolver_RemoteOnlyChangeApplied(t *testing.T) {
	repo := new(MockConflictRepository)
	r := NewResolver(repo)
	ctx := context.Background()

	repo.On("HasPending", ctx, "contact", "c-1").Return(false, nil)
	repo.On("GetSyncState", ctx, "contact", "c-1").Return(cleanState(), nil)
	repo.On("UpsertSyncState", ctx, mock.MatchedBy(func(s *model.SyncState) bool {
		return s.LastSyncedAt.Equal(remoteAt) && string(s.LocalSnapshot) == `{"phone":"+491709999999"}`
	})).Return(nil)

	outcome, conflict, err := r.ApplyRemoteUpdate(ctx, remoteEvent())
	require.NoError(t, err)
	assert.Equal(t, model.SyncOutcomeApplied, outcome)
	assert.Nil(t, conflict)

	repo.AssertExpectations(t)
}

func TestResolver_FirstContactApplied(t *testing.T) {
	repo := new(MockConflictRepository)
	r := NewResolver(repo)
	ctx := context.Background()

	repo.On("HasPending", ctx, "contact", "c-1").Return(false, nil)
	repo.On("GetSyncState", ctx, "contact", "c-1").Return(nil, repository.ErrSyncStateNotFound)
	repo.On("UpsertSyncState", ctx, mock.Anything).Return(nil)

	outcome, _, err := r.ApplyRemoteUpdate(ctx, remoteEvent())
	require.NoError(t, err)
	assert.Equal(t, model.SyncOutcomeApplied, outcome)
}

func TestResolver_DivergenceFreezesEntity(t *testing.T) {
	repo := new(MockConflictRepository)
	r := NewResolver(repo)
	ctx := context.Background()

	state := cleanState()
	state.LocalUpdatedAt = localAt // local side moved after the sync point

	repo.On("HasPending", ctx, "contact", "c-1").Return(false, nil)
	repo.On("GetSyncState", ctx, "contact", "c-1").Return(state, nil)
	repo.On("Create", ctx, mock.MatchedBy(func(c *model.SyncConflict) bool {
		return c.EntityID == "c-1" &&
			c.Strategy == model.ResolutionManual &&
			!c.Resolved &&
			string(c.LocalSnapshot) == `{"phone":"+491700000000"}` &&
			string(c.RemoteSnapshot) == `{"phone":"+491709999999"}`
	})).Return(&model.SyncConflict{ID: "conf-1", Strategy: model.ResolutionManual}, nil)

	outcome, conflict, err := r.ApplyRemoteUpdate(ctx, remoteEvent())
	require.NoError(t, err)
	assert.Equal(t, model.SyncOutcomeConflict, outcome)
	require.NotNil(t, conflict)
	assert.Equal(t, "conf-1", conflict.ID)

	repo.AssertNotCalled(t, "UpsertSyncState", mock.Anything, mock.Anything)
}

func TestResolver_FrozenEntityRejectsFurtherEvents(t *testing.T) {
	repo := new(MockConflictRepository)
	r := NewResolver(repo)
	ctx := context.Background()

	pending := &model.SyncConflict{ID: "conf-1"}
	repo.On("HasPending", ctx, "contact", "c-1").Return(true, nil)
	repo.On("List", ctx, mock.Anything).Return([]*model.SyncConflict{pending}, int64(1), nil)

	outcome, conflict, err := r.ApplyRemoteUpdate(ctx, remoteEvent())
	require.NoError(t, err)
	assert.Equal(t, model.SyncOutcomeConflict, outcome)
	assert.Equal(t, "conf-1", conflict.ID)

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "GetSyncState", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("ghl wins accepts remote snapshot", func(t *testing.T) {
		repo := new(MockConflictRepository)
		r := NewResolver(repo)
		r.now = func() time.Time { return remoteAt }

		open := &model.SyncConflict{
			ID:             "conf-1",
			EntityType:     "contact",
			EntityID:       "c-1",
			LocalSnapshot:  json.RawMessage(`{"phone":"local"}`),
			RemoteSnapshot: json.RawMessage(`{"phone":"remote"}`),
		}
		settled := &model.SyncConflict{ID: "conf-1", Resolved: true, Strategy: model.ResolutionGHLWins}

		repo.On("GetByID", ctx, "conf-1").Return(open, nil).Once()
		repo.On("MarkResolved", ctx, "conf-1", model.ResolutionGHLWins).Return(true, nil)
		repo.On("UpsertSyncState", ctx, mock.MatchedBy(func(s *model.SyncState) bool {
			return string(s.LocalSnapshot) == `{"phone":"remote"}` && s.LastSyncedAt.Equal(remoteAt)
		})).Return(nil)
		repo.On("GetByID", ctx, "conf-1").Return(settled, nil)

		got, err := r.Resolve(ctx, "conf-1", model.ResolutionGHLWins)
		require.NoError(t, err)
		assert.True(t, got.Resolved)

		repo.AssertExpectations(t)
	})

	t.Run("trainu wins keeps local snapshot", func(t *testing.T) {
		repo := new(MockConflictRepository)
		r := NewResolver(repo)
		r.now = func() time.Time { return remoteAt }

		open := &model.SyncConflict{
			ID:             "conf-2",
			EntityType:     "contact",
			EntityID:       "c-1",
			LocalSnapshot:  json.RawMessage(`{"phone":"local"}`),
			RemoteSnapshot: json.RawMessage(`{"phone":"remote"}`),
		}

		repo.On("GetByID", ctx, "conf-2").Return(open, nil).Once()
		repo.On("MarkResolved", ctx, "conf-2", model.ResolutionTrainuWins).Return(true, nil)
		repo.On("UpsertSyncState", ctx, mock.MatchedBy(func(s *model.SyncState) bool {
			return string(s.LocalSnapshot) == `{"phone":"local"}`
		})).Return(nil)
		repo.On("GetByID", ctx, "conf-2").Return(&model.SyncConflict{ID: "conf-2", Resolved: true}, nil)

		_, err := r.Resolve(ctx, "conf-2", model.ResolutionTrainuWins)
		require.NoError(t, err)

		repo.AssertExpectations(t)
	})

	t.Run("manual is not a resolution", func(t *testing.T) {
		r := NewResolver(new(MockConflictRepository))
		_, err := r.Resolve(ctx, "conf-1", model.ResolutionManual)
		assert.ErrorIs(t, err, ErrInvalidStrategy)
	})

	t.Run("second resolution rejected", func(t *testing.T) {
		repo := new(MockConflictRepository)
		r := NewResolver(repo)

		repo.On("GetByID", ctx, "conf-1").
			Return(&model.SyncConflict{ID: "conf-1", Resolved: true, Strategy: model.ResolutionGHLWins}, nil)

		_, err := r.Resolve(ctx, "conf-1", model.ResolutionTrainuWins)
		assert.ErrorIs(t, err, model.ErrConflictResolved)

		repo.AssertNotCalled(t, "MarkResolved", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("lost resolution race rejected", func(t *testing.T) {
		repo := new(MockConflictRepository)
		r := NewResolver(repo)

		repo.On("GetByID", ctx, "conf-1").
			Return(&model.SyncConflict{ID: "conf-1"}, nil)
		repo.On("MarkResolved", ctx, "conf-1", model.ResolutionGHLWins).Return(false, nil)

		_, err := r.Resolve(ctx, "conf-1", model.ResolutionGHLWins)
		assert.ErrorIs(t, err, model.ErrConflictResolved)
	})
}

func TestResolver_RecordLocalEdit(t *testing.T) {
	repo := new(MockConflictRepository)
	r := NewResolver(repo)
	r.now = func() time.Time { return localAt }
	ctx := context.Background()

	snapshot := json.RawMessage(`{"phone":"edited"}`)
	repo.On("TouchLocal", ctx, "contact", "c-1", localAt, []byte(snapshot)).Return(nil)

	require.NoError(t, r.RecordLocalEdit(ctx, "contact", "c-1", snapshot))
	repo.AssertExpectations(t)
}

package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trainu/outreach-gateway/internal/model"
)

func newConflict(t *testing.T, repo *ConflictRepository, entityID string) *model.SyncConflict {
	t.Helper()
	c, err := repo.Create(context.Background(), &model.SyncConflict{
		ID:             uuid.NewString(),
		EntityType:     "contact",
		EntityID:       entityID,
		LocalSnapshot:  json.RawMessage(`{"phone":"+491701111111"}`),
		RemoteSnapshot: json.RawMessage(`{"phone":"+491702222222"}`),
		Strategy:       model.ResolutionManual,
	})
	require.NoError(t, err)
	return c
}

func TestConflictRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConflictRepository(db.DB)
	ctx := context.Background()

	c := newConflict(t, repo, "contact-1")

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "contact", got.EntityType)
	assert.Equal(t, model.ResolutionManual, got.Strategy)
	assert.False(t, got.Resolved)
	assert.JSONEq(t, `{"phone":"+491702222222"}`, string(got.RemoteSnapshot))

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrConflictNotFound)
}

func TestConflictRepository_MarkResolvedOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConflictRepository(db.DB)
	ctx := context.Background()

	c := newConflict(t, repo, "contact-2")

	resolved, err := repo.MarkResolved(ctx, c.ID, model.ResolutionTrainuWins)
	require.NoError(t, err)
	assert.True(t, resolved)

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, model.ResolutionTrainuWins, got.Strategy)

	// The record is frozen: a second resolution cannot overwrite it.
	resolved, err = repo.MarkResolved(ctx, c.ID, model.ResolutionGHLWins)
	require.NoError(t, err)
	assert.False(t, resolved)

	got, err = repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionTrainuWins, got.Strategy)
}

func TestConflictRepository_HasPending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConflictRepository(db.DB)
	ctx := context.Background()

	pending, err := repo.HasPending(ctx, "contact", "contact-3")
	require.NoError(t, err)
	assert.False(t, pending)

	c := newConflict(t, repo, "contact-3")

	pending, err = repo.HasPending(ctx, "contact", "contact-3")
	require.NoError(t, err)
	assert.True(t, pending)

	_, err = repo.MarkResolved(ctx, c.ID, model.ResolutionGHLWins)
	require.NoError(t, err)

	pending, err = repo.HasPending(ctx, "contact", "contact-3")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestConflictRepository_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConflictRepository(db.DB)
	ctx := context.Background()

	a := newConflict(t, repo, "contact-4")
	newConflict(t, repo, "contact-5")
	_, err := repo.MarkResolved(ctx, a.ID, model.ResolutionGHLWins)
	require.NoError(t, err)

	unresolved := false
	conflicts, total, err := repo.List(ctx, ConflictFilter{Resolved: &unresolved})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "contact-5", conflicts[0].EntityID)

	conflicts, total, err = repo.List(ctx, ConflictFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, conflicts, 2)
}

func TestConflictRepository_SyncState(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConflictRepository(db.DB)
	ctx := context.Background()

	_, err := repo.GetSyncState(ctx, "contact", "contact-6")
	assert.ErrorIs(t, err, ErrSyncStateNotFound)

	syncedAt := time.Now().UTC().Truncate(time.Second)
	err = repo.UpsertSyncState(ctx, &model.SyncState{
		EntityType:     "contact",
		EntityID:       "contact-6",
		LastSyncedAt:   syncedAt,
		LocalUpdatedAt: syncedAt,
		LocalSnapshot:  json.RawMessage(`{"phone":"+491700000000"}`),
	})
	require.NoError(t, err)

	s, err := repo.GetSyncState(ctx, "contact", "contact-6")
	require.NoError(t, err)
	assert.Equal(t, syncedAt.Unix(), s.LastSyncedAt.Unix())

	// A local edit moves local_updated_at past the sync point.
	editedAt := syncedAt.Add(time.Minute)
	err = repo.TouchLocal(ctx, "contact", "contact-6", editedAt, json.RawMessage(`{"phone":"+491709999999"}`))
	require.NoError(t, err)

	s, err = repo.GetSyncState(ctx, "contact", "contact-6")
	require.NoError(t, err)
	assert.Equal(t, editedAt.Unix(), s.LocalUpdatedAt.Unix())
	assert.Equal(t, syncedAt.Unix(), s.LastSyncedAt.Unix())
	assert.JSONEq(t, `{"phone":"+491709999999"}`, string(s.LocalSnapshot))
}

package model

import (
	"errors"
	"fmt"
	"time"

	"encoding/json"
)

var (
	// ErrConflictResolved is returned when mutating a conflict that has
	// already been resolved. Resolved records are an immutable audit trail.
	ErrConflictResolved = errors.New("conflict already resolved")
)

// ResolutionStrategy decides which side of a divergence wins.
type ResolutionStrategy string

const (
	// ResolutionTrainuWins pushes the local state outward and discards the
	// remote update.
	ResolutionTrainuWins ResolutionStrategy = "trainu_wins"
	// ResolutionGHLWins accepts the remote snapshot and discards local edits.
	ResolutionGHLWins ResolutionStrategy = "ghl_wins"
	// ResolutionManual freezes the entity until an operator decides.
	ResolutionManual ResolutionStrategy = "manual"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionTrainuWins, ResolutionGHLWins, ResolutionManual:
		return true
	}
	return false
}

// SyncConflict records a detected divergence between the local store and the
// external CRM for one logical entity. Created by the resolver, mutated once
// by a resolution action, then frozen.
type SyncConflict struct {
	ID              string             `json:"id"                gorm:"primaryKey;column:id;type:uuid"`
	EntityType      string             `json:"entity_type"       gorm:"column:entity_type;not null;index:idx_conflict_entity"`
	EntityID        string             `json:"entity_id"         gorm:"column:entity_id;not null;index:idx_conflict_entity"`
	LocalSnapshot   json.RawMessage    `json:"local_snapshot"    gorm:"column:local_snapshot"`
	RemoteSnapshot  json.RawMessage    `json:"remote_snapshot"   gorm:"column:remote_snapshot"`
	LocalUpdatedAt  time.Time          `json:"local_updated_at"  gorm:"column:local_updated_at"`
	RemoteUpdatedAt time.Time          `json:"remote_updated_at" gorm:"column:remote_updated_at"`
	Strategy        ResolutionStrategy `json:"resolution_strategy" gorm:"column:resolution_strategy;not null;default:manual"`
	Resolved        bool               `json:"resolved"          gorm:"column:resolved;not null;default:false;index"`
	CreatedAt       time.Time          `json:"created_at"        gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time          `json:"updated_at"        gorm:"column:updated_at;autoUpdateTime"`
}

func (SyncConflict) TableName() string { return "sync_conflicts" }

// SyncState tracks, per logical entity, the last confirmed sync point with
// the CRM and the last local mutation. The resolver compares inbound events
// against both to classify them.
type SyncState struct {
	EntityType     string          `json:"entity_type"      gorm:"primaryKey;column:entity_type"`
	EntityID       string          `json:"entity_id"        gorm:"primaryKey;column:entity_id"`
	LastSyncedAt   time.Time       `json:"last_synced_at"   gorm:"column:last_synced_at"`
	LocalUpdatedAt time.Time       `json:"local_updated_at" gorm:"column:local_updated_at"`
	LocalSnapshot  json.RawMessage `json:"local_snapshot"   gorm:"column:local_snapshot"`
	UpdatedAt      time.Time       `json:"updated_at"       gorm:"column:updated_at;autoUpdateTime"`
}

func (SyncState) TableName() string { return "sync_states" }

// SyncEvent is an inbound CRM update.
type SyncEvent struct {
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	RemoteSnapshot  json.RawMessage `json:"remote_snapshot"`
	RemoteUpdatedAt time.Time       `json:"remote_updated_at"`
}

func (e SyncEvent) Validate() error {
	if e.EntityType == "" {
		return errors.New("entity_type is required")
	}
	if e.EntityID == "" {
		return errors.New("entity_id is required")
	}
	if e.RemoteUpdatedAt.IsZero() {
		return fmt.Errorf("remote_updated_at is required")
	}
	return nil
}

// SyncOutcome classifies what the resolver did with an inbound event.
type SyncOutcome string

const (
	SyncOutcomeDiscarded SyncOutcome = "discarded" // stale event, no conflict
	SyncOutcomeApplied   SyncOutcome = "applied"   // remote accepted, sync point advanced
	SyncOutcomeConflict  SyncOutcome = "conflict"  // divergence frozen for resolution
)

package model

import "time"

const (
	DefaultAutoApprovalDelay   = 10 * time.Minute
	DefaultConfidenceThreshold = 0.8
	DefaultQuietStartHour      = 21
	DefaultQuietEndHour        = 8
	DefaultTimezone            = "UTC"
)

// TenantSettings holds the per-owner knobs the pipeline reads at evaluation
// time: approval timing, confidence gating and the quiet-hours window of the
// owner's recipients.
type TenantSettings struct {
	OwnerID             int64         `json:"owner_id"             gorm:"primaryKey;column:owner_id"`
	AutoApprovalDelay   time.Duration `json:"auto_approval_delay"  gorm:"column:auto_approval_delay"`
	ConfidenceThreshold float64       `json:"confidence_threshold" gorm:"column:confidence_threshold"`
	QuietStartHour      int           `json:"quiet_start_hour"     gorm:"column:quiet_start_hour"`
	QuietEndHour        int           `json:"quiet_end_hour"       gorm:"column:quiet_end_hour"`
	Timezone            string        `json:"timezone"             gorm:"column:timezone"`
	UpdatedAt           time.Time     `json:"updated_at"           gorm:"column:updated_at;autoUpdateTime"`
}

func (TenantSettings) TableName() string { return "tenant_settings" }

// DefaultTenantSettings is what an owner gets before configuring anything.
func DefaultTenantSettings(ownerID int64) TenantSettings {
	return TenantSettings{
		OwnerID:             ownerID,
		AutoApprovalDelay:   DefaultAutoApprovalDelay,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		QuietStartHour:      DefaultQuietStartHour,
		QuietEndHour:        DefaultQuietEndHour,
		Timezone:            DefaultTimezone,
	}
}

// Location resolves the configured timezone, falling back to UTC when the
// name does not load.
func (s TenantSettings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

package models

import "time"

type EventType string

const (
	EventThrottle        EventType = "throttle"
	EventQuotaExceeded   EventType = "quota_exceeded"
	EventQuotaWarning    EventType = "quota_warning"
	EventBlockHit        EventType = "block_hit"
	EventOverrideChanged EventType = "override_changed"
	EventBlockChanged    EventType = "block_changed"
)

// An audit record of a notable decision or configuration change.
type Event struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	Type         EventType         `gorm:"index;not null" json:"type"`
	TenantID     string            `gorm:"index" json:"tenant_id,omitempty"`
	APIKeyID     string            `gorm:"index" json:"api_key_id,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	IP           string            `json:"ip,omitempty"`
	Region       string            `json:"region,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Amount       int64             `json:"amount"`
	DailyUsage   int64             `json:"daily_usage"`
	MonthlyUsage int64             `json:"monthly_usage"`
	Metadata     map[string]string `gorm:"serializer:json" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
}

func (Event) TableName() string {
	return "limit_events"
}

// Hourly rollup of events for dashboards and billing.
type UsageAggregate struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Hour      time.Time `gorm:"uniqueIndex:idx_usage_dims;not null" json:"hour"`
	TenantID  string    `gorm:"uniqueIndex:idx_usage_dims;not null;default:''" json:"tenant_id"`
	APIKeyID  string    `gorm:"uniqueIndex:idx_usage_dims;not null;default:''" json:"api_key_id"`
	Endpoint  string    `gorm:"uniqueIndex:idx_usage_dims;not null;default:''" json:"endpoint"`
	Region    string    `gorm:"uniqueIndex:idx_usage_dims;not null;default:''" json:"region"`
	EventType EventType `gorm:"uniqueIndex:idx_usage_dims;not null" json:"event_type"`
	Count     int64     `gorm:"not null" json:"count"`
	Amount    int64     `gorm:"not null" json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UsageAggregate) TableName() string {
	return "usage_aggregates"
}

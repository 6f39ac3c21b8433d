package models

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// A time-bounded partial configuration bound to one target.
// Overrides are deactivated, never deleted.
type Override struct {
	ID         uuid.UUID            `gorm:"type:uuid;primary_key" json:"id"`
	TargetType ratelimit.TargetType `gorm:"index:idx_override_target;not null" json:"target_type"`
	TargetID   string               `gorm:"index:idx_override_target;not null" json:"target_id"`
	Patch      ratelimit.Patch      `gorm:"serializer:json;not null" json:"patch"`
	StartsAt   *time.Time           `json:"starts_at,omitempty"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	IsActive   bool                 `gorm:"index;default:true" json:"is_active"`
	Reason     string               `json:"reason,omitempty"`
	CreatedBy  string               `json:"created_by,omitempty"`
	CreatedAt  time.Time            `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

func (o *Override) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

func (Override) TableName() string {
	return "overrides"
}

// Whether the override applies at the given instant.
func (o *Override) ActiveAt(now time.Time) bool {
	if !o.IsActive {
		return false
	}
	if o.StartsAt != nil && now.Before(*o.StartsAt) {
		return false
	}
	if o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
		return false
	}
	return true
}

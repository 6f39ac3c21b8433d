package models

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// A named commercial tier.
type Plan struct {
	ID            uuid.UUID                  `gorm:"type:uuid;primary_key" json:"id"`
	Name          string                     `gorm:"uniqueIndex;not null" json:"name"`
	RatePerSecond float64                    `gorm:"not null" json:"rate_per_second"`
	BurstCapacity int64                      `gorm:"not null" json:"burst_capacity"`
	DailyQuota    int64                      `gorm:"not null;default:0" json:"daily_quota"`
	MonthlyQuota  int64                      `gorm:"not null;default:0" json:"monthly_quota"`
	Endpoints     map[string]ratelimit.Patch `gorm:"serializer:json" json:"endpoints,omitempty"`
	IsActive      bool                       `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

func (p *Plan) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (Plan) TableName() string {
	return "plans"
}

func (p *Plan) Limits() ratelimit.LimitConfig {
	return ratelimit.LimitConfig{
		RatePerSecond: p.RatePerSecond,
		BurstCapacity: p.BurstCapacity,
		DailyQuota:    p.DailyQuota,
		MonthlyQuota:  p.MonthlyQuota,
	}
}

// Maps a tenant onto exactly one plan.
type Tenant struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	PlanID    uuid.UUID `gorm:"type:uuid;index;not null" json:"plan_id"`
	Plan      *Plan     `gorm:"foreignKey:PlanID" json:"plan,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Tenant) TableName() string {
	return "tenants"
}

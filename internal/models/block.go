package models

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BlockReason string

const (
	BlockManual           BlockReason = "manual"
	BlockFraudDetected    BlockReason = "fraud_detected"
	BlockAbuseDetected    BlockReason = "abuse_detected"
	BlockQuotaExceeded    BlockReason = "quota_exceeded"
	BlockSecurityIncident BlockReason = "security_incident"
	BlockPaymentFailed    BlockReason = "payment_failed"
	BlockPolicyViolation  BlockReason = "policy_violation"
	BlockOther            BlockReason = "other"
)

var blockReasons = map[BlockReason]struct{}{
	BlockManual:           {},
	BlockFraudDetected:    {},
	BlockAbuseDetected:    {},
	BlockQuotaExceeded:    {},
	BlockSecurityIncident: {},
	BlockPaymentFailed:    {},
	BlockPolicyViolation:  {},
	BlockOther:            {},
}

func (r BlockReason) Valid() bool {
	_, ok := blockReasons[r]
	return ok
}

// A denial record. While active and unexpired it overrides every limit.
type Block struct {
	ID         uuid.UUID            `gorm:"type:uuid;primary_key" json:"id"`
	TargetType ratelimit.TargetType `gorm:"index:idx_block_target;not null" json:"target_type"`
	TargetID   string               `gorm:"index:idx_block_target;not null" json:"target_id"`
	Reason     BlockReason          `gorm:"not null" json:"reason"`
	Note       string               `json:"note,omitempty"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	AutoRemove bool                 `gorm:"default:false" json:"auto_remove"`
	IsActive   bool                 `gorm:"index;default:true" json:"is_active"`
	CreatedBy  string               `json:"created_by,omitempty"`
	CreatedAt  time.Time            `gorm:"index" json:"created_at"`
	RemovedAt  *time.Time           `json:"removed_at,omitempty"`
}

func (b *Block) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

func (Block) TableName() string {
	return "blocks"
}

func (b *Block) ActiveAt(now time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

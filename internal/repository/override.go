package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"gorm.io/gorm"
)

type OverrideRepository struct {
	db *storage.Database
}

func NewOverrideRepository(db *storage.Database) *OverrideRepository {
	return &OverrideRepository{db: db}
}

func (r *OverrideRepository) Create(ctx context.Context, o *models.Override) error {
	return r.db.DB.WithContext(ctx).Create(o).Error
}

func (r *OverrideRepository) FindByID(ctx context.Context, id string) (*models.Override, error) {
	var o models.Override
	err := r.db.DB.WithContext(ctx).Where("id = ?", id).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Lists overrides, optionally narrowed to one target
func (r *OverrideRepository) List(ctx context.Context, targetType ratelimit.TargetType, targetID string, activeOnly bool) ([]models.Override, error) {
	q := r.db.DB.WithContext(ctx).Order("created_at DESC")
	if targetType != "" {
		q = q.Where("target_type = ?", targetType)
	}
	if targetID != "" {
		q = q.Where("target_id = ?", targetID)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}

	var overrides []models.Override
	err := q.Find(&overrides).Error
	return overrides, err
}

// Logical deletion; the row stays for audit
func (r *OverrideRepository) Deactivate(ctx context.Context, id string) (bool, error) {
	result := r.db.DB.WithContext(ctx).
		Model(&models.Override{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	return result.RowsAffected > 0, result.Error
}

// The most recent active override of a target whose window contains now.
// Rows whose window has elapsed are excluded even if still flagged active.
func (r *OverrideRepository) ActiveFor(ctx context.Context, targetType ratelimit.TargetType, targetID string, now time.Time) (*models.Override, error) {
	now = now.UTC()

	var o models.Override
	err := r.db.DB.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND is_active = ?", targetType, targetID, true).
		Where("(starts_at IS NULL OR starts_at <= ?)", now).
		Where("(expires_at IS NULL OR expires_at > ?)", now).
		Order("created_at DESC").
		First(&o).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

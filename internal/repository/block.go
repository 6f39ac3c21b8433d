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

type BlockRepository struct {
	db *storage.Database
}

func NewBlockRepository(db *storage.Database) *BlockRepository {
	return &BlockRepository{db: db}
}

func (r *BlockRepository) Create(ctx context.Context, b *models.Block) error {
	return r.db.DB.WithContext(ctx).Create(b).Error
}

func (r *BlockRepository) FindByID(ctx context.Context, id string) (*models.Block, error) {
	var b models.Block
	err := r.db.DB.WithContext(ctx).Where("id = ?", id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BlockRepository) List(ctx context.Context, targetType ratelimit.TargetType, targetID string, activeOnly bool) ([]models.Block, error) {
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

	var blocks []models.Block
	err := q.Find(&blocks).Error
	return blocks, err
}

// Marks a block removed; the row stays for audit
func (r *BlockRepository) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.DB.WithContext(ctx).
		Model(&models.Block{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"removed_at": at.UTC(),
		})
	return result.RowsAffected > 0, result.Error
}

// The most recent active, unexpired block of a target.
func (r *BlockRepository) ActiveFor(ctx context.Context, targetType ratelimit.TargetType, targetID string, now time.Time) (*models.Block, error) {
	var b models.Block
	err := r.db.DB.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND is_active = ?", targetType, targetID, true).
		Where("(expires_at IS NULL OR expires_at > ?)", now.UTC()).
		Order("created_at DESC").
		First(&b).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Flips auto_remove blocks whose expiry has passed and returns them.
func (r *BlockRepository) DeactivateExpired(ctx context.Context, now time.Time) ([]models.Block, error) {
	now = now.UTC()
	var expired []models.Block

	err := r.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.
			Where("is_active = ? AND auto_remove = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, true, now).
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]string, 0, len(expired))
		for _, b := range expired {
			ids = append(ids, b.ID.String())
		}

		return tx.Model(&models.Block{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"is_active":  false,
				"removed_at": now,
			}).Error
	})

	return expired, err
}

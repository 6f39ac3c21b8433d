package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"gorm.io/gorm"
)

type OperatorRepository struct {
	db *storage.Database
}

func NewOperatorRepository(db *storage.Database) *OperatorRepository {
	return &OperatorRepository{db: db}
}

func (r *OperatorRepository) Create(ctx context.Context, op *models.Operator) error {
	return r.db.DB.WithContext(ctx).Create(op).Error
}

// Returns (nil, nil) for an unknown email
func (r *OperatorRepository) FindByEmail(ctx context.Context, email string) (*models.Operator, error) {
	var op models.Operator
	err := r.db.DB.WithContext(ctx).
		Where("email = ?", email).
		First(&op).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &op, nil
}

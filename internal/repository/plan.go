package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"gorm.io/gorm"
)

type PlanRepository struct {
	db *storage.Database
}

func NewPlanRepository(db *storage.Database) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) Create(ctx context.Context, plan *models.Plan) error {
	return r.db.DB.WithContext(ctx).Create(plan).Error
}

// Saves every column, including zeroed quotas
func (r *PlanRepository) Save(ctx context.Context, plan *models.Plan) error {
	return r.db.DB.WithContext(ctx).Save(plan).Error
}

func (r *PlanRepository) FindByID(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.DB.WithContext(ctx).Where("id = ?", id).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *PlanRepository) List(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.DB.WithContext(ctx).Order("name ASC").Find(&plans).Error
	return plans, err
}

// The active plan assigned to a tenant, (nil, nil) when there is none.
func (r *PlanRepository) ForTenant(ctx context.Context, tenantID string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.DB.WithContext(ctx).
		Joins("JOIN tenants ON tenants.plan_id = plans.id").
		Where("tenants.id = ? AND plans.is_active = ?", tenantID, true).
		First(&plan).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

type TenantRepository struct {
	db *storage.Database
}

func NewTenantRepository(db *storage.Database) *TenantRepository {
	return &TenantRepository{db: db}
}

// Creates the tenant or moves it to another plan
func (r *TenantRepository) Save(ctx context.Context, tenant *models.Tenant) error {
	return r.db.DB.WithContext(ctx).Save(tenant).Error
}

func (r *TenantRepository) FindByID(ctx context.Context, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := r.db.DB.WithContext(ctx).Preload("Plan").Where("id = ?", id).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (r *TenantRepository) List(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	err := r.db.DB.WithContext(ctx).Order("id ASC").Find(&tenants).Error
	return tenants, err
}

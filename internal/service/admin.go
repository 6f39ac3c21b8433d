package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Drops cached lookups after the underlying records change.
type Invalidator interface {
	Invalidate()
}

type EventRecorder interface {
	Record(e models.Event)
}

type AdminRepositories struct {
	Plans      *repository.PlanRepository
	Tenants    *repository.TenantRepository
	Overrides  *repository.OverrideRepository
	Blocks     *repository.BlockRepository
	Aggregates *repository.AggregateRepository
}

// AdminService validates and applies changes to plans, tenants, overrides
// and blocks. Every accepted change invalidates the matching cache so the
// next decision sees it.
type AdminService struct {
	repos    AdminRepositories
	configs  Invalidator
	blocks   Invalidator
	recorder EventRecorder
	now      func() time.Time
	logger   zerolog.Logger
}

func NewAdminService(repos AdminRepositories, configs, blocks Invalidator, recorder EventRecorder, logger zerolog.Logger) *AdminService {
	return &AdminService{
		repos:    repos,
		configs:  configs,
		blocks:   blocks,
		recorder: recorder,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *AdminService) SetClock(now func() time.Time) {
	s.now = now
}

type PlanInput struct {
	Name          string                     `json:"name"`
	RatePerSecond float64                    `json:"rate_per_second"`
	BurstCapacity int64                      `json:"burst_capacity"`
	DailyQuota    int64                      `json:"daily_quota"`
	MonthlyQuota  int64                      `json:"monthly_quota"`
	Endpoints     map[string]ratelimit.Patch `json:"endpoints"`
	IsActive      *bool                      `json:"is_active"`
}

func (in PlanInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if err := validateLimits(ratelimit.LimitConfig{
		RatePerSecond: in.RatePerSecond,
		BurstCapacity: in.BurstCapacity,
		DailyQuota:    in.DailyQuota,
		MonthlyQuota:  in.MonthlyQuota,
	}); err != nil {
		return err
	}
	for endpoint, patch := range in.Endpoints {
		if endpoint == "" {
			return fmt.Errorf("%w: endpoint key must not be empty", ErrValidation)
		}
		if err := validatePatch(patch); err != nil {
			return fmt.Errorf("endpoint %s: %w", endpoint, err)
		}
	}
	return nil
}

func validateLimits(c ratelimit.LimitConfig) error {
	if c.RatePerSecond <= 0 {
		return fmt.Errorf("%w: rate_per_second must be positive", ErrValidation)
	}
	if c.BurstCapacity < 1 {
		return fmt.Errorf("%w: burst_capacity must be at least 1", ErrValidation)
	}
	if c.DailyQuota < 0 || c.MonthlyQuota < 0 {
		return fmt.Errorf("%w: quotas must not be negative", ErrValidation)
	}
	return nil
}

func validatePatch(p ratelimit.Patch) error {
	if p.IsEmpty() {
		return fmt.Errorf("%w: patch sets no field", ErrValidation)
	}
	if p.RatePerSecond != nil && *p.RatePerSecond <= 0 {
		return fmt.Errorf("%w: rate_per_second must be positive", ErrValidation)
	}
	if p.BurstCapacity != nil && *p.BurstCapacity < 1 {
		return fmt.Errorf("%w: burst_capacity must be at least 1", ErrValidation)
	}
	if (p.DailyQuota != nil && *p.DailyQuota < 0) || (p.MonthlyQuota != nil && *p.MonthlyQuota < 0) {
		return fmt.Errorf("%w: quotas must not be negative", ErrValidation)
	}
	return nil
}

func parseID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", ErrValidation, id)
	}
	return parsed, nil
}

func (s *AdminService) CreatePlan(ctx context.Context, in PlanInput) (*models.Plan, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	plan := &models.Plan{
		Name:          strings.TrimSpace(in.Name),
		RatePerSecond: in.RatePerSecond,
		BurstCapacity: in.BurstCapacity,
		DailyQuota:    in.DailyQuota,
		MonthlyQuota:  in.MonthlyQuota,
		Endpoints:     in.Endpoints,
		IsActive:      true,
	}
	if err := s.repos.Plans.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	s.logger.Info().Str("plan", plan.Name).Msg("plan created")
	return plan, nil
}

func (s *AdminService) UpdatePlan(ctx context.Context, id string, in PlanInput) (*models.Plan, error) {
	if _, err := parseID(id); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	plan, err := s.repos.Plans.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}

	plan.Name = strings.TrimSpace(in.Name)
	plan.RatePerSecond = in.RatePerSecond
	plan.BurstCapacity = in.BurstCapacity
	plan.DailyQuota = in.DailyQuota
	plan.MonthlyQuota = in.MonthlyQuota
	plan.Endpoints = in.Endpoints
	if in.IsActive != nil {
		plan.IsActive = *in.IsActive
	}

	if err := s.repos.Plans.Save(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to update plan: %w", err)
	}

	s.configs.Invalidate()
	s.logger.Info().Str("plan", plan.Name).Msg("plan updated")
	return plan, nil
}

func (s *AdminService) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	if _, err := parseID(id); err != nil {
		return nil, err
	}

	plan, err := s.repos.Plans.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return plan, nil
}

func (s *AdminService) ListPlans(ctx context.Context) ([]models.Plan, error) {
	return s.repos.Plans.List(ctx)
}

type TenantInput struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	PlanID string `json:"plan_id"`
}

// Creates the tenant or moves it to another plan.
func (s *AdminService) SaveTenant(ctx context.Context, in TenantInput) (*models.Tenant, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrValidation)
	}
	planID, err := parseID(in.PlanID)
	if err != nil {
		return nil, err
	}

	plan, err := s.repos.Plans.FindByID(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("%w: plan %s does not exist", ErrValidation, in.PlanID)
	}

	name := in.Name
	if name == "" {
		name = in.ID
	}

	tenant := &models.Tenant{ID: in.ID, Name: name, PlanID: planID}
	if existing, err := s.repos.Tenants.FindByID(ctx, in.ID); err != nil {
		return nil, err
	} else if existing != nil {
		tenant.CreatedAt = existing.CreatedAt
	}

	if err := s.repos.Tenants.Save(ctx, tenant); err != nil {
		return nil, fmt.Errorf("failed to save tenant: %w", err)
	}

	s.configs.Invalidate()
	tenant.Plan = plan
	return tenant, nil
}

func (s *AdminService) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	return s.repos.Tenants.List(ctx)
}

type OverrideInput struct {
	TargetType ratelimit.TargetType `json:"target_type"`
	TargetID   string               `json:"target_id"`
	Patch      ratelimit.Patch      `json:"patch"`
	StartsAt   *time.Time           `json:"starts_at"`
	ExpiresAt  *time.Time           `json:"expires_at"`
	Reason     string               `json:"reason"`
}

func (s *AdminService) CreateOverride(ctx context.Context, in OverrideInput, actor string) (*models.Override, error) {
	if !in.TargetType.Valid() {
		return nil, fmt.Errorf("%w: unknown target_type %q", ErrValidation, in.TargetType)
	}
	if strings.TrimSpace(in.TargetID) == "" {
		return nil, fmt.Errorf("%w: target_id is required", ErrValidation)
	}
	if err := validatePatch(in.Patch); err != nil {
		return nil, err
	}

	now := s.now()
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
		}
		if in.StartsAt != nil && !in.ExpiresAt.After(*in.StartsAt) {
			return nil, fmt.Errorf("%w: expires_at must be after starts_at", ErrValidation)
		}
	}

	o := &models.Override{
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
		Patch:      in.Patch,
		StartsAt:   utcPtr(in.StartsAt),
		ExpiresAt:  utcPtr(in.ExpiresAt),
		IsActive:   true,
		Reason:     in.Reason,
		CreatedBy:  actor,
	}
	if err := s.repos.Overrides.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create override: %w", err)
	}

	s.configs.Invalidate()
	s.recordOverride("created", o, actor)
	return o, nil
}

func (s *AdminService) ListOverrides(ctx context.Context, targetType ratelimit.TargetType, targetID string, activeOnly bool) ([]models.Override, error) {
	return s.repos.Overrides.List(ctx, targetType, targetID, activeOnly)
}

func (s *AdminService) DeactivateOverride(ctx context.Context, id, actor string) error {
	if _, err := parseID(id); err != nil {
		return err
	}

	o, err := s.repos.Overrides.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("override %s: %w", id, ErrNotFound)
	}

	changed, err := s.repos.Overrides.Deactivate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate override: %w", err)
	}
	if !changed {
		return nil
	}

	s.configs.Invalidate()
	s.recordOverride("deactivated", o, actor)
	return nil
}

type BlockInput struct {
	TargetType ratelimit.TargetType `json:"target_type"`
	TargetID   string               `json:"target_id"`
	Reason     models.BlockReason   `json:"reason"`
	Note       string               `json:"note"`
	ExpiresAt  *time.Time           `json:"expires_at"`
	AutoRemove bool                 `json:"auto_remove"`
}

func blockableTarget(t ratelimit.TargetType) bool {
	for _, candidate := range ratelimit.BlockPriority {
		if candidate == t {
			return true
		}
	}
	return false
}

func (s *AdminService) CreateBlock(ctx context.Context, in BlockInput, actor string) (*models.Block, error) {
	if !blockableTarget(in.TargetType) {
		return nil, fmt.Errorf("%w: blocks apply to api_key, tenant or ip, not %q", ErrValidation, in.TargetType)
	}
	if strings.TrimSpace(in.TargetID) == "" {
		return nil, fmt.Errorf("%w: target_id is required", ErrValidation)
	}
	if in.Reason == "" {
		in.Reason = models.BlockManual
	}
	if !in.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", ErrValidation, in.Reason)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
	}
	if in.AutoRemove && in.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: auto_remove requires expires_at", ErrValidation)
	}

	b := &models.Block{
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
		Reason:     in.Reason,
		Note:       in.Note,
		ExpiresAt:  utcPtr(in.ExpiresAt),
		AutoRemove: in.AutoRemove,
		IsActive:   true,
		CreatedBy:  actor,
	}
	if err := s.repos.Blocks.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create block: %w", err)
	}

	s.blocks.Invalidate()
	s.recordBlock("created", b, actor)
	return b, nil
}

func (s *AdminService) ListBlocks(ctx context.Context, targetType ratelimit.TargetType, targetID string, activeOnly bool) ([]models.Block, error) {
	return s.repos.Blocks.List(ctx, targetType, targetID, activeOnly)
}

func (s *AdminService) RemoveBlock(ctx context.Context, id, actor string) error {
	if _, err := parseID(id); err != nil {
		return err
	}

	b, err := s.repos.Blocks.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("block %s: %w", id, ErrNotFound)
	}

	changed, err := s.repos.Blocks.Deactivate(ctx, id, s.now())
	if err != nil {
		return fmt.Errorf("failed to remove block: %w", err)
	}
	if !changed {
		return nil
	}

	s.blocks.Invalidate()
	s.recordBlock("removed", b, actor)
	return nil
}

// Hourly aggregates between from and to, optionally for one tenant.
func (s *AdminService) Usage(ctx context.Context, from, to time.Time, tenantID string) ([]models.UsageAggregate, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: 'to' must be after 'from'", ErrValidation)
	}
	return s.repos.Aggregates.List(ctx, from, to, tenantID)
}

func (s *AdminService) recordOverride(action string, o *models.Override, actor string) {
	s.logger.Info().
		Str("action", action).
		Str("override_id", o.ID.String()).
		Str("target_type", string(o.TargetType)).
		Str("target_id", o.TargetID).
		Str("actor", actor).
		Msg("override changed")

	s.recorder.Record(models.Event{
		Type:     models.EventOverrideChanged,
		Reason:   o.Reason,
		Metadata: changeMetadata(action, o.ID, o.TargetType, o.TargetID, actor),
	})
}

func (s *AdminService) recordBlock(action string, b *models.Block, actor string) {
	s.logger.Info().
		Str("action", action).
		Str("block_id", b.ID.String()).
		Str("target_type", string(b.TargetType)).
		Str("target_id", b.TargetID).
		Str("actor", actor).
		Msg("block changed")

	s.recorder.Record(models.Event{
		Type:     models.EventBlockChanged,
		Reason:   string(b.Reason),
		Metadata: changeMetadata(action, b.ID, b.TargetType, b.TargetID, actor),
	})
}

func changeMetadata(action string, id uuid.UUID, t ratelimit.TargetType, targetID, actor string) map[string]string {
	return map[string]string{
		"action":      action,
		"id":          id.String(),
		"target_type": string(t),
		"target_id":   targetID,
		"actor":       actor,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

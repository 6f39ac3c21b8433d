package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"gorm.io/gorm"
)

type EventRepository struct {
	db *storage.Database
}

func NewEventRepository(db *storage.Database) *EventRepository {
	return &EventRepository{db: db}
}

// Inserts multiple events in one statement
func (r *EventRepository) CreateBatch(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).Create(&events).Error
}

func (r *EventRepository) FindByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]models.Event, error) {
	var events []models.Event
	err := r.db.DB.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error

	return events, err
}

// Deletes events older than the given time
func (r *EventRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("created_at < ?", before.UTC()).
		Delete(&models.Event{})

	return result.RowsAffected, result.Error
}

type AggregateRepository struct {
	db *storage.Database
}

func NewAggregateRepository(db *storage.Database) *AggregateRepository {
	return &AggregateRepository{db: db}
}

type aggregateRow struct {
	TenantID string
	APIKeyID string
	Endpoint string
	Region   string
	Type     models.EventType
	Count    int64
	Amount   int64
}

// Recomputes the aggregates of one hour from the raw events. Running it
// twice for the same hour leaves the same rows behind.
func (r *AggregateRepository) RollupHour(ctx context.Context, hour time.Time) (int, error) {
	start := hour.UTC().Truncate(time.Hour)
	end := start.Add(time.Hour)

	var rows []aggregateRow
	written := 0

	err := r.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&models.Event{}).
			Select("tenant_id, api_key_id, endpoint, region, type, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS amount").
			Where("created_at >= ? AND created_at < ?", start, end).
			Group("tenant_id, api_key_id, endpoint, region, type").
			Scan(&rows).Error; err != nil {
			return err
		}

		if err := tx.Where("hour = ?", start).Delete(&models.UsageAggregate{}).Error; err != nil {
			return err
		}

		if len(rows) == 0 {
			return nil
		}

		aggregates := make([]models.UsageAggregate, 0, len(rows))
		for _, row := range rows {
			aggregates = append(aggregates, models.UsageAggregate{
				Hour:      start,
				TenantID:  row.TenantID,
				APIKeyID:  row.APIKeyID,
				Endpoint:  row.Endpoint,
				Region:    row.Region,
				EventType: row.Type,
				Count:     row.Count,
				Amount:    row.Amount,
			})
		}
		written = len(aggregates)

		return tx.Create(&aggregates).Error
	})

	return written, err
}

func (r *AggregateRepository) List(ctx context.Context, from, to time.Time, tenantID string) ([]models.UsageAggregate, error) {
	q := r.db.DB.WithContext(ctx).
		Where("hour >= ? AND hour < ?", from.UTC(), to.UTC()).
		Order("hour ASC, tenant_id ASC, api_key_id ASC")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}

	var aggregates []models.UsageAggregate
	err := q.Find(&aggregates).Error
	return aggregates, err
}

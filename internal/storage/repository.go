package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertRepo persists which candles have already been notified.
type AlertRepo interface {
	// Exists reports whether an alert for (symbol, openTime) was recorded.
	Exists(ctx context.Context, symbol string, openTime int64) (bool, error)
	// Record inserts the alert; inserting an already-present key is a no-op.
	Record(ctx context.Context, alert Alert) error
	ListRecent(ctx context.Context, limit int) ([]Alert, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]Alert, error)
	Count(ctx context.Context) (int64, error)
}

type alertRepo struct {
	db *gorm.DB
}

// NewAlertRepo wires a gorm handle into an AlertRepo.
func NewAlertRepo(db *gorm.DB) AlertRepo {
	return &alertRepo{db: db}
}

func (r *alertRepo) Exists(ctx context.Context, symbol string, openTime int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Alert{}).
		Where("symbol = ? AND open_time = ?", symbol, openTime).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *alertRepo) Record(ctx context.Context, alert Alert) error {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	// ON CONFLICT DO NOTHING on the composite primary key, so concurrent
	// workers racing on the same candle cannot produce duplicate rows.
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&alert).Error
}

func (r *alertRepo) ListRecent(ctx context.Context, limit int) ([]Alert, error) {
	var alerts []Alert
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *alertRepo) ListBetween(ctx context.Context, from, to time.Time) ([]Alert, error) {
	var alerts []Alert
	err := r.db.WithContext(ctx).
		Where("open_time >= ? AND open_time < ?", from.UnixMilli(), to.UnixMilli()).
		Order("open_time").
		Find(&alerts).Error
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *alertRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Alert{}).Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

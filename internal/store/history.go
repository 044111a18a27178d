package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// History persists exchange records in Postgres.
type History struct {
	db *gorm.DB
}

// NewHistory wraps an open database.
func NewHistory(db *gorm.DB) *History {
	return &History{db: db}
}

// Migrate creates or updates the exchange_records table.
func (h *History) Migrate() error {
	return h.db.AutoMigrate(&ExchangeRecord{})
}

// Record stores one exchange.
func (h *History) Record(ctx context.Context, rec *ExchangeRecord) error {
	if err := h.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record exchange %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit records, newest first, optionally filtered by outcome.
func (h *History) Recent(ctx context.Context, limit int, outcome string) ([]ExchangeRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := h.db.WithContext(ctx).Model(&ExchangeRecord{})
	if outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}

	var records []ExchangeRecord
	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	return records, nil
}

// Package store wraps the durable GORM connection shared by every
// subsystem: the action pipeline, the fiat state machines, the schedule
// engine, the accrual job, and the reconciliation jobs. It is the single
// source of truth. The fiat confirmation handlers and schedule saves run
// inside its transactions; the dispatcher's loops and InitiatePayout use
// single state-conditioned updates instead.
package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// Store owns the durable connection and the schema migration entrypoint.
type Store struct {
	DB *gorm.DB
}

// Open connects to Postgres with the supplied DSN and migrates the schema.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// WithContext returns a *gorm.DB bound to ctx, the entrypoint every
// subsystem uses before issuing a query.
func (s *Store) WithContext(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}

// Transaction runs fn inside a single ACID transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.DB.WithContext(ctx).Transaction(fn)
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = gorm.ErrRecordNotFound

// IsNotFound reports whether err is a record-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

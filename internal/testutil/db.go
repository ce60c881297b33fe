// Package testutil provides the shared in-memory database fixture every
// package's tests use: a uniquely-named shared-cache sqlite memory database
// migrated with the production AutoMigrate call list, so the durable-store
// transactional code under test (row locking, unique constraints,
// transactions) runs unmodified against a real SQL engine.
package testutil

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nhb-labs/loanbridge/internal/models"
)

// NewDB opens a fresh, uniquely-named in-memory sqlite database and
// migrates every entity in internal/models.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("testutil: migrate: %v", err)
	}
	return db
}

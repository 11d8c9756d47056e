// Package storagetest provides in-memory stores for package tests.
package storagetest

import (
	"testing"

	"gorm.io/gorm"

	"commitchain/core/models"
	"commitchain/storage"
)

// NewDB opens a private in-memory SQLite database with every model migrated.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := storage.OpenSQL(storage.SQLConfig{Driver: "sqlite", DSN: storage.MemoryDSN()}, nil)
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

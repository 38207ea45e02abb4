package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"survey-bot/pkg/database"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// DB opens a private in-memory sqlite database with foreign keys enabled and
// migrates the entity tables plus extra.
func DB(tb testing.TB, extra ...interface{}) *gorm.DB {
	tb.Helper()

	name := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared&_foreign_keys=on", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db, extra...); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}

func Logger(tb testing.TB) *zap.Logger {
	tb.Helper()
	return zap.NewNop()
}

func PtrUint(v uint) *uint { return &v }

// Package dbtest opens throwaway SQLite stores for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"splitlab/internal/db"
)

// Open creates a migrated SQLite database in t's temp dir and returns a Store on it.
// The connection pool is limited to one connection so concurrent tests serialize
// on the database rather than failing with SQLITE_BUSY.
func Open(t testing.TB) *db.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "splitlab.db")
	gdb, err := gorm.Open(sqlite.Open(db.SQLiteDSN(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return db.NewStore(gdb, log)
}

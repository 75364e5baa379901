package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"splitlab/internal/config"
)

// Models lists every table managed by AutoMigrate.
var Models = []any{
	&Experiment{}, &Goal{}, &Assignment{}, &Conversion{}, &DailyAggregate{},
	&CascadeMapping{}, &RateLimitWindow{}, &User{}, &APIKey{},
}

// Store is the persistence layer shared by every splitlab service.
type Store struct {
	DB  *gorm.DB
	Log logrus.FieldLogger
}

// NewStore wraps an open connection. A nil logger falls back to the logrus standard logger.
func NewStore(db *gorm.DB, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{DB: db, Log: log}
}

func (s *Store) with(ctx context.Context) *gorm.DB {
	return s.DB.WithContext(ctx)
}

// Connect opens a GORM connection using APP_DATABASE_URL and migrates the schema.
// postgres:// and postgresql:// URLs use the PostgreSQL driver; sqlite://path opens
// (or creates) a SQLite file.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required")
	}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		dialector = sqlite.Open(SQLiteDSN(strings.TrimPrefix(dsn, "sqlite://")))
	default:
		return nil, errors.New("APP_DATABASE_URL must be a postgres://, postgresql:// or sqlite:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(dialector, &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// SQLiteDSN builds a mattn/go-sqlite3 DSN for path with WAL, a busy timeout and
// immediate write transactions so concurrent writers queue instead of failing.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on"
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// EnsureBootstrapAdmin makes sure there is at least one admin user
// corresponding to the bootstrap credentials in config. If a user with
// that username already exists, it is left as-is.
func EnsureBootstrapAdmin(db *gorm.DB, cfg *config.Config) error {
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil
	}

	var count int64
	if err := db.Model(&User{}).Where("username = ?", cfg.AdminUser).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	return db.Create(&User{
		Username:     cfg.AdminUser,
		PasswordHash: string(hash),
		IsAdmin:      true,
	}).Error
}

// EnsureBootstrapAPIKey registers the configured server-to-server key so the
// rendering pipeline and the content repository can authenticate. An existing
// inactive key with the same value is re-enabled.
func EnsureBootstrapAPIKey(db *gorm.DB, cfg *config.Config) error {
	if cfg.APIKey == "" {
		return nil
	}

	// Use Find so "not found" doesn't log as error.
	var existing APIKey
	if err := db.Where("key = ?", cfg.APIKey).Limit(1).Find(&existing).Error; err != nil {
		return err
	}
	if existing.ID != 0 {
		if existing.Active {
			return nil
		}
		return db.Model(&existing).Update("active", true).Error
	}

	return db.Create(&APIKey{
		Name:   "bootstrap",
		Scope:  ScopeIntegration,
		Key:    cfg.APIKey,
		Active: true,
	}).Error
}

// Package sqlstore implements store.Store on GORM for sqlite and postgres.
//
// Lifecycle transitions are single conditional UPDATEs whose affected row
// count decides the winner. Group marks run in a transaction that locks the
// group's rows with SELECT ... FOR UPDATE on postgres; sqlite connections are
// limited to one so writers are serialized.
package sqlstore

import (
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/store"
	"statement-ingest-service/pkg/errors"
	"statement-ingest-service/pkg/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	insertBatchSize = 200
)

// Config selects and tunes the database backend
type Config struct {
	Driver        string        `mapstructure:"driver" json:"driver"`
	DSN           string        `mapstructure:"dsn" json:"dsn"`
	MaxOpenConns  int           `mapstructure:"max_open_conns" json:"max_open_conns"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold" json:"slow_threshold"`
	LogQueries    bool          `mapstructure:"log_queries" json:"log_queries"`
}

// DefaultConfig returns an on-disk sqlite configuration
func DefaultConfig() *Config {
	return &Config{
		Driver:        DriverSQLite,
		DSN:           "statements.db",
		MaxOpenConns:  10,
		SlowThreshold: time.Second,
	}
}

// Validate checks the database configuration
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "database.driver", c.Driver, nil).
			WithSuggestion("use 'sqlite' or 'postgres'")
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.ConfigurationError(errors.CodeMissingConfig, "database.dsn", c.DSN, nil)
	}
	if c.MaxOpenConns < 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "database.max_open_conns", c.MaxOpenConns, nil)
	}
	return nil
}

// Store is the GORM-backed store
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open connects to the configured database and migrates the schema
func Open(config *Config, log logger.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	var dialector gorm.Dialector
	switch config.Driver {
	case DriverPostgres:
		dialector = postgres.Open(config.DSN)
	default:
		dialector = sqlite.Open(config.DSN)
	}

	level := gormLogger.Warn
	if config.LogQueries {
		level = gormLogger.Info
	}
	gormLog := gormLogger.New(
		gormWriter{log: log.WithComponent("gorm")},
		gormLogger.Config{
			SlowThreshold:             config.SlowThreshold,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageFailure, "open database", err).
			WithContext("driver", config.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.StorageError(errors.CodeStorageFailure, "open database", err)
	}
	if config.Driver == DriverSQLite {
		// one connection serializes writers and keeps :memory: databases alive
		sqlDB.SetMaxOpenConns(1)
	} else if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}

	return New(db, log)
}

// New wraps an open connection and migrates the schema
func New(db *gorm.DB, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if err := db.AutoMigrate(&models.StatementRecord{}, &models.TransactionRecord{}); err != nil {
		return nil, errors.StorageError(errors.CodeStorageFailure, "migrate schema", err)
	}
	return &Store{db: db, log: log.WithComponent("sqlstore")}, nil
}

// DB exposes the underlying connection
func (s *Store) DB() *gorm.DB { return s.db }

// Statements returns the statement repository
func (s *Store) Statements() store.StatementRepository {
	return &statementRepo{s: s}
}

// Transactions returns the transaction repository
func (s *Store) Transactions() store.TransactionRepository {
	return &transactionRepo{s: s}
}

// Close closes the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.StorageError(errors.CodeStorageFailure, "close database", err)
	}
	if err := sqlDB.Close(); err != nil {
		return errors.StorageError(errors.CodeStorageFailure, "close database", err)
	}
	return nil
}

// forUpdate adds a row lock where the dialect supports one
func (s *Store) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == DriverPostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

type gormWriter struct {
	log logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Warnf(strings.TrimSpace(format), args...)
}

var _ store.Store = (*Store)(nil)

package db

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config selects the database dialect and DSN. Defaults target local
// development: a sqlite file next to the binary.
type Config struct {
	Type string // "mysql" or "sqlite"
	DSN  string
}

// FromEnv reads DB_TYPE and DB_DSN.
func FromEnv() Config {
	return Config{
		Type: os.Getenv("DB_TYPE"),
		DSN:  os.Getenv("DB_DSN"),
	}
}

// NewGormDB opens the database. MySQL is the production store; sqlite keeps
// local development and tests dependency-free.
func NewGormDB(cfg Config, log zerolog.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "root:@tcp(127.0.0.1:3306)/task_scheduler?charset=utf8mb4&parseTime=True&loc=Local"
			log.Warn().Str("dsn", dsn).Msg("DB_DSN not set, using default mysql dsn")
		}
		dialector = mysql.Open(dsn)
	default:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "scheduler.db"
			log.Warn().Str("dsn", dsn).Msg("DB_DSN not set, using default sqlite dsn")
		}
		dialector = sqlite.Open(dsn)
	}

	gormLogger := logger.New(
		&zerologWriter{log: log},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return gdb, nil
}

// AutoMigrate migrates the given models at boot, the only migration story
// this service has.
func AutoMigrate(gdb *gorm.DB, models ...interface{}) error {
	if err := gdb.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// zerologWriter adapts zerolog to gorm's logger.Writer.
type zerologWriter struct {
	log zerolog.Logger
}

func (w *zerologWriter) Printf(format string, args ...interface{}) {
	w.log.Warn().Msgf(format, args...)
}

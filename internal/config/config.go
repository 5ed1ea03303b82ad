package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod test"`
	DB  struct {
		Path        string        `validate:"required"`
		Driver      string        `validate:"required,oneof=sqlite sqlite3"`
		Mode        string        `validate:"required,oneof=ro rw rwc"`
		BusyTimeout time.Duration `validate:"gte=0"`
		PragmaFile  string
		JournalMode string `validate:"omitempty,oneof=wal rollback"`
		Synchronous string `validate:"omitempty,oneof=off normal full"`
		ForeignKeys bool
		CacheSize   int
	}
	Migrations struct {
		// URL is a golang-migrate source (file://...); empty means embedded migrations
		URL string `validate:"omitempty,url"`
	}
	Backup struct {
		Dir          string
		Schedule     string
		PagesPerStep int           `validate:"gte=1"`
		Pause        time.Duration `validate:"gte=0"`
		Keep         int           `validate:"gte=0"`
	}
	HTTP struct {
		// Addr empty disables the HTTP server
		Addr string `validate:"omitempty,hostname_port"`
		// Token guards POST endpoints; empty disables the check
		Token string
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var errs []error

	c.Env = strings.ToLower(getenv("ENV", "prod"))

	c.DB.Path = getenv("DB_PATH", "data/litecoord.db")
	c.DB.Driver = getenv("DB_DRIVER", "sqlite")
	c.DB.Mode = strings.ToLower(getenv("DB_MODE", "rwc"))
	c.DB.BusyTimeout = getDuration("DB_BUSY_TIMEOUT", 5*time.Second, &errs)
	c.DB.PragmaFile = os.Getenv("DB_PRAGMA_FILE")
	c.DB.JournalMode = strings.ToLower(getenv("DB_JOURNAL_MODE", "wal"))
	c.DB.Synchronous = strings.ToLower(getenv("DB_SYNCHRONOUS", "normal"))
	c.DB.ForeignKeys = getBool("DB_FOREIGN_KEYS", true, &errs)
	c.DB.CacheSize = getInt("DB_CACHE_SIZE", 0, &errs)

	c.Migrations.URL = os.Getenv("MIGRATIONS_URL")

	c.Backup.Dir = getenv("BACKUP_DIR", "data/backups")
	c.Backup.Schedule = os.Getenv("BACKUP_SCHEDULE")
	c.Backup.PagesPerStep = getInt("BACKUP_PAGES_PER_STEP", 64, &errs)
	c.Backup.Pause = getDuration("BACKUP_PAUSE", 10*time.Millisecond, &errs)
	c.Backup.Keep = getInt("BACKUP_KEEP", 7, &errs)

	c.HTTP.Addr = os.Getenv("HTTP_ADDR")
	c.HTTP.Token = os.Getenv("HTTP_TOKEN")

	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/litecoord.log")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.Backup.Schedule != "" {
		if _, err := cron.ParseStandard(c.Backup.Schedule); err != nil {
			return Config{}, fmt.Errorf("BACKUP_SCHEDULE: %w", err)
		}
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func getBool(k string, def bool, errs *[]error) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return b
}

func getDuration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

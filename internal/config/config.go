package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendLocal      = "local"
	BackendReplicated = "replicated"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	StoreBackend   string   `mapstructure:"STORE_BACKEND"`
	LocalDBPath    string   `mapstructure:"LOCAL_DB_PATH"`
	SyncURL        string   `mapstructure:"SYNC_URL"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	KafkaBrokers   []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string   `mapstructure:"KAFKA_TOPIC"`
	ArchiveBucket  string   `mapstructure:"ARCHIVE_BUCKET"`
	GeminiAPIKey   string   `mapstructure:"GEMINI_API_KEY"`
	GeminiModel    string   `mapstructure:"GEMINI_MODEL"`
	GeminiTTSModel string   `mapstructure:"GEMINI_TTS_MODEL"`
	DoctorName     string   `mapstructure:"DOCTOR_NAME"`
	BranchName     string   `mapstructure:"BRANCH_NAME"`
	ClinicTimezone string   `mapstructure:"CLINIC_TIMEZONE"`
	CardDir        string   `mapstructure:"CARD_DIR"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_BACKEND", "LOCAL_DB_PATH", "SYNC_URL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "KAFKA_BROKERS", "KAFKA_TOPIC", "ARCHIVE_BUCKET",
	"GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_TTS_MODEL",
	"DOCTOR_NAME", "BRANCH_NAME", "CLINIC_TIMEZONE", "CARD_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", BackendLocal)
	v.SetDefault("LOCAL_DB_PATH", "./data/clinic")
	v.SetDefault("SYNC_URL", "http://localhost:8000")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("KAFKA_TOPIC", "clinic-events")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts")
	v.SetDefault("DOCTOR_NAME", "Dr. Amr Al-Kadi")
	v.SetDefault("BRANCH_NAME", "Minya Insurance Branch")
	v.SetDefault("CLINIC_TIMEZONE", "Africa/Cairo")
	v.SetDefault("CARD_DIR", "./cards")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated lists arrive as a single string from the environment.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads the clinic time zone that decides what "today" is.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// AssistantEnabled reports whether the optional summary and speech
// collaborators are configured.
func (c *Config) AssistantEnabled() bool {
	return c.GeminiAPIKey != ""
}

// Validate checks that the configuration is usable before anything is
// opened.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendLocal:
		if c.LocalDBPath == "" {
			return fmt.Errorf("LOCAL_DB_PATH is required for the local backend")
		}
	case BackendReplicated:
		if c.SyncURL == "" {
			return fmt.Errorf("SYNC_URL is required for the replicated backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendLocal, BackendReplicated, c.StoreBackend)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < c.DBMinConns {
		return fmt.Errorf("DB_MAX_CONNS (%d) must be at least DB_MIN_CONNS (%d)", c.DBMaxConns, c.DBMinConns)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

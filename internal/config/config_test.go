package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range keys {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.StoreBackend != BackendLocal {
		t.Errorf("expected local backend, got %s", cfg.StoreBackend)
	}
	if cfg.KafkaBrokers != nil {
		t.Errorf("expected no kafka brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.DoctorName != "Dr. Amr Al-Kadi" {
		t.Errorf("unexpected doctor name %q", cfg.DoctorName)
	}
	if cfg.AssistantEnabled() {
		t.Error("assistant must be disabled without an API key")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", " Replicated ")
	t.Setenv("SYNC_URL", "http://sync:8000")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("CORS_ORIGINS", "http://a,http://b")
	t.Setenv("DB_MAX_CONNS", "25")
	t.Setenv("GEMINI_API_KEY", "key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StoreBackend != BackendReplicated {
		t.Errorf("expected replicated backend, got %q", cfg.StoreBackend)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("unexpected origins %v", cfg.CORSOrigins)
	}
	if cfg.DBMaxConns != 25 {
		t.Errorf("expected 25 max conns, got %d", cfg.DBMaxConns)
	}
	if !cfg.AssistantEnabled() {
		t.Error("assistant must be enabled with an API key")
	}
}

func TestConfig_Validate(t *testing.T) {
	base := Config{
		StoreBackend:   BackendLocal,
		LocalDBPath:    "./data",
		SyncURL:        "http://localhost:8000",
		DBMaxConns:     10,
		DBMinConns:     2,
		ClinicTimezone: "UTC",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config: %v", err)
	}

	c := base
	c.StoreBackend = "firebase"
	if c.Validate() == nil {
		t.Error("expected error for unknown backend")
	}

	c = base
	c.StoreBackend = BackendReplicated
	c.SyncURL = ""
	if c.Validate() == nil {
		t.Error("expected error for replicated backend without SYNC_URL")
	}

	c = base
	c.ClinicTimezone = "Mars/Olympus"
	if c.Validate() == nil {
		t.Error("expected error for unknown time zone")
	}

	c = base
	c.DBMaxConns = 1
	if c.Validate() == nil {
		t.Error("expected error when max conns is below min conns")
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() || !c.IsProduction() {
		t.Error("expected production mode")
	}
}

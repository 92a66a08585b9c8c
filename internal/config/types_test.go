package config

import "testing"

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	if err := invalidPort.Validate(); err == nil {
		t.Fatalf("expected failure when port is invalid")
	}

	badCacheBackend := cfg
	badCacheBackend.Server.Cache.Backend = "memcached"
	if err := badCacheBackend.Validate(); err == nil {
		t.Fatalf("expected failure for unsupported cache backend")
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Listen.Address != "0.0.0.0" {
		t.Errorf("expected listen address 0.0.0.0, got %q", cfg.Server.Listen.Address)
	}
	if cfg.Server.Listen.Port != 8080 {
		t.Errorf("expected listen port 8080, got %d", cfg.Server.Listen.Port)
	}
	if cfg.Server.Logging.Level != "info" {
		t.Errorf("expected logging level info, got %q", cfg.Server.Logging.Level)
	}
	if cfg.Server.Cache.Backend != "memory" {
		t.Errorf("expected cache backend memory, got %q", cfg.Server.Cache.Backend)
	}
}

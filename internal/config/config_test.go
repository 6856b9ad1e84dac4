package config

import (
	"os"
	"testing"
	"time"
)

func unsetSyncEnv() {
	_ = os.Unsetenv("COLLABSYNC_REMOTE_DRIVER")
	_ = os.Unsetenv("COLLABSYNC_POSTGRES_DSN")
	_ = os.Unsetenv("COLLABSYNC_REST_BASE_URL")
	_ = os.Unsetenv("COLLABSYNC_DEBOUNCE_PERIOD")
	_ = os.Unsetenv("COLLABSYNC_SYNC_INTERVAL")
}

func TestConfigLoad_Defaults(t *testing.T) {
	unsetSyncEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.RemoteDriver != "memory" || cfg.HTTPPort != 8080 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DebouncePeriod != 2*time.Second || cfg.SyncInterval != 30*time.Second {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	unsetSyncEnv()
	_ = os.Setenv("COLLABSYNC_DEBOUNCE_PERIOD", "500ms")
	defer unsetSyncEnv()

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DebouncePeriod != 500*time.Millisecond {
		t.Fatalf("debounce override failed, got %v", cfg.DebouncePeriod)
	}
}

func TestResolveDefaults_PostgresRequiresDSN(t *testing.T) {
	unsetSyncEnv()
	_ = os.Setenv("COLLABSYNC_REMOTE_DRIVER", "postgres")
	defer unsetSyncEnv()

	if _, err := New(); err == nil {
		t.Fatal("postgres driver without a DSN must be rejected")
	}

	_ = os.Setenv("COLLABSYNC_POSTGRES_DSN", "postgres://localhost/collabsync")
	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.RemoteDriver != "postgres" {
		t.Fatalf("driver = %s", cfg.RemoteDriver)
	}
}

func TestResolveDefaults_RestRequiresBaseURL(t *testing.T) {
	unsetSyncEnv()
	_ = os.Setenv("COLLABSYNC_REMOTE_DRIVER", "rest")
	defer unsetSyncEnv()

	if _, err := New(); err == nil {
		t.Fatal("rest driver without a base URL must be rejected")
	}
}

func TestResolveDefaults_UnknownDriver(t *testing.T) {
	unsetSyncEnv()
	_ = os.Setenv("COLLABSYNC_REMOTE_DRIVER", "dynamo")
	defer unsetSyncEnv()

	if _, err := New(); err == nil {
		t.Fatal("unknown driver must be rejected")
	}
}

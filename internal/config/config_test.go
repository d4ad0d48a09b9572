package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"PORT", "SERVER_PORT", "STORE_DRIVER", "PIN_MAX_ATTEMPTS", "PIN_LOCKOUT_SECONDS", "VOTING_WINDOW_HOURS", "DEFAULT_APPROVAL_THRESHOLD", "EVENT_EXCHANGE"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" || cfg.StoreDriver != "postgres" || cfg.EventExchange != "trustgroup.events" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.PINMaxAttempts != 3 || cfg.PINLockout() != 15*time.Minute {
		t.Fatalf("unexpected PIN defaults: attempts=%d lockout=%s", cfg.PINMaxAttempts, cfg.PINLockout())
	}
	if cfg.VotingWindow() != 7*24*time.Hour || cfg.DefaultApprovalThreshold != 60 {
		t.Fatalf("unexpected voting defaults: window=%s threshold=%d", cfg.VotingWindow(), cfg.DefaultApprovalThreshold)
	}
	if cfg.ChainVerifySchedule != "@every 15m" || cfg.OutboxPollInterval() != 1200*time.Millisecond {
		t.Fatalf("unexpected schedules %+v", cfg)
	}
}

func TestLoadConfig_ClampsInvalidValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "PIN_MAX_ATTEMPTS", "0")
	setEnvWithCleanup(t, "PIN_LOCKOUT_SECONDS", "-30")
	setEnvWithCleanup(t, "DEFAULT_APPROVAL_THRESHOLD", "140")
	setEnvWithCleanup(t, "PIN_RATE_LIMIT_PER_MINUTE", "-1")
	setEnvWithCleanup(t, "STORE_DRIVER", "cassandra")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PINMaxAttempts != 3 || cfg.PINLockoutSeconds != 900 {
		t.Fatalf("expected PIN settings clamped to defaults, got %d/%d", cfg.PINMaxAttempts, cfg.PINLockoutSeconds)
	}
	if cfg.DefaultApprovalThreshold != 60 || cfg.PINRateLimitPerMinute != 10 {
		t.Fatalf("expected threshold and rate limit defaults, got %d/%d", cfg.DefaultApprovalThreshold, cfg.PINRateLimitPerMinute)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected unknown driver to fall back to postgres, got %q", cfg.StoreDriver)
	}
}

func TestLoadConfig_InternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "TRUSTGROUP_INTERNAL_API_KEY", " alias-only-key ")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9091")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9091" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://app.example.com, ,https://admin.example.com"}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "https://app.example.com" || origins[1] != "https://admin.example.com" {
		t.Fatalf("unexpected origins %v", origins)
	}
	if len((Config{}).AllowedOrigins()) != 0 {
		t.Fatalf("empty setting should yield no origins")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}

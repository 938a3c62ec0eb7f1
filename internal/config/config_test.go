package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Repository.Driver)
	}
	if cfg.Profit.HouseEdge != 0.05 {
		t.Errorf("expected house edge 0.05, got %v", cfg.Profit.HouseEdge)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("LOYALTY_TIER", "pro")
	t.Setenv("LOYALTY_PORT", "9090")
	t.Setenv("LOYALTY_DAILY_CAP", "250.5")
	t.Setenv("LOYALTY_EXPIRY_SWEEP_INTERVAL", "15m")
	t.Setenv("LOYALTY_ASYNC_WORKER", "false")
	t.Setenv("LOYALTY_MAX_REWARDS_PER_EVALUATION", "not-a-number")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Tier != domain.TierPro || cfg.Repository.Driver != "postgres" {
		t.Errorf("expected pro tier on postgres, got %s/%s", cfg.Tier, cfg.Repository.Driver)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Profit.DailyCap != 250.5 {
		t.Errorf("expected daily cap 250.5, got %v", cfg.Profit.DailyCap)
	}
	if cfg.Ledger.ExpirySweepInterval != 15*time.Minute {
		t.Errorf("expected 15m sweep, got %v", cfg.Ledger.ExpirySweepInterval)
	}
	if cfg.AsyncWorker {
		t.Error("expected async worker disabled by override")
	}
	if cfg.Rules.MaxRewardsPerEvaluation != 1 {
		t.Errorf("expected unparsable value to keep the default, got %d", cfg.Rules.MaxRewardsPerEvaluation)
	}
}

func TestFromEnvValidation(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"Driver", "LOYALTY_DB_DRIVER", "mysql"},
		{"HouseEdge", "LOYALTY_HOUSE_EDGE", "1.5"},
		{"ReducedFactor", "LOYALTY_REDUCED_REWARD_FACTOR", "2"},
		{"WageringFactor", "LOYALTY_INCREASED_WAGERING_FACTOR", "0.5"},
		{"NegativeCap", "LOYALTY_WEEKLY_CAP", "-1"},
		{"Port", "LOYALTY_PORT", "70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := FromEnv(); err == nil {
				t.Errorf("expected validation error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("LOYALTY_TEST_ONLY_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("LOYALTY_ENV_FILE", path)
	t.Cleanup(func() { os.Unsetenv("LOYALTY_TEST_ONLY_VALUE") })

	if _, err := Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := os.Getenv("LOYALTY_TEST_ONLY_VALUE"); got != "from-file" {
		t.Errorf("expected value from env file, got %q", got)
	}

	t.Run("MissingFileIgnored", func(t *testing.T) {
		t.Setenv("LOYALTY_ENV_FILE", filepath.Join(dir, "missing.env"))
		if _, err := Load(); err != nil {
			t.Errorf("expected missing env file to be ignored, got %v", err)
		}
	})
}

func TestCustomFraudRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	rules := `[{"id":"rapid_withdrawals","signalType":"RAPID_WITHDRAWALS","expression":"activity.window_withdrawals >= 3","severity":6}]`
	if err := os.WriteFile(path, []byte(rules), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	t.Setenv("LOYALTY_FRAUD_RULES_FILE", path)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if len(cfg.Fraud.CustomRules) != 1 || cfg.Fraud.CustomRules[0].Severity != 6 {
		t.Errorf("unexpected custom rules %+v", cfg.Fraud.CustomRules)
	}

	t.Run("Malformed", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		os.WriteFile(bad, []byte("{"), 0o600)
		t.Setenv("LOYALTY_FRAUD_RULES_FILE", bad)
		if _, err := FromEnv(); err == nil {
			t.Error("expected parse error")
		}
	})
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

const minimalConfig = `
trading:
  quote_asset: BTC
  profit_ratio: "1.5"
  min_order_size: "0.0002"
exchange:
  api_key: test-key
  api_secret: test-secret
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InstanceID != "default" {
		t.Fatalf("InstanceID = %q, want default", cfg.InstanceID)
	}
	if cfg.Trading.FeeAsset != "BNB" {
		t.Fatalf("FeeAsset = %q, want BNB", cfg.Trading.FeeAsset)
	}
	if cfg.Jobs.MaintainIntervalSec != 60 || cfg.Jobs.RefreshIntervalSec != 300 {
		t.Fatalf("job intervals = %d/%d, want 60/300", cfg.Jobs.MaintainIntervalSec, cfg.Jobs.RefreshIntervalSec)
	}
	if cfg.Rules.TTLSec != 300 {
		t.Fatalf("rules ttl = %d, want 300", cfg.Rules.TTLSec)
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatal("lock takeover default must be enabled")
	}
	if !cfg.Trading.ProfitRatio.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("ProfitRatio = %s", cfg.Trading.ProfitRatio)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"\nnot_a_key: true\n"))
	if err == nil {
		t.Fatal("Load() accepted unknown key")
	}
}

func TestLoadExpandsEnvSecrets(t *testing.T) {
	t.Setenv("TEST_TRADER_KEY", "from-env")
	body := strings.Replace(minimalConfig, "api_key: test-key", "api_key: ${TEST_TRADER_KEY}", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "from-env" {
		t.Fatalf("APIKey = %q, want from-env", cfg.Exchange.APIKey)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(body string) string
		wantErr string
	}{
		{
			name:    "missing quote asset",
			mutate:  func(b string) string { return strings.Replace(b, "quote_asset: BTC", "quote_asset: \"\"", 1) },
			wantErr: "quote_asset",
		},
		{
			name:    "zero profit ratio",
			mutate:  func(b string) string { return strings.Replace(b, `profit_ratio: "1.5"`, `profit_ratio: "0"`, 1) },
			wantErr: "profit_ratio",
		},
		{
			name:    "negative min order",
			mutate:  func(b string) string { return strings.Replace(b, `min_order_size: "0.0002"`, `min_order_size: "-1"`, 1) },
			wantErr: "min_order_size",
		},
		{
			name:    "missing secret",
			mutate:  func(b string) string { return strings.Replace(b, "api_secret: test-secret", `api_secret: ""`, 1) },
			wantErr: "api_secret",
		},
		{
			name:    "bad log level",
			mutate:  func(b string) string { return b + "\nlog:\n  level: loud\n" },
			wantErr: "log level",
		},
		{
			name:    "telegram enabled without token",
			mutate:  func(b string) string { return b + "\nobservability:\n  telegram:\n    enabled: true\n" },
			wantErr: "bot_token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(minimalConfig)))
			if err == nil {
				t.Fatal("Load() error = nil, want validation failure")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeUppercasesAssets(t *testing.T) {
	body := strings.Replace(minimalConfig, "quote_asset: BTC", "quote_asset: btc", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Trading.QuoteAsset != "BTC" {
		t.Fatalf("QuoteAsset = %q, want BTC", cfg.Trading.QuoteAsset)
	}
}

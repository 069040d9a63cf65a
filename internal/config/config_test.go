package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
scheduler:
  interval: 10m
ethereum:
  rpc_url: http://node:8545
  tokens:
    usdc: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  token_decimals:
    usdc: 6
pricing:
  sources: [static, market]
  static:
    usdc: 1
organizations:
  - id: uniswap
    contract: "0x408ED6354d4973f66138C91495F2f2FCbd8724C3"
    treasury: "0x1a9C8182C09F50C8318d769245beA52c32BE35BC"
  - id: gateway-dao
    source: websocket
    endpoint: wss://gateway.example/ws
    balances:
      eth: 12.5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsAndFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Scheduler.Interval != 10*time.Minute {
		t.Fatalf("interval = %s", cfg.Scheduler.Interval)
	}
	if cfg.Stream.DedupeCapacity != 200 || cfg.Stream.DedupeWindow != 10*time.Minute {
		t.Fatalf("dedupe defaults not applied: %+v", cfg.Stream)
	}
	if cfg.Registry.GracePeriod != 5*time.Second || cfg.Pricing.TTL != time.Minute {
		t.Fatalf("grace/ttl defaults not applied")
	}
	if len(cfg.Organizations) != 2 {
		t.Fatalf("expected 2 organizations, got %d", len(cfg.Organizations))
	}
	gw, ok := cfg.Organization("gateway-dao")
	if !ok || gw.Source != "websocket" || len(gw.Balances) != 1 {
		t.Fatalf("unexpected organization %+v", gw)
	}
	if len(cfg.Pricing.Sources) != 2 {
		t.Fatalf("sources = %v", cfg.Pricing.Sources)
	}
	if cfg.Ethereum.TokenDecimals["usdc"] != 6 {
		t.Fatalf("token decimals = %v", cfg.Ethereum.TokenDecimals)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DAOWATCH_SCHEDULER_INTERVAL", "1m")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("环境变量应覆盖配置文件, got %s", cfg.Scheduler.Interval)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate org":  "organizations:\n  - {id: a, endpoint: x}\n  - {id: a, endpoint: y}\n",
		"unknown source": "organizations:\n  - {id: a, endpoint: x, source: solana}\n",
		"no endpoint":    "organizations:\n  - {id: a}\n",
		"price source":   "pricing:\n  sources: [magic]\n",
		"target > limit": "analytics:\n  concentration_target_pct: 60\n",
		"telegram":       "alerting:\n  telegram:\n    enabled: true\n",
		"decimals token": "ethereum:\n  token_decimals:\n    dai: 18\n",
		"decimals range": "ethereum:\n  tokens:\n    dai: \"0x6B175474E89094C44Da98b954EedeAC495271d0F\"\n  token_decimals:\n    dai: 80\n",
	}
	for name, body := range cases {
		_, err := Load(writeConfig(t, body))
		if err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
		if strings.Contains(err.Error(), "read config") {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

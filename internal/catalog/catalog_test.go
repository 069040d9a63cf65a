package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"daowatch/internal/analytics"
)

const sampleCatalog = `
opportunities:
  - protocol: Lido
    asset: eth
    apy: "3.8"
    tvl: "14000000000"
    risk: medium
  - protocol: Aave
    asset: USDC
    apy: "5.25"
    risk: low
    lock_days: 7
    minimum_deposit: "100"
`

func writeCatalog(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseCatalog(t *testing.T) {
	entries, err := Parse([]byte(sampleCatalog))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	lido, aave := entries[0], entries[1]
	if lido.Asset != "ETH" || lido.RiskTier != analytics.RiskMedium || !lido.APY.Equal(decimal.RequireFromString("3.8")) {
		t.Fatalf("unexpected lido entry %+v", lido)
	}
	if aave.LockPeriod != 7*24*time.Hour || !aave.MinimumDeposit.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected aave entry %+v", aave)
	}
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	cases := map[string]string{
		"unknown risk": "opportunities:\n  - {protocol: X, asset: ETH, apy: \"1\", risk: extreme}\n",
		"bad apy":      "opportunities:\n  - {protocol: X, asset: ETH, apy: lots, risk: low}\n",
		"negative apy": "opportunities:\n  - {protocol: X, asset: ETH, apy: \"-1\", risk: low}\n",
		"no asset":     "opportunities:\n  - {protocol: X, apy: \"1\", risk: low}\n",
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, sampleCatalog)

	l, err := NewLoader(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	changed := make(chan int, 4)
	l.OnChange(func(entries []analytics.YieldOpportunity) { changed <- len(entries) })

	stop, err := l.Watch()
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	writeCatalog(t, path, "opportunities:\n  - {protocol: Curve, asset: USDC, apy: \"8\", risk: low}\n")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-changed:
			if n == 1 {
				if got := l.Opportunities(); got[0].Protocol != "Curve" {
					t.Fatalf("reload should replace entries, got %+v", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("catalog change was not picked up")
		}
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, sampleCatalog)
	l, err := NewLoader(path, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	writeCatalog(t, path, "opportunities: [")
	if _, err := l.Reload(); err == nil {
		t.Fatal("malformed YAML should fail to reload")
	}
	if len(l.Opportunities()) != 2 {
		t.Fatal("previous catalog should be kept")
	}
}

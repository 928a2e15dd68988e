package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSeedFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "markets.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return path
}

func TestLoadMarketSeedsParsesAndNormalises(t *testing.T) {
	path := writeSeedFile(t, `markets:
  - symbol: usdx
    collateral_factor_bps: 8000
    reserve_factor_bps: 1000
    initial_liquidity: "1000000"
  - symbol: "  ethx  "
    collateral_factor_bps: 7500
    reserve_factor_bps: 2000
`)

	seeds, err := LoadMarketSeeds(path)
	if err != nil {
		t.Fatalf("load market seeds: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(seeds))
	}
	if seeds[0].Symbol != "USDX" || seeds[1].Symbol != "ETHX" {
		t.Fatalf("symbols not normalised: %+v", seeds)
	}
	if seeds[0].CollateralFactorBps != 8000 || seeds[0].ReserveFactorBps != 1000 {
		t.Fatalf("unexpected factors: %+v", seeds[0])
	}
	want := big.NewInt(1_000_000)
	if got := seeds[0].LiquidityAmount(); got == nil || got.Cmp(want) != 0 {
		t.Fatalf("unexpected liquidity amount: %v", got)
	}
	if got := seeds[1].LiquidityAmount(); got != nil {
		t.Fatalf("expected nil liquidity for unset seed, got %v", got)
	}
}

func TestLoadMarketSeedsRejectsDuplicateSymbols(t *testing.T) {
	path := writeSeedFile(t, `markets:
  - symbol: USDX
    collateral_factor_bps: 8000
  - symbol: usdx
    collateral_factor_bps: 7000
`)

	_, err := LoadMarketSeeds(path)
	if err == nil {
		t.Fatalf("expected error for duplicate symbol after normalisation")
	}
	if !strings.Contains(err.Error(), "duplicate symbol USDX") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMarketSeedsRejectsFactorAboveScale(t *testing.T) {
	path := writeSeedFile(t, `markets:
  - symbol: USDX
    collateral_factor_bps: 10001
`)

	if _, err := LoadMarketSeeds(path); err == nil {
		t.Fatalf("expected error for collateral factor above 10000")
	}
}

func TestLoadMarketSeedsRejectsMalformedLiquidity(t *testing.T) {
	path := writeSeedFile(t, `markets:
  - symbol: USDX
    collateral_factor_bps: 8000
    initial_liquidity: "12.5"
`)

	if _, err := LoadMarketSeeds(path); err == nil {
		t.Fatalf("expected error for fractional liquidity")
	}
}

func TestLoadMarketSeedsRejectsEmptyDocument(t *testing.T) {
	path := writeSeedFile(t, "")

	_, err := LoadMarketSeeds(path)
	if err == nil {
		t.Fatalf("expected error for empty seed file")
	}
	if !strings.Contains(err.Error(), "at least one market") {
		t.Fatalf("unexpected error: %v", err)
	}
}

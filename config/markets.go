package config

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"lendex/native/lending"
)

// MarketSeed describes one market listed at first boot.
type MarketSeed struct {
	Symbol              string `yaml:"symbol"`
	CollateralFactorBps uint64 `yaml:"collateral_factor_bps"`
	ReserveFactorBps    uint64 `yaml:"reserve_factor_bps"`
	// InitialLiquidity optionally mints vault float on dev networks, in
	// base units as a decimal integer string.
	InitialLiquidity string `yaml:"initial_liquidity"`
}

type marketSeedDoc struct {
	Markets []MarketSeed `yaml:"markets"`
}

// LoadMarketSeeds reads the YAML seed file and validates the result. Symbols
// are normalised to their canonical upper-case form before duplicate checks.
func LoadMarketSeeds(path string) ([]MarketSeed, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("market seeds: path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open market seeds: %w", err)
	}
	defer file.Close()

	var doc marketSeedDoc
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode market seeds: %w", err)
	}

	normalizeSeeds(doc.Markets)
	if err := validateSeeds(doc.Markets); err != nil {
		return nil, err
	}
	return doc.Markets, nil
}

func normalizeSeeds(seeds []MarketSeed) {
	for i := range seeds {
		seeds[i].Symbol = lending.NormalizeSymbol(seeds[i].Symbol)
		seeds[i].InitialLiquidity = strings.TrimSpace(seeds[i].InitialLiquidity)
	}
}

func validateSeeds(seeds []MarketSeed) error {
	if len(seeds) == 0 {
		return fmt.Errorf("market seeds: at least one market required")
	}
	seen := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		if seed.Symbol == "" {
			return fmt.Errorf("market seeds: symbol required")
		}
		if _, dup := seen[seed.Symbol]; dup {
			return fmt.Errorf("market seeds: duplicate symbol %s", seed.Symbol)
		}
		seen[seed.Symbol] = struct{}{}
		if seed.CollateralFactorBps > 10_000 {
			return fmt.Errorf("market seeds: %s collateral_factor_bps above 10000", seed.Symbol)
		}
		if seed.ReserveFactorBps > 10_000 {
			return fmt.Errorf("market seeds: %s reserve_factor_bps above 10000", seed.Symbol)
		}
		if seed.InitialLiquidity != "" {
			amount, ok := new(big.Int).SetString(seed.InitialLiquidity, 10)
			if !ok || amount.Sign() < 0 {
				return fmt.Errorf("market seeds: %s initial_liquidity must be a non-negative integer", seed.Symbol)
			}
		}
	}
	return nil
}

// LiquidityAmount parses InitialLiquidity into base units; nil when unset.
func (s MarketSeed) LiquidityAmount() *big.Int {
	raw := strings.TrimSpace(s.InitialLiquidity)
	if raw == "" {
		return nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return amount
}

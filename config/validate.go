package config

import (
	"fmt"
	"math/big"
	"strings"

	"lendex/crypto"
	"lendex/observability/logging"
)

var (
	// MinOracleMaxAgeSeconds guards against staleness windows so short that
	// every quote expires between accruals.
	MinOracleMaxAgeSeconds = uint64(5)
)

var knownOracleFeeds = map[string]struct{}{
	"static":    {},
	"coingecko": {},
}

// ValidateConfig rejects configurations that parse but cannot run: malformed
// addresses, unsound risk parameters, unparseable rate curves and the like.
// It never touches the filesystem.
func ValidateConfig(c *Config) error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if addr := strings.TrimSpace(c.VaultAddress); addr != "" {
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("config: invalid VaultAddress: %w", err)
		}
	}
	if addr := strings.TrimSpace(c.AdminAddress); addr != "" {
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("config: invalid AdminAddress: %w", err)
		}
	}
	if c.RPCReadHeaderTimeout < 0 || c.RPCReadTimeout < 0 || c.RPCWriteTimeout < 0 || c.RPCIdleTimeout < 0 {
		return fmt.Errorf("rpc: negative timeout")
	}
	if c.RPCMaxConns < 0 {
		return fmt.Errorf("rpc: RPCMaxConns negative")
	}

	if _, err := c.Risk.Parameters(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if _, err := c.Interest.Model(); err != nil {
		return fmt.Errorf("interest: %w", err)
	}

	if c.Oracle.MaxAgeSeconds < MinOracleMaxAgeSeconds {
		return fmt.Errorf("oracle: MaxAgeSeconds below minimum %d", MinOracleMaxAgeSeconds)
	}
	for _, feed := range c.Oracle.Priority {
		if _, ok := knownOracleFeeds[strings.ToLower(strings.TrimSpace(feed))]; !ok {
			return fmt.Errorf("oracle: unknown feed %q in Priority", feed)
		}
	}
	for symbol, rawRate := range c.Oracle.Static.Prices {
		rate, ok := new(big.Rat).SetString(strings.TrimSpace(rawRate))
		if !ok || rate.Sign() <= 0 {
			return fmt.Errorf("oracle: static price for %s must be a positive decimal", symbol)
		}
	}
	for symbol, id := range c.Oracle.CoinGecko.Assets {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("oracle: coingecko asset id missing for %s", symbol)
		}
	}

	if c.Audit.MaxSizeMB < 0 || c.Audit.MaxBackups < 0 || c.Audit.MaxAgeDays < 0 {
		return fmt.Errorf("audit: negative rotation limit")
	}

	driver := strings.ToLower(strings.TrimSpace(c.Reports.Driver))
	if driver != "sqlite" && driver != "postgres" {
		return fmt.Errorf("reports: unsupported Driver %q", c.Reports.Driver)
	}
	if driver == "postgres" && strings.TrimSpace(c.Reports.DSN) == "" {
		return fmt.Errorf("reports: postgres Driver requires DSN")
	}

	if c.Gateway.Enabled && c.Gateway.AuthEnabled && !c.Gateway.AllowAnonymous {
		if strings.TrimSpace(c.Gateway.JWTSecretEnv) == "" && strings.TrimSpace(c.Gateway.JWTSecretFile) == "" {
			return fmt.Errorf("gateway: authentication enabled without a JWT secret source")
		}
	}
	for group, limit := range c.Gateway.RateLimits {
		if limit.RatePerSecond < 0 || limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("gateway: negative rate limit for %q", group)
		}
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio outside [0, 1]")
	}
	return nil
}

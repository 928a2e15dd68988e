package config

import (
	"strings"
	"time"

	"lendex/native/lending"
)

// RiskConfig mirrors the engine risk parameters in file form.
type RiskConfig struct {
	MinCollateralRatioBps  uint64 `toml:"MinCollateralRatioBps"`
	LiquidationDiscountBps uint64 `toml:"LiquidationDiscountBps"`
}

func defaultRiskConfig() RiskConfig {
	params := lending.DefaultRiskParameters()
	return RiskConfig{
		MinCollateralRatioBps:  params.MinCollateralRatioBps,
		LiquidationDiscountBps: params.LiquidationDiscountBps,
	}
}

// Parameters converts the section into engine risk parameters, rejecting
// combinations that would make liquidation unsound.
func (c RiskConfig) Parameters() (lending.RiskParameters, error) {
	params := lending.RiskParameters{
		MinCollateralRatioBps:  c.MinCollateralRatioBps,
		LiquidationDiscountBps: c.LiquidationDiscountBps,
	}
	if err := params.Validate(); err != nil {
		return lending.RiskParameters{}, err
	}
	return params, nil
}

// InterestConfig holds the rate curve as decimal strings, e.g. "0.02" for a
// 2% base APR.
type InterestConfig struct {
	BaseRate string `toml:"BaseRate"`
	Slope1   string `toml:"Slope1"`
	Slope2   string `toml:"Slope2"`
	Kink     string `toml:"Kink"`
}

func defaultInterestConfig() InterestConfig {
	return InterestConfig{BaseRate: "0.02", Slope1: "0.15", Slope2: "0", Kink: "0"}
}

// Model parses the curve into an interest model.
func (c InterestConfig) Model() (*lending.InterestModel, error) {
	return lending.NewInterestModel(c.BaseRate, c.Slope1, c.Slope2, c.Kink)
}

// OracleConfig wires the price feeds consulted before borrow, withdraw and
// liquidation decisions.
type OracleConfig struct {
	// MaxAgeSeconds bounds quote staleness; older quotes are treated as
	// missing.
	MaxAgeSeconds uint64   `toml:"MaxAgeSeconds"`
	Priority      []string `toml:"Priority"`

	Static    StaticOracleConfig    `toml:"static"`
	CoinGecko CoinGeckoOracleConfig `toml:"coingecko"`
}

// StaticOracleConfig pins prices for test networks and fixtures. Keys are
// asset symbols, values decimal USD rates.
type StaticOracleConfig struct {
	Prices map[string]string `toml:"Prices"`
}

// CoinGeckoOracleConfig maps asset symbols to CoinGecko asset identifiers.
type CoinGeckoOracleConfig struct {
	Endpoint   string            `toml:"Endpoint"`
	VsCurrency string            `toml:"VsCurrency"`
	Assets     map[string]string `toml:"Assets"`
}

// Enabled reports whether the feed has any assets to poll.
func (c CoinGeckoOracleConfig) Enabled() bool {
	return len(c.Assets) > 0
}

func defaultOracleConfig() OracleConfig {
	return OracleConfig{
		MaxAgeSeconds: 300,
		Priority:      []string{"static", "coingecko"},
	}
}

func (c *OracleConfig) applyDefaults() {
	if c.MaxAgeSeconds == 0 {
		c.MaxAgeSeconds = 300
	}
	if len(c.Priority) == 0 {
		c.Priority = []string{"static", "coingecko"}
	}
	if strings.TrimSpace(c.CoinGecko.VsCurrency) == "" {
		c.CoinGecko.VsCurrency = "usd"
	}
}

// MaxAge returns the staleness bound as a duration.
func (c OracleConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// JournalConfig locates the sqlite event journal.
type JournalConfig struct {
	Path string `toml:"Path"`
}

func defaultJournalConfig() JournalConfig {
	return JournalConfig{Path: "journal.db"}
}

func (c *JournalConfig) applyDefaults() {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "journal.db"
	}
}

// ReplayConfig locates the bbolt idempotency cache and bounds how long a
// request key blocks replays.
type ReplayConfig struct {
	Path       string `toml:"Path"`
	TTLSeconds uint64 `toml:"TTLSeconds"`
}

func defaultReplayConfig() ReplayConfig {
	return ReplayConfig{Path: "replay.db", TTLSeconds: 86_400}
}

func (c *ReplayConfig) applyDefaults() {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "replay.db"
	}
	if c.TTLSeconds == 0 {
		c.TTLSeconds = 86_400
	}
}

// TTL returns the replay retention window as a duration.
func (c ReplayConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// AuditConfig controls the rotating operator audit log. An empty Path leaves
// the trail disabled; the sqlite journal remains the record of truth either
// way.
type AuditConfig struct {
	Path       string `toml:"Path"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// Enabled reports whether an audit trail is configured.
func (c AuditConfig) Enabled() bool {
	return strings.TrimSpace(c.Path) != ""
}

// ReportsConfig controls the reconciliation store and export cadence.
type ReportsConfig struct {
	// Driver selects the reports database: "sqlite" or "postgres".
	Driver          string `toml:"Driver"`
	DSN             string `toml:"DSN"`
	OutputDir       string `toml:"OutputDir"`
	IntervalSeconds uint64 `toml:"IntervalSeconds"`
	// WebhookURL receives signed reconciliation and pause alerts. Empty
	// leaves webhook delivery disabled.
	WebhookURL       string `toml:"WebhookURL"`
	WebhookSecretEnv string `toml:"WebhookSecretEnv"`
}

func defaultReportsConfig() ReportsConfig {
	return ReportsConfig{
		Driver:          "sqlite",
		DSN:             "reports.db",
		OutputDir:       "reports",
		IntervalSeconds: 3_600,
	}
}

func (c *ReportsConfig) applyDefaults() {
	if strings.TrimSpace(c.Driver) == "" {
		c.Driver = "sqlite"
	}
	if strings.TrimSpace(c.DSN) == "" && strings.EqualFold(c.Driver, "sqlite") {
		c.DSN = "reports.db"
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = "reports"
	}
	if c.IntervalSeconds == 0 {
		c.IntervalSeconds = 3_600
	}
	if strings.TrimSpace(c.WebhookSecretEnv) == "" {
		c.WebhookSecretEnv = "LENDEX_WEBHOOK_SECRET"
	}
}

// Interval returns the reconciliation cadence as a duration.
func (c ReportsConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// WebhookEnabled reports whether alert deliveries are configured.
func (c ReportsConfig) WebhookEnabled() bool {
	return strings.TrimSpace(c.WebhookURL) != ""
}

// GatewayConfig controls the REST gateway in front of the node RPC.
type GatewayConfig struct {
	Enabled        bool     `toml:"Enabled"`
	AuthEnabled    bool     `toml:"AuthEnabled"`
	AllowAnonymous bool     `toml:"AllowAnonymous"`
	JWTSecretEnv   string   `toml:"JWTSecretEnv"`
	JWTSecretFile  string   `toml:"JWTSecretFile"`
	Issuer         string   `toml:"Issuer"`
	Audience       string   `toml:"Audience"`
	AdminScopes    []string `toml:"AdminScopes"`
	AllowedOrigins []string `toml:"AllowedOrigins"`
	ReadTimeout    int      `toml:"ReadTimeout"`
	WriteTimeout   int      `toml:"WriteTimeout"`
	IdleTimeout    int      `toml:"IdleTimeout"`

	RateLimits map[string]RateLimitConfig `toml:"ratelimits"`
}

// RateLimitConfig budgets one gateway route group. RatePerSecond wins over
// RequestsPerMinute when both are set.
type RateLimitConfig struct {
	RatePerSecond     float64 `toml:"RatePerSecond"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

func defaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AuthEnabled:  true,
		JWTSecretEnv: "LENDEX_GATEWAY_SECRET",
		Issuer:       "lendex-gateway",
		Audience:     "lendex",
		AdminScopes:  []string{"lend:admin"},
	}
}

func (c *GatewayConfig) applyDefaults() {
	if strings.TrimSpace(c.JWTSecretEnv) == "" {
		c.JWTSecretEnv = "LENDEX_GATEWAY_SECRET"
	}
	if strings.TrimSpace(c.Issuer) == "" {
		c.Issuer = "lendex-gateway"
	}
	if strings.TrimSpace(c.Audience) == "" {
		c.Audience = "lendex"
	}
	if len(c.AdminScopes) == 0 {
		c.AdminScopes = []string{"lend:admin"}
	}
}

// TelemetryConfig controls the OTLP exporters. An empty endpoint leaves
// telemetry disabled.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// Enabled reports whether any exporter is configured.
func (c TelemetryConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != "" && (c.Metrics || c.Traces)
}

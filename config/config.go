package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lendex/crypto"

	"github.com/BurntSushi/toml"
)

// ErrPassphraseRequired marks Load failures that a retry with
// WithKeystorePassphrase resolves. Steady-state loads, where the keystores and
// derived addresses are already on disk, never need one.
var ErrPassphraseRequired = errors.New("config: keystore passphrase required")

// Config is the root lendexd configuration, decoded from TOML. Root keys
// cover the process surface; module settings live in lower-case sections.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	GatewayAddress string `toml:"GatewayAddress"`
	DataDir        string `toml:"DataDir"`
	NetworkName    string `toml:"NetworkName"`
	Environment    string `toml:"Environment"`
	LogLevel       string `toml:"LogLevel"`
	MarketSeedFile string `toml:"MarketSeedFile"`

	// VaultKeystorePath holds the key controlling the pool treasury; the
	// admin keystore gates market listing, reserve withdrawal and pause
	// control. Both are generated on first start when a passphrase is
	// supplied.
	VaultKeystorePath string `toml:"VaultKeystorePath"`
	AdminKeystorePath string `toml:"AdminKeystorePath"`
	VaultAddress      string `toml:"VaultAddress"`
	AdminAddress      string `toml:"AdminAddress"`

	RPCTrustedProxies    []string `toml:"RPCTrustedProxies"`
	RPCTrustProxyHeaders bool     `toml:"RPCTrustProxyHeaders"`
	RPCReadHeaderTimeout int      `toml:"RPCReadHeaderTimeout"`
	RPCReadTimeout       int      `toml:"RPCReadTimeout"`
	RPCWriteTimeout      int      `toml:"RPCWriteTimeout"`
	RPCIdleTimeout       int      `toml:"RPCIdleTimeout"`
	RPCMaxConns          int      `toml:"RPCMaxConns"`

	Risk      RiskConfig      `toml:"risk"`
	Interest  InterestConfig  `toml:"interest"`
	Oracle    OracleConfig    `toml:"oracle"`
	Journal   JournalConfig   `toml:"journal"`
	Replay    ReplayConfig    `toml:"replay"`
	Audit     AuditConfig     `toml:"audit"`
	Reports   ReportsConfig   `toml:"reports"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// Option adjusts how Load materialises a configuration.
type Option func(*loadOptions)

type loadOptions struct {
	keystorePassphrase string
}

// WithKeystorePassphrase supplies the passphrase used to create or decrypt
// the vault and admin keystores during Load.
func WithKeystorePassphrase(passphrase string) Option {
	return func(o *loadOptions) {
		o.keystorePassphrase = passphrase
	}
}

// Load loads the configuration from the given path, creating a default file
// plus fresh keystores when none exists yet.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	// A typo under [risk] or [interest] would silently fall back to
	// defaults and change solvency behaviour, so unknown keys there are
	// fatal rather than ignored.
	for _, undecoded := range meta.Undecoded() {
		key := undecoded.String()
		if strings.HasPrefix(key, "risk.") || strings.HasPrefix(key, "interest.") {
			return nil, fmt.Errorf("config file %s contains unknown key %s", path, key)
		}
	}

	if err := ensureKeystores(path, cfg, options); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ensureKeystores(configPath string, cfg *Config, opts loadOptions) error {
	changed := false

	ensure := func(ksPath, addr *string, label, filename string) error {
		resolved := strings.TrimSpace(*ksPath)
		if resolved == "" {
			resolved = defaultKeystorePath(configPath, filename)
			*ksPath = resolved
			changed = true
		}
		if _, err := os.Stat(resolved); os.IsNotExist(err) {
			if strings.TrimSpace(*addr) != "" {
				// Regenerating here would rotate the account out from
				// under any balances it already holds.
				return fmt.Errorf("config: %s keystore missing for configured address %s; restore %s or clear the address", label, *addr, resolved)
			}
			if opts.keystorePassphrase == "" {
				return fmt.Errorf("%w to create the %s keystore", ErrPassphraseRequired, label)
			}
			key, genErr := crypto.GeneratePrivateKey()
			if genErr != nil {
				return genErr
			}
			if err := crypto.SaveToKeystore(resolved, key, opts.keystorePassphrase); err != nil {
				return err
			}
			*addr = key.PubKey().Address().String()
			changed = true
			return nil
		} else if err != nil {
			return err
		}
		if strings.TrimSpace(*addr) == "" {
			if opts.keystorePassphrase == "" {
				return fmt.Errorf("%w to derive the %s address from %s", ErrPassphraseRequired, label, resolved)
			}
			key, err := crypto.LoadFromKeystore(resolved, opts.keystorePassphrase)
			if err != nil {
				return err
			}
			*addr = key.PubKey().Address().String()
			changed = true
		}
		return nil
	}

	if err := ensure(&cfg.VaultKeystorePath, &cfg.VaultAddress, "vault", "vault.keystore"); err != nil {
		return err
	}
	if err := ensure(&cfg.AdminKeystorePath, &cfg.AdminAddress, "admin", "admin.keystore"); err != nil {
		return err
	}

	if changed {
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file along with the
// vault and admin keystores.
func createDefault(path string, opts loadOptions) (*Config, error) {
	if opts.keystorePassphrase == "" {
		return nil, fmt.Errorf("%w to create the default configuration", ErrPassphraseRequired)
	}

	vaultKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	adminKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	cfg.VaultKeystorePath = defaultKeystorePath(path, "vault.keystore")
	cfg.AdminKeystorePath = defaultKeystorePath(path, "admin.keystore")
	if err := crypto.SaveToKeystore(cfg.VaultKeystorePath, vaultKey, opts.keystorePassphrase); err != nil {
		return nil, err
	}
	if err := crypto.SaveToKeystore(cfg.AdminKeystorePath, adminKey, opts.keystorePassphrase); err != nil {
		return nil, err
	}
	cfg.VaultAddress = vaultKey.PubKey().Address().String()
	cfg.AdminAddress = adminKey.PubKey().Address().String()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		RPCAddress:     ":8080",
		GatewayAddress: ":8081",
		DataDir:        "./lendex-data",
		NetworkName:    "lendex-local",
		Environment:    "dev",
		LogLevel:       "info",
		Risk:           defaultRiskConfig(),
		Interest:       defaultInterestConfig(),
		Oracle:         defaultOracleConfig(),
		Journal:        defaultJournalConfig(),
		Replay:         defaultReplayConfig(),
		Reports:        defaultReportsConfig(),
		Gateway:        defaultGatewayConfig(),
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.GatewayAddress) == "" {
		cfg.GatewayAddress = ":8081"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./lendex-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "lendex-local"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RPCTrustedProxies == nil {
		cfg.RPCTrustedProxies = []string{}
	}
	if cfg.Risk == (RiskConfig{}) {
		cfg.Risk = defaultRiskConfig()
	}
	if cfg.Interest == (InterestConfig{}) {
		cfg.Interest = defaultInterestConfig()
	}
	cfg.Oracle.applyDefaults()
	cfg.Journal.applyDefaults()
	cfg.Replay.applyDefaults()
	cfg.Reports.applyDefaults()
	cfg.Gateway.applyDefaults()
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath, filename string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, filename)
}

// resolvePath anchors relative paths under DataDir so a deployment stays
// self-contained; absolute paths pass through untouched.
func (c *Config) resolvePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if filepath.IsAbs(raw) {
		return raw
	}
	return filepath.Join(c.DataDir, raw)
}

// StatePath is the leveldb directory backing ledger state.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state")
}

// JournalPath is the sqlite event journal location.
func (c *Config) JournalPath() string {
	return c.resolvePath(c.Journal.Path)
}

// ReplayPath is the bbolt idempotency cache location.
func (c *Config) ReplayPath() string {
	return c.resolvePath(c.Replay.Path)
}

// AuditPath is the rotating audit log location; empty disables the trail.
func (c *Config) AuditPath() string {
	return c.resolvePath(c.Audit.Path)
}

// ReportsOutputDir is where reconciliation exports land.
func (c *Config) ReportsOutputDir() string {
	return c.resolvePath(c.Reports.OutputDir)
}

// ReportsDSN resolves the reports store location. SQLite paths are anchored
// under DataDir; postgres DSNs pass through untouched.
func (c *Config) ReportsDSN() string {
	if strings.EqualFold(strings.TrimSpace(c.Reports.Driver), "postgres") {
		return c.Reports.DSN
	}
	return c.resolvePath(c.Reports.DSN)
}

// MarketSeedPath is the YAML market seed file, when configured. Relative
// paths resolve against the working directory rather than DataDir so seeds
// can ship beside the config file.
func (c *Config) MarketSeedPath() string {
	return strings.TrimSpace(c.MarketSeedFile)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lendex/cmd/internal/passphrase"
	"lendex/config"
	"lendex/core"
	"lendex/core/events"
	"lendex/crypto"
	"lendex/gateway"
	"lendex/gateway/middleware"
	"lendex/integrations/webhooks"
	"lendex/native/lending"
	"lendex/observability"
	"lendex/observability/logging"
	telemetry "lendex/observability/otel"
	"lendex/oracle"
	"lendex/reports"
	"lendex/rpc"
	"lendex/storage"
	"lendex/storage/journal"
)

const (
	keystorePassEnv = "LENDEX_KEYSTORE_PASS"
	environmentEnv  = "LENDEX_ENV"
	rpcTokenEnv     = "LENDEX_RPC_TOKEN"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv(environmentEnv))
	if env == "" {
		env = cfg.Environment
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}
	logger := logging.Setup("lendexd", env, level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled() {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "lendexd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	db, err := storage.NewLevelDB(cfg.StatePath())
	if err != nil {
		panic(fmt.Sprintf("Failed to open state database: %v", err))
	}
	defer db.Close()

	eventJournal, err := journal.Open(cfg.JournalPath())
	if err != nil {
		panic(fmt.Sprintf("Failed to open event journal: %v", err))
	}
	defer eventJournal.Close()

	replayCache, err := storage.NewReplayCache(cfg.ReplayPath(), cfg.Replay.TTL())
	if err != nil {
		panic(fmt.Sprintf("Failed to open replay cache: %v", err))
	}
	defer replayCache.Close()

	vault := crypto.MustDecodeAddress(cfg.VaultAddress)
	admin := crypto.MustDecodeAddress(cfg.AdminAddress)

	node := core.NewNode(storage.NewState(db), vault, admin)
	node.SetLogger(logger)
	node.SetJournal(eventJournal)
	node.AddSink(observability.NewMetricsSink())

	riskParams, err := cfg.Risk.Parameters()
	if err != nil {
		panic(fmt.Sprintf("Failed to parse risk parameters: %v", err))
	}
	node.SetRiskParameters(riskParams)

	interestModel, err := cfg.Interest.Model()
	if err != nil {
		panic(fmt.Sprintf("Failed to parse interest model: %v", err))
	}
	node.SetInterestModel(interestModel)

	if cfg.Audit.Enabled() {
		auditLog, auditCloser, err := logging.NewAuditLogger(logging.AuditConfig{
			Path:       cfg.AuditPath(),
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		})
		if err != nil {
			panic(fmt.Sprintf("Failed to open audit log: %v", err))
		}
		defer auditCloser.Close()
		node.AddSink(observability.NewAuditSink(auditLog))
	}

	var alertDispatcher *webhooks.Dispatcher
	if cfg.Reports.WebhookEnabled() {
		secret := strings.TrimSpace(os.Getenv(cfg.Reports.WebhookSecretEnv))
		if secret == "" {
			logger.Error("webhook alerts enabled but signing secret is unset",
				slog.String("env", cfg.Reports.WebhookSecretEnv))
			os.Exit(1)
		}
		alertDispatcher, err = webhooks.NewDispatcher(cfg.Reports.WebhookURL, []byte(secret))
		if err != nil {
			logger.Error("failed to initialise webhook dispatcher", slog.Any("error", err))
			os.Exit(1)
		}
		defer alertDispatcher.Close()
		node.AddSink(pauseAlertSink{dispatcher: alertDispatcher, network: cfg.NetworkName, log: logger})
	}

	manualFeed := oracle.NewManualOracle()
	if err := stampStaticPrices(manualFeed, cfg.Oracle.Static.Prices); err != nil {
		panic(fmt.Sprintf("Failed to load static oracle prices: %v", err))
	}
	priceFeeds := oracle.NewAggregator(cfg.Oracle.Priority, cfg.Oracle.MaxAge())
	priceFeeds.Register("static", manualFeed)
	if cfg.Oracle.CoinGecko.Enabled() {
		priceFeeds.Register("coingecko", oracle.NewCoinGeckoOracle(
			nil,
			cfg.Oracle.CoinGecko.Endpoint,
			cfg.Oracle.CoinGecko.VsCurrency,
			cfg.Oracle.CoinGecko.Assets,
		))
	}
	node.SetOracle(priceFeeds)
	if len(cfg.Oracle.Static.Prices) > 0 {
		go refreshStaticPrices(ctx, manualFeed, cfg.Oracle.Static.Prices, cfg.Oracle.MaxAge(), logger)
	}

	if seedPath := cfg.MarketSeedPath(); seedPath != "" {
		if err := applyMarketSeeds(node, admin, seedPath, logger); err != nil {
			panic(fmt.Sprintf("Failed to apply market seeds: %v", err))
		}
	}

	rpcServer := rpc.NewServer(node, replayCache, rpc.ServerConfig{
		TrustProxyHeaders: cfg.RPCTrustProxyHeaders,
		TrustedProxies:    append([]string{}, cfg.RPCTrustedProxies...),
		MaxConns:          cfg.RPCMaxConns,
		ReadHeaderTimeout: time.Duration(cfg.RPCReadHeaderTimeout) * time.Second,
		ReadTimeout:       time.Duration(cfg.RPCReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPCWriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.RPCIdleTimeout) * time.Second,
	})
	rpcServer.SetLogger(logger)

	rpcErrCh := make(chan error, 1)
	go func() {
		err := rpcServer.Start(cfg.RPCAddress)
		rpcErrCh <- err
		close(rpcErrCh)
	}()
	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("JSON-RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	var gatewayServer *gateway.Server
	gatewayErrCh := make(chan error, 1)
	if cfg.Gateway.Enabled {
		gatewayServer, err = buildGateway(cfg, env, node, logger)
		if err != nil {
			logger.Error("failed to initialise gateway", slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			err := gatewayServer.Start()
			gatewayErrCh <- err
			close(gatewayErrCh)
		}()
	}

	if interval := cfg.Reports.Interval(); interval > 0 {
		reportsDB, err := reports.Open(cfg.Reports.Driver, cfg.ReportsDSN())
		if err != nil {
			panic(fmt.Sprintf("Failed to open reports database: %v", err))
		}
		reconCfg := reports.Config{
			DB:        reportsDB,
			Ledger:    nodeLedger{node: node},
			Journal:   eventJournal,
			Network:   cfg.NetworkName,
			OutputDir: cfg.ReportsOutputDir(),
			Log:       logger,
		}
		if alertDispatcher != nil {
			reconCfg.Alert = reconAlert(alertDispatcher, cfg.NetworkName)
		}
		reconciler, err := reports.NewReconciler(reconCfg)
		if err != nil {
			panic(fmt.Sprintf("Failed to initialise reconciler: %v", err))
		}
		go runReconciler(ctx, reconciler, interval, logger)
	}

	logger.Info("lendex node initialised and running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-rpcErrCh:
		if ok && err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("JSON-RPC server terminated", slog.Any("error", err))
		}
	case err, ok := <-gatewayErrCh:
		if ok && err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway terminated", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if gatewayServer != nil {
		if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("gateway shutdown failed", slog.Any("error", err))
		}
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("JSON-RPC shutdown failed", slog.Any("error", err))
	}
}

// loadConfig loads the configuration, prompting for the keystore passphrase
// only when the config actually needs one (first boot, or an address that has
// to be derived from an existing keystore).
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, config.ErrPassphraseRequired) {
		return nil, err
	}
	source := passphrase.NewSource("keystore passphrase", keystorePassEnv)
	secret, passErr := source.Get()
	if passErr != nil {
		return nil, fmt.Errorf("%w (%v)", err, passErr)
	}
	return config.Load(path, config.WithKeystorePassphrase(secret))
}

func stampStaticPrices(feed *oracle.ManualOracle, prices map[string]string) error {
	now := time.Now()
	for symbol, price := range prices {
		if err := feed.SetDecimal(symbol, price, now); err != nil {
			return fmt.Errorf("static price for %s: %w", symbol, err)
		}
	}
	return nil
}

// refreshStaticPrices re-stamps configured fixed prices so they stay inside
// the aggregator's freshness window.
func refreshStaticPrices(ctx context.Context, feed *oracle.ManualOracle, prices map[string]string, maxAge time.Duration, log *slog.Logger) {
	interval := maxAge / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stampStaticPrices(feed, prices); err != nil {
				log.Error("static price refresh failed", slog.Any("error", err))
			}
		}
	}
}

// applyMarketSeeds lists any market from the seed file that is not in state
// yet. Initial liquidity is minted to the admin account and supplied into the
// market, so the vault's cash stays consistent with the market totals.
func applyMarketSeeds(node *core.Node, admin crypto.Address, path string, log *slog.Logger) error {
	seeds, err := config.LoadMarketSeeds(path)
	if err != nil {
		return err
	}
	listed := 0
	for _, seed := range seeds {
		if _, err := node.LendingGetMarket(seed.Symbol); err == nil {
			continue
		} else if !errors.Is(err, lending.ErrState) {
			return fmt.Errorf("check market %s: %w", seed.Symbol, err)
		}
		if _, err := node.LendingListMarket(admin, seed.Symbol, seed.CollateralFactorBps, seed.ReserveFactorBps); err != nil {
			return fmt.Errorf("list market %s: %w", seed.Symbol, err)
		}
		listed++
		amount := seed.LiquidityAmount()
		if amount == nil || amount.Sign() <= 0 {
			continue
		}
		if err := node.BankMint(admin, seed.Symbol, admin, amount); err != nil {
			return fmt.Errorf("mint seed liquidity for %s: %w", seed.Symbol, err)
		}
		if _, err := node.LendingSupply(admin, seed.Symbol, amount); err != nil {
			return fmt.Errorf("supply seed liquidity for %s: %w", seed.Symbol, err)
		}
	}
	if listed > 0 {
		log.Info("market seeds applied", slog.Int("listed", listed), slog.String("file", path))
	}
	return nil
}

func buildGateway(cfg *config.Config, env string, node *core.Node, log *slog.Logger) (*gateway.Server, error) {
	secret := ""
	if cfg.Gateway.AuthEnabled {
		resolved, err := gatewaySecret(cfg.Gateway)
		if err != nil {
			if !cfg.Gateway.AllowAnonymous {
				return nil, err
			}
			log.Warn("gateway JWT secret unavailable; only anonymous routes will be served", slog.Any("error", err))
		}
		secret = resolved
	}

	// With anonymous access on, the lending group stays open while admin
	// routes keep requiring a scoped token.
	var optionalPaths []string
	if cfg.Gateway.AllowAnonymous {
		optionalPaths = []string{"/v1/lending"}
	}

	rateLimits := make(map[string]middleware.RateLimit, len(cfg.Gateway.RateLimits))
	for id, entry := range cfg.Gateway.RateLimits {
		rateLimits[id] = middleware.RateLimit{
			RatePerSecond:     entry.RatePerSecond,
			RequestsPerMinute: entry.RequestsPerMinute,
			Burst:             entry.Burst,
		}
	}
	if len(rateLimits) == 0 {
		rateLimits["lending"] = middleware.RateLimit{RatePerSecond: 5, Burst: 20}
		rateLimits["admin"] = middleware.RateLimit{RatePerSecond: 1, Burst: 5}
	}

	origins := cfg.Gateway.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	ready := func() error {
		_, err := node.LendingListMarkets()
		return err
	}

	return gateway.NewServer(gateway.Config{
		ListenAddress: cfg.GatewayAddress,
		NodeRPCURL:    nodeRPCURL(cfg.RPCAddress),
		NodeRPCToken:  strings.TrimSpace(os.Getenv(rpcTokenEnv)),
		AdminScopes:   cfg.Gateway.AdminScopes,
		Auth: middleware.AuthConfig{
			Enabled:        cfg.Gateway.AuthEnabled,
			HMACSecret:     secret,
			Issuer:         cfg.Gateway.Issuer,
			Audience:       cfg.Gateway.Audience,
			AllowAnonymous: cfg.Gateway.AllowAnonymous,
			OptionalPaths:  optionalPaths,
		},
		RateLimits: rateLimits,
		CORS: middleware.CORSConfig{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		},
		Observability: middleware.ObservabilityConfig{
			ServiceName:   "lendex-gateway",
			MetricsPrefix: "lendex_gateway",
			LogRequests:   strings.EqualFold(env, "dev"),
			Enabled:       true,
		},
		ReadTimeout:  time.Duration(cfg.Gateway.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Gateway.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Gateway.IdleTimeout) * time.Second,
	}, ready, log)
}

// gatewaySecret resolves the JWT signing secret, preferring an explicit file
// over the environment-or-prompt source.
func gatewaySecret(cfg config.GatewayConfig) (string, error) {
	if file := strings.TrimSpace(cfg.JWTSecretFile); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read gateway JWT secret file: %w", err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("gateway JWT secret file %s is empty", file)
		}
		return secret, nil
	}
	return passphrase.NewSource("gateway JWT secret", cfg.JWTSecretEnv).Get()
}

// pauseAlertSink forwards pause flips from the journal to the webhook
// dispatcher. All other entry types are ignored.
type pauseAlertSink struct {
	dispatcher *webhooks.Dispatcher
	network    string
	log        *slog.Logger
}

func (s pauseAlertSink) OnEntry(entry journal.Entry) {
	if entry.Type != events.TypePauseUpdated {
		return
	}
	paused, err := strconv.ParseBool(entry.Attributes["paused"])
	if err != nil {
		s.log.Warn("pause event carried a malformed attribute",
			slog.String("value", entry.Attributes["paused"]))
		return
	}
	if err := s.dispatcher.EnqueuePauseUpdated(webhooks.PauseUpdatedPayload{
		Network:   s.network,
		Paused:    paused,
		ChangedAt: time.Unix(entry.CreatedAt, 0).UTC(),
	}); err != nil {
		s.log.Warn("pause webhook enqueue failed", slog.Any("error", err))
	}
}

// reconAlert adapts reconciliation anomalies to signed webhook deliveries.
func reconAlert(dispatcher *webhooks.Dispatcher, network string) reports.AlertFunc {
	return func(_ context.Context, anomaly reports.Anomaly) error {
		return dispatcher.EnqueueReconAnomaly(webhooks.ReconAnomalyPayload{
			Network:  network,
			Market:   anomaly.Symbol,
			Anomaly:  anomaly.Type,
			Expected: bigAmountString(anomaly.Expected),
			Actual:   bigAmountString(anomaly.Actual),
			Drift:    bigAmountString(anomaly.Drift),
			Details:  anomaly.Details,
		})
	}
}

func bigAmountString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

// nodeLedger adapts the node to the reconciler's read-only view.
type nodeLedger struct {
	node *core.Node
}

func (l nodeLedger) Markets() ([]*lending.Market, error) {
	return l.node.LendingListMarkets()
}

func (l nodeLedger) VaultBalance(symbol string) (*big.Int, error) {
	return l.node.BankBalanceOf(symbol, l.node.Vault())
}

func runReconciler(ctx context.Context, reconciler *reports.Reconciler, interval time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			_, err := reconciler.Run(runCtx, reports.RunOptions{})
			cancel()
			if err != nil {
				log.Error("reconciliation run failed", slog.Any("error", err))
			}
		}
	}
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("JSON-RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("JSON-RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("JSON-RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("JSON-RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for JSON-RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func nodeRPCURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

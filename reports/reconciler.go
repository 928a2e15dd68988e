package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"lendex/native/lending"
	"lendex/observability"
	"lendex/storage/journal"
)

// Anomaly types emitted by the reconciler.
const (
	AnomalyBorrowOverhang  = "borrow_exceeds_supply"
	AnomalyReserveOverflow = "reserve_overflow"
	AnomalyVaultDrift      = "vault_drift"
	AnomalySuppliedDrift   = "supplied_drift"
	AnomalyBorrowedDrift   = "borrowed_drift"
)

const journalPageSize = 500

// Ledger is the live accounting view the reconciler audits.
type Ledger interface {
	Markets() ([]*lending.Market, error)
	VaultBalance(symbol string) (*big.Int, error)
}

// JournalReader pages committed journal entries.
type JournalReader interface {
	After(ctx context.Context, cursor int64, limit int) ([]journal.Entry, error)
	Head(ctx context.Context) (int64, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	Ledger    Ledger
	Journal   JournalReader
	Network   string
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Log       *slog.Logger
}

// RunOptions specifies overrides when executing a reconciliation pass.
type RunOptions struct {
	DryRun bool
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type     string
	Symbol   string
	Expected *big.Int
	Actual   *big.Int
	Drift    *big.Int
	Details  string
}

// Result summarises a reconciliation run.
type Result struct {
	Run         ReportRun
	Snapshots   []MarketSnapshot
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// Reconciler audits every market against two independent records: the event
// journal's last reported aggregates and the vault's token balance. The vault
// check leans on the engine invariant that accrual moves supply and borrow
// totals by the same interest amount, so supplied minus borrowed always equals
// pool cash.
type Reconciler struct {
	db        *gorm.DB
	ledger    Ledger
	journal   JournalReader
	network   string
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	log       *slog.Logger
}

// NewReconciler builds a configured reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.DB == nil {
		return nil, errors.New("reports: db is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("reports: ledger is required")
	}
	if cfg.Journal == nil {
		return nil, errors.New("reports: journal is required")
	}
	network := strings.TrimSpace(cfg.Network)
	if network == "" {
		network = "lendex"
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = "reports"
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		db:        cfg.DB,
		ledger:    cfg.Ledger,
		journal:   cfg.Journal,
		network:   network,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		log:       log,
	}, nil
}

type journalTotals struct {
	supplied *big.Int
	borrowed *big.Int
}

// Run executes one reconciliation pass.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (result *Result, err error) {
	wallStart := time.Now()
	defer func() {
		observability.Reconciler().ObserveRun(time.Since(wallStart), err)
	}()

	startedAt := r.now()
	dryRun := r.dryRun || opts.DryRun

	markets, err := r.ledger.Markets()
	if err != nil {
		return nil, fmt.Errorf("reports: load markets: %w", err)
	}
	head, err := r.journal.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reports: journal head: %w", err)
	}
	totals, err := r.collectJournalTotals(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	snapshots := make([]MarketSnapshot, 0, len(markets))
	anomalies := make([]Anomaly, 0)

	for _, market := range markets {
		supplied := bigOrZero(market.TotalSupplied)
		borrowed := bigOrZero(market.TotalBorrowed)
		reserves := bigOrZero(market.Reserves)

		vaultBalance, balErr := r.ledger.VaultBalance(market.Symbol)
		if balErr != nil {
			return nil, fmt.Errorf("reports: vault balance for %s: %w", market.Symbol, balErr)
		}
		vaultBalance = bigOrZero(vaultBalance)

		marketAnomalies := r.checkMarket(ctx, market.Symbol, supplied, borrowed, reserves, vaultBalance, totals[market.Symbol])
		anomalies = append(anomalies, marketAnomalies...)

		journalSupplied, journalBorrowed := "", ""
		if jt, ok := totals[market.Symbol]; ok {
			if jt.supplied != nil {
				journalSupplied = jt.supplied.String()
			}
			if jt.borrowed != nil {
				journalBorrowed = jt.borrowed.String()
			}
		}

		snapshots = append(snapshots, MarketSnapshot{
			ID:              uuid.New(),
			RunID:           runID,
			Symbol:          market.Symbol,
			TotalSupplied:   supplied.String(),
			TotalBorrowed:   borrowed.String(),
			Reserves:        reserves.String(),
			VaultBalance:    vaultBalance.String(),
			JournalSupplied: journalSupplied,
			JournalBorrowed: journalBorrowed,
			SupplyIndex:     bigOrZero(market.SupplyIndex).String(),
			BorrowIndex:     bigOrZero(market.BorrowIndex).String(),
			UtilisationPPM:  utilisationPPM(borrowed, supplied),
			Anomalous:       len(marketAnomalies) > 0,
			CreatedAt:       startedAt,
		})
	}

	completedAt := r.now()
	status := StatusClean
	if len(anomalies) > 0 {
		status = StatusAnomalous
	}
	run := ReportRun{
		ID:           runID,
		NetworkName:  r.network,
		Status:       status,
		JournalHead:  head,
		MarketCount:  len(markets),
		AnomalyCount: len(anomalies),
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
	}

	result = &Result{Run: run, Snapshots: snapshots, Anomalies: anomalies}
	if dryRun {
		return result, nil
	}

	if err = r.persist(run, snapshots, anomalies); err != nil {
		return nil, err
	}

	runDir := filepath.Join(r.outputDir, runStamp(completedAt, runID))
	csvPath, parquetPath, exportErr := writeReportFiles(runDir, run, snapshots)
	if exportErr != nil {
		err = exportErr
		return nil, err
	}
	result.CSVPath = csvPath
	result.ParquetPath = parquetPath
	r.log.Info("reconciliation report written",
		"run", runID.String(),
		"status", status,
		"markets", len(markets),
		"anomalies", len(anomalies),
		"csv", csvPath,
		"parquet", parquetPath)
	return result, nil
}

// collectJournalTotals walks the journal and keeps the most recent aggregate
// each event reported per symbol.
func (r *Reconciler) collectJournalTotals(ctx context.Context) (map[string]journalTotals, error) {
	totals := make(map[string]journalTotals)
	cursor := int64(0)
	for {
		entries, err := r.journal.After(ctx, cursor, journalPageSize)
		if err != nil {
			return nil, fmt.Errorf("reports: page journal after %d: %w", cursor, err)
		}
		if len(entries) == 0 {
			return totals, nil
		}
		for _, entry := range entries {
			cursor = entry.Sequence
			symbol := strings.TrimSpace(entry.Attributes["symbol"])
			if symbol == "" {
				continue
			}
			jt := totals[symbol]
			if raw, ok := entry.Attributes["totalSupplied"]; ok {
				if value, parsed := new(big.Int).SetString(raw, 10); parsed {
					jt.supplied = value
				}
			}
			if raw, ok := entry.Attributes["totalBorrowed"]; ok {
				if value, parsed := new(big.Int).SetString(raw, 10); parsed {
					jt.borrowed = value
				}
			}
			totals[symbol] = jt
		}
	}
}

func (r *Reconciler) checkMarket(ctx context.Context, symbol string, supplied, borrowed, reserves, vaultBalance *big.Int, jt journalTotals) []Anomaly {
	anomalies := make([]Anomaly, 0)

	if borrowed.Cmp(supplied) > 0 {
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:     AnomalyBorrowOverhang,
			Symbol:   symbol,
			Expected: new(big.Int).Set(supplied),
			Actual:   new(big.Int).Set(borrowed),
			Drift:    new(big.Int).Sub(borrowed, supplied),
			Details:  fmt.Sprintf("%s borrows %s exceed supply %s", symbol, borrowed, supplied),
		}))
	}
	if reserves.Cmp(supplied) > 0 {
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:     AnomalyReserveOverflow,
			Symbol:   symbol,
			Expected: new(big.Int).Set(supplied),
			Actual:   new(big.Int).Set(reserves),
			Drift:    new(big.Int).Sub(reserves, supplied),
			Details:  fmt.Sprintf("%s reserves %s exceed supply %s", symbol, reserves, supplied),
		}))
	}

	expectedCash := new(big.Int).Sub(supplied, borrowed)
	if vaultBalance.Cmp(expectedCash) != 0 {
		drift := new(big.Int).Sub(vaultBalance, expectedCash)
		observability.Reconciler().RecordDrift(symbol, "vault", drift)
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:     AnomalyVaultDrift,
			Symbol:   symbol,
			Expected: expectedCash,
			Actual:   new(big.Int).Set(vaultBalance),
			Drift:    drift,
			Details:  fmt.Sprintf("%s vault holds %s, accounting expects %s", symbol, vaultBalance, expectedCash),
		}))
	}

	if jt.supplied != nil && jt.supplied.Cmp(supplied) != 0 {
		drift := new(big.Int).Sub(supplied, jt.supplied)
		observability.Reconciler().RecordDrift(symbol, "supplied", drift)
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:     AnomalySuppliedDrift,
			Symbol:   symbol,
			Expected: new(big.Int).Set(jt.supplied),
			Actual:   new(big.Int).Set(supplied),
			Drift:    drift,
			Details:  fmt.Sprintf("%s state supply %s disagrees with journal %s", symbol, supplied, jt.supplied),
		}))
	}
	if jt.borrowed != nil && jt.borrowed.Cmp(borrowed) != 0 {
		drift := new(big.Int).Sub(borrowed, jt.borrowed)
		observability.Reconciler().RecordDrift(symbol, "borrowed", drift)
		anomalies = append(anomalies, r.raise(ctx, Anomaly{
			Type:     AnomalyBorrowedDrift,
			Symbol:   symbol,
			Expected: new(big.Int).Set(jt.borrowed),
			Actual:   new(big.Int).Set(borrowed),
			Drift:    drift,
			Details:  fmt.Sprintf("%s state borrows %s disagree with journal %s", symbol, borrowed, jt.borrowed),
		}))
	}
	return anomalies
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.log.Error("reconciliation alert delivery failed",
				"type", anomaly.Type,
				"symbol", anomaly.Symbol,
				"error", err)
		}
	}
	return anomaly
}

func (r *Reconciler) persist(run ReportRun, snapshots []MarketSnapshot, anomalies []Anomaly) error {
	records := make([]AnomalyRecord, 0, len(anomalies))
	for _, anomaly := range anomalies {
		records = append(records, AnomalyRecord{
			ID:        uuid.New(),
			RunID:     run.ID,
			Symbol:    anomaly.Symbol,
			Type:      anomaly.Type,
			Expected:  amountString(anomaly.Expected),
			Actual:    amountString(anomaly.Actual),
			Drift:     amountString(anomaly.Drift),
			Details:   anomaly.Details,
			CreatedAt: run.CompletedAt,
		})
	}
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("reports: persist run: %w", err)
		}
		if len(snapshots) > 0 {
			if err := tx.Create(&snapshots).Error; err != nil {
				return fmt.Errorf("reports: persist snapshots: %w", err)
			}
		}
		if len(records) > 0 {
			if err := tx.Create(&records).Error; err != nil {
				return fmt.Errorf("reports: persist anomalies: %w", err)
			}
		}
		return nil
	})
}

func runStamp(completed time.Time, id uuid.UUID) string {
	return fmt.Sprintf("%s_%s", completed.UTC().Format("20060102T150405"), id.String()[:8])
}

func utilisationPPM(borrowed, supplied *big.Int) int64 {
	if supplied == nil || supplied.Sign() <= 0 || borrowed == nil || borrowed.Sign() <= 0 {
		return 0
	}
	ppm := new(big.Int).Mul(borrowed, big.NewInt(1_000_000))
	ppm.Quo(ppm, supplied)
	if !ppm.IsInt64() {
		return 0
	}
	return ppm.Int64()
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

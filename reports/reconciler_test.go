package reports

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"lendex/native/lending"
	"lendex/storage/journal"
)

type stubLedger struct {
	markets  []*lending.Market
	balances map[string]*big.Int
}

func (s *stubLedger) Markets() ([]*lending.Market, error) {
	return s.markets, nil
}

func (s *stubLedger) VaultBalance(symbol string) (*big.Int, error) {
	if balance, ok := s.balances[symbol]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

type stubJournal struct {
	entries []journal.Entry
}

func (s *stubJournal) After(_ context.Context, cursor int64, limit int) ([]journal.Entry, error) {
	out := make([]journal.Entry, 0, limit)
	for _, entry := range s.entries {
		if entry.Sequence <= cursor {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubJournal) Head(context.Context) (int64, error) {
	head := int64(0)
	for _, entry := range s.entries {
		if entry.Sequence > head {
			head = entry.Sequence
		}
	}
	return head, nil
}

func setupReportsDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "reports.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func balancedMarket() *lending.Market {
	return &lending.Market{
		Symbol:        "USDX",
		TotalSupplied: big.NewInt(1000),
		TotalBorrowed: big.NewInt(400),
		Reserves:      big.NewInt(50),
	}
}

func journalEntryFor(seq int64, symbol, supplied, borrowed string) journal.Entry {
	attrs := map[string]string{"symbol": symbol}
	if supplied != "" {
		attrs["totalSupplied"] = supplied
	}
	if borrowed != "" {
		attrs["totalBorrowed"] = borrowed
	}
	return journal.Entry{Sequence: seq, ID: "evt", Type: "lending.supply", Attributes: attrs}
}

func TestReconcilerCleanRunPersistsAndExports(t *testing.T) {
	db := setupReportsDB(t)
	outputDir := filepath.Join(t.TempDir(), "out")
	ledger := &stubLedger{
		markets:  []*lending.Market{balancedMarket()},
		balances: map[string]*big.Int{"USDX": big.NewInt(600)},
	}
	journalStub := &stubJournal{entries: []journal.Entry{
		journalEntryFor(1, "USDX", "700", ""),
		journalEntryFor(2, "USDX", "1000", "400"),
	}}

	reconciler, err := NewReconciler(Config{
		DB:        db,
		Ledger:    ledger,
		Journal:   journalStub,
		Network:   "lendex-test",
		OutputDir: outputDir,
		Now:       func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	result, err := reconciler.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("expected clean run, got anomalies: %+v", result.Anomalies)
	}
	if result.Run.Status != StatusClean {
		t.Fatalf("unexpected status: %s", result.Run.Status)
	}
	if result.Run.JournalHead != 2 {
		t.Fatalf("unexpected journal head: %d", result.Run.JournalHead)
	}

	var stored ReportRun
	if err := db.First(&stored, "id = ?", result.Run.ID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if stored.MarketCount != 1 || stored.AnomalyCount != 0 {
		t.Fatalf("unexpected stored run: %+v", stored)
	}

	var snapshots []MarketSnapshot
	if err := db.Where("run_id = ?", result.Run.ID).Find(&snapshots).Error; err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}
	snap := snapshots[0]
	if snap.Symbol != "USDX" || snap.TotalSupplied != "1000" || snap.TotalBorrowed != "400" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.VaultBalance != "600" || snap.JournalSupplied != "1000" || snap.JournalBorrowed != "400" {
		t.Fatalf("unexpected snapshot sources: %+v", snap)
	}
	if snap.UtilisationPPM != 400_000 {
		t.Fatalf("unexpected utilisation: %d", snap.UtilisationPPM)
	}
	if snap.Anomalous {
		t.Fatalf("clean market flagged anomalous")
	}

	if result.CSVPath == "" || result.ParquetPath == "" {
		t.Fatalf("expected export paths, got %+v", result)
	}
	if _, err := os.Stat(result.CSVPath); err != nil {
		t.Fatalf("csv not written: %v", err)
	}
	if _, err := os.Stat(result.ParquetPath); err != nil {
		t.Fatalf("parquet not written: %v", err)
	}
}

func TestReconcilerDetectsVaultDrift(t *testing.T) {
	db := setupReportsDB(t)
	ledger := &stubLedger{
		markets:  []*lending.Market{balancedMarket()},
		balances: map[string]*big.Int{"USDX": big.NewInt(500)},
	}
	journalStub := &stubJournal{entries: []journal.Entry{
		journalEntryFor(1, "USDX", "1000", "400"),
	}}

	alerted := make([]Anomaly, 0)
	reconciler, err := NewReconciler(Config{
		DB:        db,
		Ledger:    ledger,
		Journal:   journalStub,
		OutputDir: filepath.Join(t.TempDir(), "out"),
		Alert: func(_ context.Context, anomaly Anomaly) error {
			alerted = append(alerted, anomaly)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	result, err := reconciler.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 1 || result.Anomalies[0].Type != AnomalyVaultDrift {
		t.Fatalf("expected vault drift anomaly, got %+v", result.Anomalies)
	}
	drift := result.Anomalies[0].Drift
	if drift == nil || drift.Cmp(big.NewInt(-100)) != 0 {
		t.Fatalf("unexpected drift: %v", drift)
	}
	if len(alerted) != 1 || alerted[0].Type != AnomalyVaultDrift {
		t.Fatalf("alert not delivered: %+v", alerted)
	}
	if result.Run.Status != StatusAnomalous {
		t.Fatalf("unexpected status: %s", result.Run.Status)
	}

	var records []AnomalyRecord
	if err := db.Where("run_id = ?", result.Run.ID).Find(&records).Error; err != nil {
		t.Fatalf("load anomaly records: %v", err)
	}
	if len(records) != 1 || records[0].Type != AnomalyVaultDrift || records[0].Drift != "-100" {
		t.Fatalf("unexpected anomaly records: %+v", records)
	}

	var snapshots []MarketSnapshot
	if err := db.Where("run_id = ?", result.Run.ID).Find(&snapshots).Error; err != nil {
		t.Fatalf("load snapshots: %v", err)
	}
	if len(snapshots) != 1 || !snapshots[0].Anomalous {
		t.Fatalf("snapshot not flagged anomalous: %+v", snapshots)
	}
}

func TestReconcilerDetectsJournalDisagreement(t *testing.T) {
	db := setupReportsDB(t)
	ledger := &stubLedger{
		markets:  []*lending.Market{balancedMarket()},
		balances: map[string]*big.Int{"USDX": big.NewInt(600)},
	}
	journalStub := &stubJournal{entries: []journal.Entry{
		journalEntryFor(1, "USDX", "900", "450"),
	}}

	reconciler, err := NewReconciler(Config{
		DB:        db,
		Ledger:    ledger,
		Journal:   journalStub,
		OutputDir: filepath.Join(t.TempDir(), "out"),
		DryRun:    true,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	result, err := reconciler.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	types := make(map[string]bool, len(result.Anomalies))
	for _, anomaly := range result.Anomalies {
		types[anomaly.Type] = true
	}
	if !types[AnomalySuppliedDrift] || !types[AnomalyBorrowedDrift] {
		t.Fatalf("expected journal drift anomalies, got %+v", result.Anomalies)
	}
}

func TestReconcilerFlagsBorrowOverhang(t *testing.T) {
	db := setupReportsDB(t)
	market := balancedMarket()
	market.TotalBorrowed = big.NewInt(1200)
	ledger := &stubLedger{
		markets:  []*lending.Market{market},
		balances: map[string]*big.Int{"USDX": big.NewInt(0)},
	}
	reconciler, err := NewReconciler(Config{
		DB:      db,
		Ledger:  ledger,
		Journal: &stubJournal{},
		DryRun:  true,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	result, err := reconciler.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	found := false
	for _, anomaly := range result.Anomalies {
		if anomaly.Type == AnomalyBorrowOverhang {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected borrow overhang anomaly, got %+v", result.Anomalies)
	}
}

func TestReconcilerDryRunSkipsPersistence(t *testing.T) {
	db := setupReportsDB(t)
	ledger := &stubLedger{
		markets:  []*lending.Market{balancedMarket()},
		balances: map[string]*big.Int{"USDX": big.NewInt(600)},
	}
	reconciler, err := NewReconciler(Config{
		DB:        db,
		Ledger:    ledger,
		Journal:   &stubJournal{},
		OutputDir: filepath.Join(t.TempDir(), "out"),
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}

	result, err := reconciler.Run(context.Background(), RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.CSVPath != "" || result.ParquetPath != "" {
		t.Fatalf("dry-run must not export files: %+v", result)
	}

	var count int64
	if err := db.Model(&ReportRun{}).Where("id = ?", result.Run.ID).Count(&count).Error; err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if count != 0 {
		t.Fatalf("dry-run must not persist, found %d rows", count)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "dsn"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestOpenSqliteMigrates(t *testing.T) {
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "reports.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	run := ReportRun{ID: uuid.New(), NetworkName: "lendex-test", Status: StatusClean}
	if err := db.Create(&run).Error; err != nil {
		t.Fatalf("create run after migrate: %v", err)
	}
}

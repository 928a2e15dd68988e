package reports

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// writeReportFiles materialises the run's snapshot table as CSV and Parquet
// under runDir and returns both paths.
func writeReportFiles(runDir string, run ReportRun, snapshots []MarketSnapshot) (string, string, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("reports: ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "markets.csv")
	if err := writeCSV(csvPath, run, snapshots); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(runDir, "markets.parquet")
	if err := writeParquet(parquetPath, run, snapshots); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeCSV(path string, run ReportRun, snapshots []MarketSnapshot) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"run_id", "network", "status", "journal_head", "symbol", "total_supplied", "total_borrowed",
		"reserves", "vault_balance", "journal_supplied", "journal_borrowed", "supply_index",
		"borrow_index", "utilisation_ppm", "anomalous", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("reports: write csv header: %w", err)
	}
	for _, snapshot := range snapshots {
		record := []string{
			run.ID.String(),
			run.NetworkName,
			run.Status,
			fmt.Sprintf("%d", run.JournalHead),
			snapshot.Symbol,
			snapshot.TotalSupplied,
			snapshot.TotalBorrowed,
			snapshot.Reserves,
			snapshot.VaultBalance,
			snapshot.JournalSupplied,
			snapshot.JournalBorrowed,
			snapshot.SupplyIndex,
			snapshot.BorrowIndex,
			fmt.Sprintf("%d", snapshot.UtilisationPPM),
			boolString(snapshot.Anomalous),
			snapshot.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("reports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("reports: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	RunID           string `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Network         string `parquet:"name=network, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	JournalHead     int64  `parquet:"name=journal_head, type=INT64"`
	Symbol          string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalSupplied   string `parquet:"name=total_supplied, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalBorrowed   string `parquet:"name=total_borrowed, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reserves        string `parquet:"name=reserves, type=BYTE_ARRAY, convertedtype=UTF8"`
	VaultBalance    string `parquet:"name=vault_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	JournalSupplied string `parquet:"name=journal_supplied, type=BYTE_ARRAY, convertedtype=UTF8"`
	JournalBorrowed string `parquet:"name=journal_borrowed, type=BYTE_ARRAY, convertedtype=UTF8"`
	SupplyIndex     string `parquet:"name=supply_index, type=BYTE_ARRAY, convertedtype=UTF8"`
	BorrowIndex     string `parquet:"name=borrow_index, type=BYTE_ARRAY, convertedtype=UTF8"`
	UtilisationPPM  int64  `parquet:"name=utilisation_ppm, type=INT64"`
	Anomalous       bool   `parquet:"name=anomalous, type=BOOLEAN"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, run ReportRun, snapshots []MarketSnapshot) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, snapshot := range snapshots {
		row := &parquetRow{
			RunID:           run.ID.String(),
			Network:         run.NetworkName,
			Status:          run.Status,
			JournalHead:     run.JournalHead,
			Symbol:          snapshot.Symbol,
			TotalSupplied:   snapshot.TotalSupplied,
			TotalBorrowed:   snapshot.TotalBorrowed,
			Reserves:        snapshot.Reserves,
			VaultBalance:    snapshot.VaultBalance,
			JournalSupplied: snapshot.JournalSupplied,
			JournalBorrowed: snapshot.JournalBorrowed,
			SupplyIndex:     snapshot.SupplyIndex,
			BorrowIndex:     snapshot.BorrowIndex,
			UtilisationPPM:  snapshot.UtilisationPPM,
			Anomalous:       snapshot.Anomalous,
			CreatedAt:       snapshot.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("reports: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"lendex/config"
	"lendex/integrations/exports"
	"lendex/storage/journal"
)

type auditReport struct {
	Network        string `json:"network"`
	JournalPath    string `json:"journalPath"`
	Head           int64  `json:"head"`
	EntriesChecked int64  `json:"entriesChecked"`
	ChainIntact    bool   `json:"chainIntact"`
	ChainError     string `json:"chainError,omitempty"`
	Risk           struct {
		MinCollateralRatioBps  uint64 `json:"minCollateralRatioBps"`
		LiquidationDiscountBps uint64 `json:"liquidationDiscountBps"`
	} `json:"risk"`
	Interest struct {
		BaseRate string `json:"baseRate"`
		Slope1   string `json:"slope1"`
		Slope2   string `json:"slope2"`
		Kink     string `json:"kink"`
	} `json:"interest"`
	Oracle struct {
		MaxAgeSeconds uint64   `json:"maxAgeSeconds"`
		Priority      []string `json:"priority"`
		StaticSymbols []string `json:"staticSymbols,omitempty"`
		CoinGecko     bool     `json:"coinGecko"`
	} `json:"oracle"`
	RecentEntries []entrySummary  `json:"recentEntries,omitempty"`
	Exports       []exportSummary `json:"exports,omitempty"`
}

type entrySummary struct {
	Sequence  int64  `json:"sequence"`
	Type      string `json:"type"`
	Symbol    string `json:"symbol,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type exportSummary struct {
	Format   string `json:"format"`
	Path     string `json:"path"`
	Entries  int    `json:"entries"`
	Checksum string `json:"checksum"`
}

func main() {
	configPath := flag.String("config", "./config.toml", "Path to node configuration file")
	tail := flag.Int("tail", 10, "Number of recent journal entries to include in the report")
	exportJSONL := flag.String("export-jsonl", "", "Write every journal entry to the given file as JSON lines")
	exportCSV := flag.String("export-csv", "", "Write every journal entry to the given file as CSV")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	journalPath := cfg.JournalPath()
	if _, err := os.Stat(journalPath); err != nil {
		fmt.Fprintf(os.Stderr, "journal unavailable at %s: %v\n", journalPath, err)
		os.Exit(1)
	}
	eventJournal, err := journal.Open(journalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open journal: %v\n", err)
		os.Exit(1)
	}
	defer eventJournal.Close()

	ctx := context.Background()

	report := auditReport{Network: cfg.NetworkName, JournalPath: journalPath, ChainIntact: true}
	report.Risk.MinCollateralRatioBps = cfg.Risk.MinCollateralRatioBps
	report.Risk.LiquidationDiscountBps = cfg.Risk.LiquidationDiscountBps
	report.Interest.BaseRate = cfg.Interest.BaseRate
	report.Interest.Slope1 = cfg.Interest.Slope1
	report.Interest.Slope2 = cfg.Interest.Slope2
	report.Interest.Kink = cfg.Interest.Kink
	report.Oracle.MaxAgeSeconds = cfg.Oracle.MaxAgeSeconds
	report.Oracle.Priority = cfg.Oracle.Priority
	report.Oracle.StaticSymbols = sortedKeys(cfg.Oracle.Static.Prices)
	report.Oracle.CoinGecko = cfg.Oracle.CoinGecko.Enabled()

	head, err := eventJournal.Head(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read journal head: %v\n", err)
		os.Exit(1)
	}
	report.Head = head

	checked, verifyErr := eventJournal.Verify(ctx)
	report.EntriesChecked = checked
	if verifyErr != nil {
		report.ChainIntact = false
		report.ChainError = verifyErr.Error()
	}

	if *tail > 0 && head > 0 {
		cursor := head - int64(*tail)
		if cursor < 0 {
			cursor = 0
		}
		entries, err := eventJournal.After(ctx, cursor, *tail)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read recent journal entries: %v\n", err)
			os.Exit(1)
		}
		report.RecentEntries = make([]entrySummary, 0, len(entries))
		for _, entry := range entries {
			report.RecentEntries = append(report.RecentEntries, entrySummary{
				Sequence:  entry.Sequence,
				Type:      entry.Type,
				Symbol:    entry.Attributes["symbol"],
				CreatedAt: entry.CreatedAt,
			})
		}
	}

	if *exportJSONL != "" || *exportCSV != "" {
		entries, err := collectEntries(ctx, eventJournal)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to collect journal entries: %v\n", err)
			os.Exit(1)
		}
		if *exportJSONL != "" {
			summary, err := writeExport("jsonl", *exportJSONL, entries, exports.EntriesJSONL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "jsonl export failed: %v\n", err)
				os.Exit(1)
			}
			report.Exports = append(report.Exports, summary)
		}
		if *exportCSV != "" {
			summary, err := writeExport("csv", *exportCSV, entries, exports.EntriesCSV)
			if err != nil {
				fmt.Fprintf(os.Stderr, "csv export failed: %v\n", err)
				os.Exit(1)
			}
			report.Exports = append(report.Exports, summary)
		}
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))

	if !report.ChainIntact {
		os.Exit(1)
	}
}

func collectEntries(ctx context.Context, eventJournal *journal.Journal) ([]journal.Entry, error) {
	var entries []journal.Entry
	cursor := int64(0)
	for {
		batch, err := eventJournal.After(ctx, cursor, 500)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return entries, nil
		}
		entries = append(entries, batch...)
		cursor = batch[len(batch)-1].Sequence
	}
}

func writeExport(format, path string, entries []journal.Entry, encode func([]journal.Entry) ([]byte, string, error)) (exportSummary, error) {
	payload, checksum, err := encode(entries)
	if err != nil {
		return exportSummary{}, err
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return exportSummary{}, err
	}
	return exportSummary{Format: format, Path: path, Entries: len(entries), Checksum: checksum}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

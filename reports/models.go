// Package reports reconciles the live ledger against the event journal and
// persists the outcome for operators and downstream analytics.
package reports

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Run statuses.
const (
	StatusClean     = "clean"
	StatusAnomalous = "anomalous"
)

// ReportRun records one reconciliation execution.
type ReportRun struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	NetworkName  string    `gorm:"size:64;index"`
	Status       string    `gorm:"size:16;index"`
	JournalHead  int64
	MarketCount  int
	AnomalyCount int
	StartedAt    time.Time
	CompletedAt  time.Time
	Snapshots    []MarketSnapshot `gorm:"foreignKey:RunID"`
	Anomalies    []AnomalyRecord  `gorm:"foreignKey:RunID"`
}

// MarketSnapshot captures one market's aggregates at run time. Amounts are
// stored as base-unit decimal strings; they routinely exceed what sql
// numeric columns hold exactly.
type MarketSnapshot struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID           uuid.UUID `gorm:"type:uuid;index"`
	Symbol          string    `gorm:"size:16;index"`
	TotalSupplied   string    `gorm:"size:80"`
	TotalBorrowed   string    `gorm:"size:80"`
	Reserves        string    `gorm:"size:80"`
	VaultBalance    string    `gorm:"size:80"`
	JournalSupplied string    `gorm:"size:80"`
	JournalBorrowed string    `gorm:"size:80"`
	SupplyIndex     string    `gorm:"size:96"`
	BorrowIndex     string    `gorm:"size:96"`
	// UtilisationPPM is borrowed/supplied in parts per million, kept as an
	// integer so reports stay sortable in sql.
	UtilisationPPM int64
	Anomalous      bool
	CreatedAt      time.Time
}

// AnomalyRecord persists a detected inconsistency for operator review.
type AnomalyRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID     uuid.UUID `gorm:"type:uuid;index"`
	Symbol    string    `gorm:"size:16;index"`
	Type      string    `gorm:"size:32;index"`
	Expected  string    `gorm:"size:80"`
	Actual    string    `gorm:"size:80"`
	Drift     string    `gorm:"size:80"`
	Details   string    `gorm:"size:512"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the reports store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ReportRun{},
		&MarketSnapshot{},
		&AnomalyRecord{},
	)
}

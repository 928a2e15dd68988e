package reports

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open connects the reports store and runs migrations. Driver selects the
// backend: "sqlite" for embedded deployments, "postgres" for shared ones.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("reports: sqlite dsn required")
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("reports: postgres dsn required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("reports: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("reports: open store: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("reports: migrate store: %w", err)
	}
	return db, nil
}

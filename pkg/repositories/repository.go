package repositories

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cbodonnell/worldcycle/pkg/repositories/models"
)

//go:embed migrations
var migrations embed.FS

// DefaultListLimit bounds ListCycles when the caller passes no limit.
const DefaultListLimit = 20

type Repository interface {
	Close(ctx context.Context) error
	SaveCycle(ctx context.Context, cycle *models.Cycle) error
	ListCycles(ctx context.Context, limit int) ([]*models.Cycle, error)
	LatestCycle(ctx context.Context) (*models.Cycle, error)
}

// NewRepository picks the backend by DSN: postgres:// and postgresql://
// connect to Postgres, anything else is a SQLite path. An empty DSN uses
// history.db in dataDir.
func NewRepository(ctx context.Context, dsn string, dataDir string) (Repository, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresRepository(ctx, dsn)
	case dsn == "":
		return NewSQLiteRepository(ctx, filepath.Join(dataDir, "history.db"))
	default:
		return NewSQLiteRepository(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// migrationScripts returns the embedded migrations for dialect in name order.
func migrationScripts(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %v", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var scripts []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		migrationPath := dir + "/" + entry.Name()
		migration, err := fs.ReadFile(migrations, migrationPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %v", migrationPath, err)
		}
		scripts = append(scripts, string(migration))
	}
	return scripts, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/repositories/models"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(ctx context.Context, path string) (Repository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %v", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// one writer; the history worker and /cycles share it
	db.SetMaxOpenConns(1)

	scripts, err := migrationScripts("sqlite")
	if err != nil {
		db.Close()
		return nil, err
	}
	for i, migration := range scripts {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute migration %d: %v", i+1, err)
		}
	}

	return &SQLiteRepository{
		db: db,
	}, nil
}

func (r *SQLiteRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

func (r *SQLiteRepository) SaveCycle(ctx context.Context, cycle *models.Cycle) error {
	q := `
	INSERT INTO cycles (cycle_number, world, seed, outcome, requester, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?);
	`
	var seed sql.NullInt64
	if cycle.Seed != nil {
		seed = sql.NullInt64{Int64: *cycle.Seed, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, q,
		cycle.CycleNumber,
		cycle.World,
		seed,
		string(cycle.Outcome),
		cycle.Requester,
		cycle.StartedAt.UnixMilli(),
		cycle.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get cycle id: %v", err)
	}
	cycle.ID = id
	return nil
}

func (r *SQLiteRepository) ListCycles(ctx context.Context, limit int) ([]*models.Cycle, error) {
	q := `
	SELECT id, cycle_number, world, seed, outcome, requester, started_at, finished_at
	FROM cycles ORDER BY id DESC LIMIT ?;
	`
	rows, err := r.db.QueryContext(ctx, q, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %v", err)
	}
	defer rows.Close()

	cycles := make([]*models.Cycle, 0)
	for rows.Next() {
		cycle, err := scanSQLiteCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycles: %v", err)
	}
	return cycles, nil
}

func (r *SQLiteRepository) LatestCycle(ctx context.Context) (*models.Cycle, error) {
	cycles, err := r.ListCycles(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(cycles) == 0 {
		return nil, &ErrNotFound{}
	}
	return cycles[0], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCycle(row rowScanner) (*models.Cycle, error) {
	var cycle models.Cycle
	var seed sql.NullInt64
	var outcome string
	var startedAt, finishedAt int64
	if err := row.Scan(&cycle.ID, &cycle.CycleNumber, &cycle.World, &seed, &outcome, &cycle.Requester, &startedAt, &finishedAt); err != nil {
		return nil, fmt.Errorf("failed to scan cycle: %v", err)
	}
	if seed.Valid {
		s := seed.Int64
		cycle.Seed = &s
	}
	cycle.Outcome = models.CycleOutcome(outcome)
	cycle.StartedAt = time.UnixMilli(startedAt)
	cycle.FinishedAt = time.UnixMilli(finishedAt)
	return &cycle, nil
}

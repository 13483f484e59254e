package repositories

import (
	"context"
	"fmt"

	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/repositories/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects, runs the migrations and returns the
// repository. The caller is responsible for calling Close() on it.
func NewPostgresRepository(ctx context.Context, connStr string) (Repository, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	var username string
	var database string
	err = pool.QueryRow(ctx, "SELECT current_user, current_database()").Scan(&username, &database)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to query database: %v", err)
	}
	log.Info("Connected to %s as %s", database, username)

	scripts, err := migrationScripts("postgres")
	if err != nil {
		pool.Close()
		return nil, err
	}
	for i, migration := range scripts {
		if _, err := pool.Exec(ctx, migration); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to execute migration %d: %v", i+1, err)
		}
	}

	return &PostgresRepository{
		pool: pool,
	}, nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) SaveCycle(ctx context.Context, cycle *models.Cycle) error {
	q := `
	INSERT INTO cycles (cycle_number, world, seed, outcome, requester, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING id;
	`
	err := r.pool.QueryRow(ctx, q,
		cycle.CycleNumber,
		cycle.World,
		cycle.Seed,
		string(cycle.Outcome),
		cycle.Requester,
		cycle.StartedAt,
		cycle.FinishedAt,
	).Scan(&cycle.ID)
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %v", err)
	}
	return nil
}

func (r *PostgresRepository) ListCycles(ctx context.Context, limit int) ([]*models.Cycle, error) {
	q := `
	SELECT id, cycle_number, world, seed, outcome, requester, started_at, finished_at
	FROM cycles ORDER BY id DESC LIMIT $1;
	`
	rows, err := r.pool.Query(ctx, q, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %v", err)
	}
	defer rows.Close()

	cycles := make([]*models.Cycle, 0)
	for rows.Next() {
		cycle, err := scanPostgresCycle(rows)
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

func (r *PostgresRepository) LatestCycle(ctx context.Context) (*models.Cycle, error) {
	q := `
	SELECT id, cycle_number, world, seed, outcome, requester, started_at, finished_at
	FROM cycles ORDER BY id DESC LIMIT 1;
	`
	cycle, err := scanPostgresCycle(r.pool.QueryRow(ctx, q))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{}
		}
		return nil, err
	}
	return cycle, nil
}

func scanPostgresCycle(row pgx.Row) (*models.Cycle, error) {
	var cycle models.Cycle
	var outcome string
	err := row.Scan(&cycle.ID, &cycle.CycleNumber, &cycle.World, &cycle.Seed, &outcome, &cycle.Requester, &cycle.StartedAt, &cycle.FinishedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan cycle: %v", err)
	}
	cycle.Outcome = models.CycleOutcome(outcome)
	return &cycle, nil
}

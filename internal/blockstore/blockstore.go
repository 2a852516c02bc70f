// Package blockstore is a narrow found-block journal: did we ever find a
// block, and did the node confirm it. It intentionally does not persist
// workers or shares — pool-grade accounting is a spec Non-goal.
package blockstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/config"
)

// Store wraps the found-block journal table.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Block is a single found-block journal entry.
type Block struct {
	Hash       string
	Height     uint64
	WorkerName string
	FoundAt    time.Time
	Confirmed  bool
}

// New connects to PostgreSQL and ensures the journal table exists.
func New(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	store := &Store{pool: pool, logger: logger.Named("blockstore")}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS found_blocks (
			id BIGSERIAL PRIMARY KEY,
			hash VARCHAR(64) UNIQUE NOT NULL,
			height BIGINT NOT NULL,
			worker_name VARCHAR(255) NOT NULL,
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			confirmed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_found_blocks_height ON found_blocks(height);
		CREATE INDEX IF NOT EXISTS idx_found_blocks_confirmed ON found_blocks(confirmed);
	`

	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertBlock records a newly submitted block that the node accepted.
func (s *Store) InsertBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO found_blocks (hash, height, worker_name, found_at, confirmed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query, block.Hash, block.Height, block.WorkerName, block.FoundAt, block.Confirmed)
	if err != nil {
		return fmt.Errorf("failed to insert block: %w", err)
	}
	return nil
}

// MarkBlockConfirmed marks a block as confirmed via getblock, per
// spec.md §4.1's post-submission confirmation step.
func (s *Store) MarkBlockConfirmed(ctx context.Context, hash string) error {
	query := `UPDATE found_blocks SET confirmed = TRUE, confirmed_at = NOW() WHERE hash = $1`
	_, err := s.pool.Exec(ctx, query, hash)
	if err != nil {
		return fmt.Errorf("failed to confirm block: %w", err)
	}
	return nil
}

// GetRecentBlocks retrieves recent journal entries, for the diagnostic
// metrics/health surfaces.
func (s *Store) GetRecentBlocks(ctx context.Context, limit int) ([]*Block, error) {
	query := `
		SELECT hash, height, worker_name, found_at, confirmed
		FROM found_blocks
		ORDER BY found_at DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Hash, &b.Height, &b.WorkerName, &b.FoundAt, &b.Confirmed); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, &b)
	}
	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	return blocks, nil
}

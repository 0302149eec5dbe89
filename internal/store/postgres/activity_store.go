package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/galleria-labs/galleria/internal/domain"
)

// ActivityStore implements domain.ActivityStore using PostgreSQL. The
// activities table is append-only history; old rows are archived to blob
// storage and pruned by the archiver.
type ActivityStore struct {
	pool *pgxpool.Pool
}

var _ domain.ActivityStore = (*ActivityStore)(nil)

// NewActivityStore creates a new ActivityStore backed by the given
// connection pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

// InsertBatch appends multiple activity rows in a single batch.
func (s *ActivityStore) InsertBatch(ctx context.Context, activities []domain.Activity) error {
	if len(activities) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO activities (
			kind, item_id, collection, token_id,
			from_addr, to_addr, price, tx_hash, block_number, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_hash, kind) DO NOTHING`

	for _, a := range activities {
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(query,
			string(a.Kind), int64(a.ItemID), a.Collection.Hex(), a.TokenID,
			a.From.Hex(), a.To.Hex(), a.Price, a.TxHash.Hex(), int64(a.BlockNumber), createdAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range activities {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert activity batch item %d: %w", i, err)
		}
	}
	return nil
}

const activityCols = `id, kind, item_id, collection, token_id,
	from_addr, to_addr, price, tx_hash, block_number, created_at`

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var a domain.Activity
	var kind, collection, from, to, txHash string
	var itemID, blockNumber int64
	err := row.Scan(
		&a.ID, &kind, &itemID, &collection, &a.TokenID,
		&from, &to, &a.Price, &txHash, &blockNumber, &a.CreatedAt,
	)
	if err != nil {
		return domain.Activity{}, err
	}
	a.Kind = domain.EventKind(kind)
	a.ItemID = uint64(itemID)
	a.Collection = common.HexToAddress(collection)
	a.From = common.HexToAddress(from)
	a.To = common.HexToAddress(to)
	a.TxHash = common.HexToHash(txHash)
	a.BlockNumber = uint64(blockNumber)
	return a, nil
}

// ListByItem returns the history for one (collection, token) pair,
// newest first.
func (s *ActivityStore) ListByItem(ctx context.Context, key domain.ItemKey, opts domain.ListOpts) ([]domain.Activity, error) {
	query := `SELECT ` + activityCols + ` FROM activities
		WHERE collection = $1 AND token_id = $2
		ORDER BY block_number DESC, id DESC`
	args := []any{key.Collection.Hex(), key.TokenID}
	argIdx := 3

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryActivities(ctx, query, args...)
}

// ListBefore returns up to limit rows older than cutoff, oldest first.
// The archiver uses this to page history into blob storage.
func (s *ActivityStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Activity, error) {
	query := `SELECT ` + activityCols + ` FROM activities
		WHERE created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`
	return s.queryActivities(ctx, query, cutoff, limit)
}

// DeleteBefore removes rows older than cutoff and reports how many went.
func (s *ActivityStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM activities WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete activities before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// LastIndexedBlock returns the indexer's checkpoint, zero if none is
// recorded yet.
func (s *ActivityStore) LastIndexedBlock(ctx context.Context) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT block_number FROM indexer_checkpoint WHERE id = 1`).Scan(&block)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: last indexed block: %w", err)
	}
	return uint64(block), nil
}

// SetLastIndexedBlock advances the indexer checkpoint. It never moves
// backwards.
func (s *ActivityStore) SetLastIndexedBlock(ctx context.Context, block uint64) error {
	const query = `
		INSERT INTO indexer_checkpoint (id, block_number, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			block_number = GREATEST(indexer_checkpoint.block_number, EXCLUDED.block_number),
			updated_at   = NOW()`
	if _, err := s.pool.Exec(ctx, query, int64(block)); err != nil {
		return fmt.Errorf("postgres: set last indexed block %d: %w", block, err)
	}
	return nil
}

func (s *ActivityStore) queryActivities(ctx context.Context, query string, args ...any) ([]domain.Activity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list activities: %w", err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list activities rows: %w", err)
	}
	return out, nil
}

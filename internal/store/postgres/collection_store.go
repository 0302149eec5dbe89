package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/galleria-labs/galleria/internal/domain"
)

// CollectionStore implements domain.CollectionStore using PostgreSQL.
type CollectionStore struct {
	pool *pgxpool.Pool
}

var _ domain.CollectionStore = (*CollectionStore)(nil)

// NewCollectionStore creates a new CollectionStore backed by the given
// connection pool.
func NewCollectionStore(pool *pgxpool.Pool) *CollectionStore {
	return &CollectionStore{pool: pool}
}

// Upsert inserts or updates a collection record.
func (s *CollectionStore) Upsert(ctx context.Context, c domain.Collection) error {
	const query = `
		INSERT INTO collections (address, name, symbol, image_uri, deployer, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (address) DO UPDATE SET
			name       = EXCLUDED.name,
			symbol     = EXCLUDED.symbol,
			image_uri  = EXCLUDED.image_uri,
			deployer   = EXCLUDED.deployer,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		c.Address.Hex(), c.Name, c.Symbol, c.ImageURI, c.Deployer.Hex(),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert collection %s: %w", c.Address.Hex(), err)
	}
	return nil
}

const collectionCols = `address, name, symbol, image_uri, deployer`

func scanCollection(row pgx.Row) (domain.Collection, error) {
	var addr, deployer string
	var c domain.Collection
	if err := row.Scan(&addr, &c.Name, &c.Symbol, &c.ImageURI, &deployer); err != nil {
		return domain.Collection{}, err
	}
	c.Address = common.HexToAddress(addr)
	c.Deployer = common.HexToAddress(deployer)
	return c, nil
}

// GetByAddress retrieves a collection by its contract address.
func (s *CollectionStore) GetByAddress(ctx context.Context, addr common.Address) (domain.Collection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+collectionCols+` FROM collections WHERE address = $1`, addr.Hex())
	c, err := scanCollection(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Collection{}, domain.ErrNotFound
		}
		return domain.Collection{}, fmt.Errorf("postgres: get collection %s: %w", addr.Hex(), err)
	}
	return c, nil
}

// List returns collections in deployment order.
func (s *CollectionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Collection, error) {
	query := `SELECT ` + collectionCols + ` FROM collections ORDER BY created_at ASC`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list collections: %w", err)
	}
	defer rows.Close()

	var out []domain.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan collection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list collections rows: %w", err)
	}
	return out, nil
}

package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/galleria-labs/galleria/internal/domain"
)

// ItemStore implements domain.ItemStore using PostgreSQL.
type ItemStore struct {
	pool *pgxpool.Pool
}

var _ domain.ItemStore = (*ItemStore)(nil)

// NewItemStore creates a new ItemStore backed by the given connection pool.
func NewItemStore(pool *pgxpool.Pool) *ItemStore {
	return &ItemStore{pool: pool}
}

// Upsert inserts or updates a single market item. The indexer may replay
// events, so a stale update (lower block number) is ignored.
func (s *ItemStore) Upsert(ctx context.Context, item domain.MarketItem, blockNumber uint64) error {
	const query = `
		INSERT INTO market_items (
			id, collection, token_id, creator, seller, owner,
			price, listed, sold, canceled, block_number, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			collection   = EXCLUDED.collection,
			token_id     = EXCLUDED.token_id,
			creator      = EXCLUDED.creator,
			seller       = EXCLUDED.seller,
			owner        = EXCLUDED.owner,
			price        = EXCLUDED.price,
			listed       = EXCLUDED.listed,
			sold         = EXCLUDED.sold,
			canceled     = EXCLUDED.canceled,
			block_number = EXCLUDED.block_number,
			updated_at   = NOW()
		WHERE market_items.block_number <= EXCLUDED.block_number`

	price := "0"
	if item.Price != nil {
		price = item.Price.String()
	}
	_, err := s.pool.Exec(ctx, query,
		int64(item.ID), item.Collection.Hex(), item.TokenID.String(),
		item.Creator.Hex(), item.Seller.Hex(), item.Owner.Hex(),
		price, item.Listed, item.Sold, item.Canceled, int64(blockNumber),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert item %d: %w", item.ID, err)
	}
	return nil
}

const itemCols = `id, collection, token_id, creator, seller, owner,
	price, listed, sold, canceled`

// scanItem scans a single item row into a domain.MarketItem.
func scanItem(row pgx.Row) (domain.MarketItem, error) {
	var id int64
	var collection, tokenID, creator, seller, owner, price string
	var item domain.MarketItem
	err := row.Scan(
		&id, &collection, &tokenID, &creator, &seller, &owner,
		&price, &item.Listed, &item.Sold, &item.Canceled,
	)
	if err != nil {
		return domain.MarketItem{}, err
	}

	item.ID = uint64(id)
	item.Collection = common.HexToAddress(collection)
	item.Creator = common.HexToAddress(creator)
	item.Seller = common.HexToAddress(seller)
	item.Owner = common.HexToAddress(owner)

	tid, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("bad token_id %q for item %d", tokenID, id)
	}
	item.TokenID = tid

	p, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return domain.MarketItem{}, fmt.Errorf("bad price %q for item %d", price, id)
	}
	item.Price = p
	return item, nil
}

// GetByID retrieves a market item by its registry id.
func (s *ItemStore) GetByID(ctx context.Context, id uint64) (domain.MarketItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemCols+` FROM market_items WHERE id = $1`, int64(id))
	item, err := scanItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.MarketItem{}, domain.ErrNotFound
		}
		return domain.MarketItem{}, fmt.Errorf("postgres: get item %d: %w", id, err)
	}
	return item, nil
}

// GetByCollectionAndToken retrieves the latest record for a
// (collection, token) pair. Earlier terminal records for the same pair
// keep their rows; the highest id wins.
func (s *ItemStore) GetByCollectionAndToken(ctx context.Context, key domain.ItemKey) (domain.MarketItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemCols+` FROM market_items
		 WHERE collection = $1 AND token_id = $2
		 ORDER BY id DESC LIMIT 1`,
		key.Collection.Hex(), key.TokenID)
	item, err := scanItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.MarketItem{}, domain.ErrNotFound
		}
		return domain.MarketItem{}, fmt.Errorf("postgres: get item %s/%s: %w", key.Collection.Hex(), key.TokenID, err)
	}
	return item, nil
}

// List returns market items with pagination and optional listed-only
// filtering.
func (s *ItemStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketItem, error) {
	query := `SELECT ` + itemCols + ` FROM market_items`
	args := []any{}
	argIdx := 1

	if opts.OnlyListed {
		query += " WHERE listed = TRUE"
	}
	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryItems(ctx, query, args...)
}

// ListByCollection returns items belonging to one collection.
func (s *ItemStore) ListByCollection(ctx context.Context, collection common.Address, opts domain.ListOpts) ([]domain.MarketItem, error) {
	query := `SELECT ` + itemCols + ` FROM market_items WHERE collection = $1`
	args := []any{collection.Hex()}
	argIdx := 2

	if opts.OnlyListed {
		query += " AND listed = TRUE"
	}
	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryItems(ctx, query, args...)
}

// ListBySeller returns items currently attributed to one seller.
func (s *ItemStore) ListBySeller(ctx context.Context, seller common.Address, opts domain.ListOpts) ([]domain.MarketItem, error) {
	query := `SELECT ` + itemCols + ` FROM market_items WHERE seller = $1`
	args := []any{seller.Hex()}
	argIdx := 2

	if opts.OnlyListed {
		query += " AND listed = TRUE"
	}
	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryItems(ctx, query, args...)
}

// Count returns the total number of market item records.
func (s *ItemStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM market_items").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count items: %w", err)
	}
	return count, nil
}

func (s *ItemStore) queryItems(ctx context.Context, query string, args ...any) ([]domain.MarketItem, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list items: %w", err)
	}
	defer rows.Close()

	var items []domain.MarketItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list items rows: %w", err)
	}
	return items, nil
}

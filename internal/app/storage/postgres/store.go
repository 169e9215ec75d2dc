// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // database/sql driver

	"github.com/lendscope/yieldoracle/internal/app/domain/yield"
	"github.com/lendscope/yieldoracle/internal/app/storage"
)

// Store persists registry and snapshot records in PostgreSQL. Rates are
// stored as NUMERIC(78,0), wide enough for any 256-bit fixed-point value.
type Store struct {
	db *sql.DB
}

var _ storage.AssetStore = (*Store)(nil)
var _ storage.SnapshotStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- AssetStore -------------------------------------------------------------

func (s *Store) CreateAsset(ctx context.Context, asset yield.Asset) (yield.Asset, error) {
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	asset.CreatedAt = now
	asset.UpdatedAt = now

	// Position is the zero-based registration order; the registry is
	// append-only so the next position is simply the current count.
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO yield_assets (id, symbol, source, capacity, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, (SELECT COUNT(*) FROM yield_assets), $5, $6)
		RETURNING position
	`, asset.ID, asset.Symbol, asset.Source, asset.Capacity, asset.CreatedAt, asset.UpdatedAt).Scan(&asset.Position)
	if err != nil {
		return yield.Asset{}, err
	}
	return asset, nil
}

func (s *Store) UpdateAsset(ctx context.Context, asset yield.Asset) (yield.Asset, error) {
	existing, err := s.GetAsset(ctx, asset.Symbol)
	if err != nil {
		return yield.Asset{}, err
	}

	asset.ID = existing.ID
	asset.Position = existing.Position
	asset.CreatedAt = existing.CreatedAt
	asset.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE yield_assets
		SET source = $2, capacity = $3, updated_at = $4
		WHERE symbol = $1
	`, asset.Symbol, asset.Source, asset.Capacity, asset.UpdatedAt)
	if err != nil {
		return yield.Asset{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return yield.Asset{}, sql.ErrNoRows
	}
	return asset, nil
}

func (s *Store) GetAsset(ctx context.Context, symbol string) (yield.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, source, capacity, position, created_at, updated_at
		FROM yield_assets
		WHERE symbol = $1
	`, symbol)

	var asset yield.Asset
	if err := row.Scan(&asset.ID, &asset.Symbol, &asset.Source, &asset.Capacity,
		&asset.Position, &asset.CreatedAt, &asset.UpdatedAt); err != nil {
		return yield.Asset{}, err
	}
	return asset, nil
}

func (s *Store) ListAssets(ctx context.Context) ([]yield.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, source, capacity, position, created_at, updated_at
		FROM yield_assets
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []yield.Asset
	for rows.Next() {
		var asset yield.Asset
		if err := rows.Scan(&asset.ID, &asset.Symbol, &asset.Source, &asset.Capacity,
			&asset.Position, &asset.CreatedAt, &asset.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, asset)
	}
	return result, rows.Err()
}

// --- SnapshotStore ----------------------------------------------------------

func (s *Store) CreateYieldSnapshot(ctx context.Context, rec yield.Record) (yield.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()

	rateText := "0"
	if rec.Rate != nil {
		rateText = rec.Rate.String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO yield_snapshots (id, symbol, source, rate, collected_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.ID, rec.Symbol, rec.Source, rateText, rec.CollectedAt, rec.CreatedAt)
	if err != nil {
		return yield.Record{}, err
	}
	return rec, nil
}

func (s *Store) ListYieldSnapshots(ctx context.Context, symbol string) ([]yield.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, source, rate::text, collected_at, created_at
		FROM yield_snapshots
		WHERE symbol = $1
		ORDER BY collected_at
	`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []yield.Record
	for rows.Next() {
		var (
			rec      yield.Record
			rateText string
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Source, &rateText,
			&rec.CollectedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rate, ok := new(big.Int).SetString(rateText, 10)
		if !ok {
			return nil, fmt.Errorf("corrupt rate %q for snapshot %s", rateText, rec.ID)
		}
		rec.Rate = rate
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/lendscope/yieldoracle/internal/app/domain/yield"
	"github.com/lendscope/yieldoracle/internal/app/storage"
)

// Store keeps registry records and latched snapshots in maps.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	assets    map[string]yield.Asset
	order     []string
	snapshots map[string][]yield.Record
}

var _ storage.AssetStore = (*Store)(nil)
var _ storage.SnapshotStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:    1,
		assets:    make(map[string]yield.Asset),
		snapshots: make(map[string][]yield.Record),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// AssetStore implementation ---------------------------------------------------

func (s *Store) CreateAsset(_ context.Context, asset yield.Asset) (yield.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assets[asset.Symbol]; exists {
		return yield.Asset{}, fmt.Errorf("asset %s already exists", asset.Symbol)
	}
	if asset.ID == "" {
		asset.ID = s.nextIDLocked()
	}

	now := time.Now().UTC()
	asset.Position = len(s.order)
	asset.CreatedAt = now
	asset.UpdatedAt = now

	s.assets[asset.Symbol] = asset
	s.order = append(s.order, asset.Symbol)
	return asset, nil
}

func (s *Store) UpdateAsset(_ context.Context, asset yield.Asset) (yield.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.assets[asset.Symbol]
	if !ok {
		return yield.Asset{}, fmt.Errorf("asset %s not found", asset.Symbol)
	}

	asset.ID = original.ID
	asset.Position = original.Position
	asset.CreatedAt = original.CreatedAt
	asset.UpdatedAt = time.Now().UTC()

	s.assets[asset.Symbol] = asset
	return asset, nil
}

func (s *Store) GetAsset(_ context.Context, symbol string) (yield.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, ok := s.assets[symbol]
	if !ok {
		return yield.Asset{}, fmt.Errorf("asset %s not found", symbol)
	}
	return asset, nil
}

func (s *Store) ListAssets(_ context.Context) ([]yield.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]yield.Asset, 0, len(s.order))
	for _, symbol := range s.order {
		result = append(result, s.assets[symbol])
	}
	return result, nil
}

// SnapshotStore implementation ------------------------------------------------

func (s *Store) CreateYieldSnapshot(_ context.Context, rec yield.Record) (yield.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = s.nextIDLocked()
	}
	rec.CreatedAt = time.Now().UTC()
	stored := cloneRecord(rec)

	s.snapshots[rec.Symbol] = append(s.snapshots[rec.Symbol], stored)
	return cloneRecord(stored), nil
}

func (s *Store) ListYieldSnapshots(_ context.Context, symbol string) ([]yield.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.snapshots[symbol]
	result := make([]yield.Record, 0, len(recs))
	for _, rec := range recs {
		result = append(result, cloneRecord(rec))
	}
	return result, nil
}

func cloneRecord(rec yield.Record) yield.Record {
	out := rec
	if rec.Rate != nil {
		out.Rate = new(big.Int).Set(rec.Rate)
	}
	return out
}

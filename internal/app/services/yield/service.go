// Package yield implements the registry and the operations on each asset's
// snapshot ring buffer: latching, resizing and the time-weighted yield query.
package yield

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	domain "github.com/lendscope/yieldoracle/internal/app/domain/yield"
	"github.com/lendscope/yieldoracle/internal/app/metrics"
	"github.com/lendscope/yieldoracle/internal/app/ring"
	"github.com/lendscope/yieldoracle/internal/app/services/ratesource"
	"github.com/lendscope/yieldoracle/internal/app/storage"
	"github.com/lendscope/yieldoracle/internal/auth"
	"github.com/lendscope/yieldoracle/pkg/logger"
)

// entry pairs a registry record with its in-memory ring buffer.
type entry struct {
	asset  domain.Asset
	buffer *ring.Buffer
}

// RefreshResult reports the outcome of one asset's refresh within a sweep.
type RefreshResult struct {
	Symbol   string
	Snapshot domain.Snapshot
	Err      error
}

// Service owns the asset registry and all ring buffers. A single mutex
// serializes every mutating operation, so latch, resize and register never
// interleave and queries always observe settled state.
type Service struct {
	assets    storage.AssetStore
	snapshots storage.SnapshotStore
	sources   *ratesource.Resolver
	log       *logger.Logger
	clock     func() time.Time

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
}

// New constructs the yield service.
func New(assets storage.AssetStore, snapshots storage.SnapshotStore, sources *ratesource.Resolver, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("yield")
	}
	if sources == nil {
		sources = ratesource.NewResolver()
	}
	return &Service{
		assets:    assets,
		snapshots: snapshots,
		sources:   sources,
		log:       log,
		clock:     time.Now,
		entries:   make(map[string]*entry),
	}
}

// Load rebuilds the in-memory registry and ring buffers from the asset store.
// Call once at startup before the keeper runs.
func (s *Service) Load(ctx context.Context) error {
	recorded, err := s.assets.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("load assets: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, asset := range recorded {
		if _, exists := s.entries[asset.Symbol]; exists {
			continue
		}
		buf, err := ring.New(asset.Capacity)
		if err != nil {
			return fmt.Errorf("restore buffer for %s: %w", asset.Symbol, err)
		}
		s.entries[asset.Symbol] = &entry{asset: asset, buffer: buf}
		s.order = append(s.order, asset.Symbol)
		metrics.SetBufferCapacity(asset.Symbol, buf.Capacity())
	}
	return nil
}

// Register binds an asset to a named rate source and ensures a
// default-capacity ring buffer exists for it. Registration is idempotent: a
// second call for a known asset only rebinds the source and never disturbs
// the buffer or the asset's position.
func (s *Service) Register(ctx context.Context, caller auth.Capability, symbol, source string) (domain.Asset, error) {
	if err := auth.RequireAdmin(caller); err != nil {
		return domain.Asset{}, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	source = strings.TrimSpace(source)
	if symbol == "" || source == "" {
		return domain.Asset{}, fmt.Errorf("%w: asset and source are required", domain.ErrInvalidAsset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[symbol]; ok {
		if existing.asset.Source == source {
			return existing.asset, nil
		}
		existing.asset.Source = source
		updated, err := s.assets.UpdateAsset(ctx, existing.asset)
		if err != nil {
			return domain.Asset{}, fmt.Errorf("rebind source: %w", err)
		}
		existing.asset = updated
		s.log.WithField("asset", symbol).
			WithField("source", source).
			Info("rate source bound")
		return updated, nil
	}

	buf, err := ring.New(ring.DefaultCapacity)
	if err != nil {
		return domain.Asset{}, err
	}
	created, err := s.assets.CreateAsset(ctx, domain.Asset{
		Symbol:   symbol,
		Source:   source,
		Capacity: buf.Capacity(),
	})
	if err != nil {
		return domain.Asset{}, fmt.Errorf("persist asset: %w", err)
	}

	s.entries[symbol] = &entry{asset: created, buffer: buf}
	s.order = append(s.order, symbol)
	metrics.SetBufferCapacity(symbol, buf.Capacity())

	s.log.WithField("asset", symbol).
		WithField("source", source).
		WithField("position", created.Position).
		Info("rate source bound")
	return created, nil
}

// Resize grows an asset's ring buffer. Shrink requests are ignored and the
// effective capacity is returned either way.
func (s *Service) Resize(ctx context.Context, caller auth.Capability, symbol string, capacity int) (int, error) {
	if err := auth.RequireAdmin(caller); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, err := s.lookupLocked(symbol)
	if err != nil {
		return 0, err
	}

	before := ent.buffer.Capacity()
	effective, err := ent.buffer.Grow(capacity)
	if err != nil {
		return effective, err
	}
	if effective == before {
		return effective, nil
	}

	ent.asset.Capacity = effective
	if updated, err := s.assets.UpdateAsset(ctx, ent.asset); err != nil {
		s.log.WithError(err).WithField("asset", ent.asset.Symbol).Warn("persist capacity change")
	} else {
		ent.asset = updated
	}
	metrics.SetBufferCapacity(ent.asset.Symbol, effective)

	s.log.WithField("asset", ent.asset.Symbol).
		WithField("capacity", effective).
		Info("buffer capacity changed")
	return effective, nil
}

// RefreshOne samples an asset's bound rate source and latches the result.
func (s *Service) RefreshOne(ctx context.Context, caller auth.Capability, symbol string) (domain.Snapshot, error) {
	if err := auth.RequireAdmin(caller); err != nil {
		return domain.Snapshot{}, err
	}
	return s.refresh(ctx, symbol)
}

// RefreshAll sweeps every registered asset in registration order. A failing
// asset never aborts the sweep; each asset's outcome is reported
// individually.
func (s *Service) RefreshAll(ctx context.Context, caller auth.Capability) ([]RefreshResult, error) {
	if err := auth.RequireAdmin(caller); err != nil {
		return nil, err
	}

	start := s.clock()

	s.mu.Lock()
	sweep := make([]string, len(s.order))
	copy(sweep, s.order)
	s.mu.Unlock()

	results := make([]RefreshResult, 0, len(sweep))
	for _, symbol := range sweep {
		snap, err := s.refresh(ctx, symbol)
		if err != nil {
			s.log.WithError(err).WithField("asset", symbol).Warn("refresh failed")
		}
		results = append(results, RefreshResult{Symbol: symbol, Snapshot: snap, Err: err})
	}

	metrics.RecordRefresh(s.clock().Sub(start))
	return results, nil
}

// refresh reads the bound rate source and latches the sampled rate. The
// source is consulted outside the registry lock; only the latch itself
// mutates shared state.
func (s *Service) refresh(ctx context.Context, symbol string) (domain.Snapshot, error) {
	s.mu.Lock()
	ent, err := s.lookupLocked(symbol)
	if err != nil {
		s.mu.Unlock()
		return domain.Snapshot{}, err
	}
	asset := ent.asset
	s.mu.Unlock()

	src, err := s.sources.Resolve(asset.Source)
	if err != nil {
		metrics.RecordLatchFailure(asset.Symbol)
		return domain.Snapshot{}, err
	}
	utilization, err := src.Utilization(ctx, asset.Symbol)
	if err != nil {
		metrics.RecordLatchFailure(asset.Symbol)
		return domain.Snapshot{}, fmt.Errorf("read utilization: %w", err)
	}
	rate, err := src.SupplyRate(ctx, asset.Symbol, utilization)
	if err != nil {
		metrics.RecordLatchFailure(asset.Symbol)
		return domain.Snapshot{}, fmt.Errorf("read supply rate: %w", err)
	}

	return s.latch(ctx, asset.Symbol, rate)
}

// latch writes a snapshot into the asset's buffer and records it for audit.
func (s *Service) latch(ctx context.Context, symbol string, rate *big.Int) (domain.Snapshot, error) {
	now := s.clock().UTC()

	s.mu.Lock()
	ent, err := s.lookupLocked(symbol)
	if err != nil {
		s.mu.Unlock()
		return domain.Snapshot{}, err
	}
	snap := ent.buffer.Latch(now.Unix(), rate)
	asset := ent.asset
	s.mu.Unlock()

	// The ring stays authoritative; a failed audit write is logged, not
	// surfaced, so persistence trouble cannot stall sampling.
	if s.snapshots != nil {
		_, err := s.snapshots.CreateYieldSnapshot(ctx, domain.Record{
			Symbol:      asset.Symbol,
			Source:      asset.Source,
			Rate:        snap.Rate,
			CollectedAt: now,
		})
		if err != nil {
			s.log.WithError(err).WithField("asset", asset.Symbol).Warn("persist snapshot")
		}
	}

	metrics.RecordLatch(asset.Symbol, asset.Source)
	s.log.WithField("asset", asset.Symbol).
		WithField("source", asset.Source).
		WithField("rate", domain.FormatRate(snap.Rate)).
		Info("snapshot latched")
	return snap, nil
}

// Yield computes the time-weighted average rate over the asset's populated
// window.
func (s *Service) Yield(_ context.Context, symbol string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, err := s.lookupLocked(symbol)
	if err != nil {
		return nil, err
	}
	avg, err := ring.TimeWeightedAverage(ent.buffer)
	metrics.RecordYieldQuery(ent.asset.Symbol, err)
	return avg, err
}

// Snapshots returns the write cursor and the raw slot sequence for an asset.
func (s *Service) Snapshots(_ context.Context, symbol string) (int, []ring.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, err := s.lookupLocked(symbol)
	if err != nil {
		return 0, nil, err
	}
	return ent.buffer.WriteIndex(), ent.buffer.Snapshots(), nil
}

// Assets lists the registry in registration order.
func (s *Service) Assets(context.Context) ([]domain.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Asset, 0, len(s.order))
	for _, symbol := range s.order {
		result = append(result, s.entries[symbol].asset)
	}
	return result, nil
}

// History returns the persisted latch records for an asset.
func (s *Service) History(ctx context.Context, symbol string) ([]domain.Record, error) {
	s.mu.Lock()
	_, err := s.lookupLocked(symbol)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if s.snapshots == nil {
		return nil, nil
	}
	return s.snapshots.ListYieldSnapshots(ctx, symbol)
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

func (s *Service) lookupLocked(symbol string) (*entry, error) {
	ent, ok := s.entries[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAsset, symbol)
	}
	return ent, nil
}

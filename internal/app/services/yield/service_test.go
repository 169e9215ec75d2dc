package yield

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	domain "github.com/lendscope/yieldoracle/internal/app/domain/yield"
	"github.com/lendscope/yieldoracle/internal/app/ring"
	"github.com/lendscope/yieldoracle/internal/app/services/ratesource"
	"github.com/lendscope/yieldoracle/internal/app/storage/memory"
	"github.com/lendscope/yieldoracle/internal/auth"
)

var admin = auth.Capability{Subject: "tester", Role: auth.RoleAdmin}

func rate(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), domain.RateUnit)
}

func newTestService(t *testing.T) (*Service, *ratesource.Resolver) {
	t.Helper()
	store := memory.New()
	resolver := ratesource.NewResolver()
	svc := New(store, store, resolver, nil)
	return svc, resolver
}

func TestService_RegisterIsIdempotent(t *testing.T) {
	svc, resolver := newTestService(t)
	resolver.Bind("pool-a", &ratesource.Static{RateValue: rate(3)})

	ctx := context.Background()
	first, err := svc.Register(ctx, admin, "usdc", "pool-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.Symbol != "USDC" {
		t.Fatalf("expected normalized symbol USDC, got %s", first.Symbol)
	}
	if first.Capacity != ring.DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", ring.DefaultCapacity, first.Capacity)
	}

	if _, err := svc.RefreshOne(ctx, admin, "USDC"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	second, err := svc.Register(ctx, admin, "USDC", "pool-a")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if second.ID != first.ID || second.Position != first.Position {
		t.Fatalf("re-registration changed identity: %+v vs %+v", second, first)
	}

	_, snaps, err := svc.Snapshots(ctx, "USDC")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if !snaps[0].Populated {
		t.Fatal("re-registration must not reset the buffer")
	}

	assets, err := svc.Assets(ctx)
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected 1 registered asset, got %d", len(assets))
	}
}

func TestService_RegisterRebindsSource(t *testing.T) {
	svc, resolver := newTestService(t)
	resolver.Bind("pool-a", &ratesource.Static{RateValue: rate(3)})
	resolver.Bind("pool-b", &ratesource.Static{RateValue: rate(7)})

	ctx := context.Background()
	if _, err := svc.Register(ctx, admin, "DAI", "pool-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	rebound, err := svc.Register(ctx, admin, "DAI", "pool-b")
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if rebound.Source != "pool-b" {
		t.Fatalf("expected source pool-b, got %s", rebound.Source)
	}

	snap, err := svc.RefreshOne(ctx, admin, "DAI")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.Rate.Cmp(rate(7)) != 0 {
		t.Fatalf("expected rate from rebound source, got %s", snap.Rate)
	}
}

func TestService_RejectsNonAdminCallers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	nobody := auth.Capability{Subject: "guest"}

	if _, err := svc.Register(ctx, nobody, "USDC", "pool-a"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("register: expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.Resize(ctx, nobody, "USDC", 10); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("resize: expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.RefreshOne(ctx, nobody, "USDC"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("refresh one: expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.RefreshAll(ctx, nobody); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("refresh all: expected ErrUnauthorized, got %v", err)
	}
}

func TestService_RegisterValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, admin, "", "pool-a"); !errors.Is(err, domain.ErrInvalidAsset) {
		t.Fatalf("empty symbol: expected ErrInvalidAsset, got %v", err)
	}
	if _, err := svc.Register(ctx, admin, "USDC", "  "); !errors.Is(err, domain.ErrInvalidAsset) {
		t.Fatalf("blank source: expected ErrInvalidAsset, got %v", err)
	}
}

func TestService_UnknownAsset(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Yield(ctx, "WBTC"); !errors.Is(err, domain.ErrUnknownAsset) {
		t.Fatalf("yield: expected ErrUnknownAsset, got %v", err)
	}
	if _, _, err := svc.Snapshots(ctx, "WBTC"); !errors.Is(err, domain.ErrUnknownAsset) {
		t.Fatalf("snapshots: expected ErrUnknownAsset, got %v", err)
	}
	if _, err := svc.Resize(ctx, admin, "WBTC", 10); !errors.Is(err, domain.ErrUnknownAsset) {
		t.Fatalf("resize: expected ErrUnknownAsset, got %v", err)
	}
}

// Five refreshes into a default buffer wrap once; the cursor returns to slot
// zero and the time-weighted average lands exactly between the endpoints.
func TestService_FullWindowYield(t *testing.T) {
	svc, resolver := newTestService(t)
	ctx := context.Background()

	src := &ratesource.Static{RateValue: rate(100)}
	resolver.Bind("pool-a", src)
	if _, err := svc.Register(ctx, admin, "USDC", "pool-a"); err != nil {
		t.Fatalf("register: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	svc.WithClock(func() time.Time { return now })

	for i := int64(0); i < 5; i++ {
		src.RateValue = rate(100 * (i + 1))
		now = time.Unix(1_700_000_000+i*10, 0)
		if _, err := svc.RefreshOne(ctx, admin, "USDC"); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}

	write, snaps, err := svc.Snapshots(ctx, "USDC")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if write != 0 {
		t.Fatalf("expected cursor back at slot 0 after filling, got %d", write)
	}
	if len(snaps) != ring.DefaultCapacity {
		t.Fatalf("expected %d slots, got %d", ring.DefaultCapacity, len(snaps))
	}

	avg, err := svc.Yield(ctx, "USDC")
	if err != nil {
		t.Fatalf("yield: %v", err)
	}
	if avg.Cmp(rate(300)) != 0 {
		t.Fatalf("expected average 300, got %s", domain.FormatRate(avg))
	}

	history, err := svc.History(ctx, "USDC")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 audit records, got %d", len(history))
	}
}

func TestService_YieldNeedsTwoSamples(t *testing.T) {
	svc, resolver := newTestService(t)
	ctx := context.Background()
	resolver.Bind("pool-a", &ratesource.Static{RateValue: rate(4)})

	if _, err := svc.Register(ctx, admin, "USDC", "pool-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Yield(ctx, "USDC"); !errors.Is(err, domain.ErrInsufficientSamples) {
		t.Fatalf("empty buffer: expected ErrInsufficientSamples, got %v", err)
	}

	if _, err := svc.RefreshOne(ctx, admin, "USDC"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := svc.Yield(ctx, "USDC"); !errors.Is(err, domain.ErrInsufficientSamples) {
		t.Fatalf("single sample: expected ErrInsufficientSamples, got %v", err)
	}
}

// A failing rate source must not abort the sweep: its neighbors still latch
// and the failure is reported in that asset's slot of the result set.
func TestService_RefreshAllIsolatesFailures(t *testing.T) {
	svc, resolver := newTestService(t)
	ctx := context.Background()

	resolver.Bind("pool-a", &ratesource.Static{RateValue: rate(1)})
	resolver.Bind("pool-b", &ratesource.Static{Err: fmt.Errorf("pool offline")})
	resolver.Bind("pool-c", &ratesource.Static{RateValue: rate(3)})

	for _, reg := range []struct{ symbol, source string }{
		{"USDC", "pool-a"},
		{"DAI", "pool-b"},
		{"USDT", "pool-c"},
	} {
		if _, err := svc.Register(ctx, admin, reg.symbol, reg.source); err != nil {
			t.Fatalf("register %s: %v", reg.symbol, err)
		}
	}

	results, err := svc.RefreshAll(ctx, admin)
	if err != nil {
		t.Fatalf("refresh all: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Symbol != "USDC" || results[0].Err != nil {
		t.Fatalf("expected USDC to latch, got %+v", results[0])
	}
	if results[1].Symbol != "DAI" || results[1].Err == nil {
		t.Fatalf("expected DAI to fail, got %+v", results[1])
	}
	if results[2].Symbol != "USDT" || results[2].Err != nil {
		t.Fatalf("expected USDT to latch, got %+v", results[2])
	}

	for _, symbol := range []string{"USDC", "USDT"} {
		_, snaps, err := svc.Snapshots(ctx, symbol)
		if err != nil {
			t.Fatalf("snapshots %s: %v", symbol, err)
		}
		if !snaps[0].Populated {
			t.Fatalf("%s should have latched during the sweep", symbol)
		}
	}
	_, snaps, err := svc.Snapshots(ctx, "DAI")
	if err != nil {
		t.Fatalf("snapshots DAI: %v", err)
	}
	if snaps[0].Populated {
		t.Fatal("DAI must not latch when its source fails")
	}
}

func TestService_ResizePersistsAndIgnoresShrink(t *testing.T) {
	svc, resolver := newTestService(t)
	ctx := context.Background()
	resolver.Bind("pool-a", &ratesource.Static{RateValue: rate(2)})

	if _, err := svc.Register(ctx, admin, "USDC", "pool-a"); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := svc.Resize(ctx, admin, "USDC", 10)
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	if got != 10 {
		t.Fatalf("expected capacity 10, got %d", got)
	}

	got, err = svc.Resize(ctx, admin, "USDC", 4)
	if err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if got != 10 {
		t.Fatalf("shrink must be a no-op, got capacity %d", got)
	}

	if _, err := svc.Resize(ctx, admin, "USDC", ring.MaxCapacity+1); !errors.Is(err, domain.ErrCapacityTooLarge) {
		t.Fatalf("expected ErrCapacityTooLarge, got %v", err)
	}

	assets, err := svc.Assets(ctx)
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if assets[0].Capacity != 10 {
		t.Fatalf("capacity not persisted, got %d", assets[0].Capacity)
	}
}

func TestService_LoadRestoresRegistry(t *testing.T) {
	store := memory.New()
	resolver := ratesource.NewResolver()
	resolver.Bind("pool-a", &ratesource.Static{RateValue: rate(2)})

	ctx := context.Background()
	first := New(store, store, resolver, nil)
	if _, err := first.Register(ctx, admin, "USDC", "pool-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := first.Resize(ctx, admin, "USDC", 8); err != nil {
		t.Fatalf("resize: %v", err)
	}

	second := New(store, store, resolver, nil)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	assets, err := second.Assets(ctx)
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 1 || assets[0].Symbol != "USDC" || assets[0].Capacity != 8 {
		t.Fatalf("registry not restored: %+v", assets)
	}
	_, snaps, err := second.Snapshots(ctx, "USDC")
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(snaps) != 8 {
		t.Fatalf("expected restored buffer of 8 slots, got %d", len(snaps))
	}
}

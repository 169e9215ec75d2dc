package storage

import (
	"context"

	"github.com/lendscope/yieldoracle/internal/app/domain/yield"
)

// AssetStore persists registry records. Listing returns assets in
// registration (position) order.
type AssetStore interface {
	CreateAsset(ctx context.Context, asset yield.Asset) (yield.Asset, error)
	UpdateAsset(ctx context.Context, asset yield.Asset) (yield.Asset, error)
	GetAsset(ctx context.Context, symbol string) (yield.Asset, error)
	ListAssets(ctx context.Context) ([]yield.Asset, error)
}

// SnapshotStore persists latched rate observations for audit and replay. The
// in-memory ring buffer remains the authoritative aggregation window.
type SnapshotStore interface {
	CreateYieldSnapshot(ctx context.Context, rec yield.Record) (yield.Record, error)
	ListYieldSnapshots(ctx context.Context, symbol string) ([]yield.Record, error)
}

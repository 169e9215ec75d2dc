//go:build integration && postgres

package postgres

import (
	"context"
	"database/sql"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/lendscope/yieldoracle/internal/app/domain/yield"
)

// Integration test against Postgres to ensure migrations and the store round
// trip work with real persistence.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, "../../../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	store := New(db)

	created, err := store.CreateAsset(ctx, yield.Asset{Symbol: "ITEST", Source: "pool-a", Capacity: 5})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(ctx, "DELETE FROM yield_snapshots WHERE symbol = 'ITEST'")
		_, _ = db.ExecContext(ctx, "DELETE FROM yield_assets WHERE symbol = 'ITEST'")
	})

	created.Capacity = 10
	updated, err := store.UpdateAsset(ctx, created)
	if err != nil {
		t.Fatalf("update asset: %v", err)
	}
	if updated.Capacity != 10 {
		t.Fatalf("capacity not updated: %d", updated.Capacity)
	}

	got, err := store.GetAsset(ctx, "ITEST")
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if got.Position != created.Position {
		t.Fatalf("position changed across update: %d vs %d", got.Position, created.Position)
	}

	// 256-bit scale rate must survive the NUMERIC round trip.
	rate, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if _, err := store.CreateYieldSnapshot(ctx, yield.Record{
		Symbol:      "ITEST",
		Source:      "pool-a",
		Rate:        rate,
		CollectedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create snapshot: %v", err)
	}

	records, err := store.ListYieldSnapshots(ctx, "ITEST")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(records) == 0 || records[len(records)-1].Rate.Cmp(rate) != 0 {
		t.Fatalf("rate did not round trip: %+v", records)
	}
}

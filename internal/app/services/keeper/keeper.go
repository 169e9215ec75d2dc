// Package keeper drives periodic refresh sweeps. It is the only caller of
// RefreshAll in normal operation; everything it does is also reachable
// through the admin HTTP surface for manual runs.
package keeper

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	yieldsvc "github.com/lendscope/yieldoracle/internal/app/services/yield"
	"github.com/lendscope/yieldoracle/internal/app/system"
	"github.com/lendscope/yieldoracle/internal/auth"
	"github.com/lendscope/yieldoracle/pkg/logger"
)

var _ system.Service = (*Keeper)(nil)

// DefaultInterval is used when no cron schedule is configured.
const DefaultInterval = 30 * time.Second

// Keeper periodically sweeps every registered asset and latches fresh
// snapshots. It runs either on a fixed interval or on a standard cron
// schedule.
type Keeper struct {
	oracle   *yieldsvc.Service
	log      *logger.Logger
	interval time.Duration
	schedule cron.Schedule
	caller   auth.Capability

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a lifecycle-managed keeper. An empty spec selects the default
// fixed interval; otherwise spec is parsed as a standard five-field cron
// expression.
func New(oracle *yieldsvc.Service, spec string, log *logger.Logger) (*Keeper, error) {
	if log == nil {
		log = logger.NewDefault("keeper")
	}
	k := &Keeper{
		oracle:   oracle,
		log:      log,
		interval: DefaultInterval,
		caller:   auth.Capability{Subject: "keeper", Role: auth.RoleAdmin},
	}
	if spec != "" {
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return nil, err
		}
		k.schedule = schedule
	}
	return k, nil
}

// WithInterval overrides the fixed sweep interval. Ignored when a cron
// schedule is configured.
func (k *Keeper) WithInterval(interval time.Duration) {
	k.mu.Lock()
	if interval > 0 {
		k.interval = interval
	}
	k.mu.Unlock()
}

func (k *Keeper) Name() string { return "keeper" }

func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.running = true
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.run(runCtx)
	}()

	k.log.Info("keeper started")
	return nil
}

func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	cancel := k.cancel
	k.running = false
	k.cancel = nil
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		k.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	k.log.Info("keeper stopped")
	return nil
}

func (k *Keeper) run(ctx context.Context) {
	timer := time.NewTimer(k.wait(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			k.Tick(ctx)
			timer.Reset(k.wait(time.Now()))
		}
	}
}

// wait returns the delay until the next sweep from the given instant.
func (k *Keeper) wait(from time.Time) time.Duration {
	if k.schedule != nil {
		d := k.schedule.Next(from).Sub(from)
		if d <= 0 {
			d = time.Second
		}
		return d
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interval
}

// Tick runs one refresh sweep. Exposed so manual trigger paths and tests can
// reuse the exact behavior of a scheduled run.
func (k *Keeper) Tick(ctx context.Context) {
	if k.oracle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	results, err := k.oracle.RefreshAll(ctx, k.caller)
	if err != nil {
		k.log.WithError(err).Warn("refresh sweep failed")
		return
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	k.log.WithField("assets", len(results)).
		WithField("failed", failed).
		Debug("refresh sweep completed")
}

// Package ratesource adapts external lending pools into the two-step rate
// contract the oracle consumes: current utilization, then the supply rate at
// that utilization.
package ratesource

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// Source provides point-in-time lending pool rates for an asset. Values are
// 18-decimal fixed point. Implementations are read-only; two consecutive
// calls may observe different values.
type Source interface {
	Utilization(ctx context.Context, symbol string) (*big.Int, error)
	SupplyRate(ctx context.Context, symbol string, utilization *big.Int) (*big.Int, error)
}

// Static returns fixed values for every asset. Useful for tests and local
// development.
type Static struct {
	UtilizationValue *big.Int
	RateValue        *big.Int
	Err              error
}

func (s *Static) Utilization(context.Context, string) (*big.Int, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.UtilizationValue == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(s.UtilizationValue), nil
}

func (s *Static) SupplyRate(context.Context, string, *big.Int) (*big.Int, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.RateValue == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(s.RateValue), nil
}

// Resolver maps source binding identifiers to configured implementations.
type Resolver struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{sources: make(map[string]Source)}
}

// Bind registers a named source, replacing any previous binding.
func (r *Resolver) Bind(name string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[strings.TrimSpace(name)] = src
}

// Resolve returns the source bound to the given name.
func (r *Resolver) Resolve(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[strings.TrimSpace(name)]
	if !ok || src == nil {
		return nil, fmt.Errorf("rate source %q is not configured", name)
	}
	return src, nil
}

package ring

import (
	"fmt"
	"math/big"

	"github.com/lendscope/yieldoracle/internal/app/domain/yield"
)

// TimeWeightedAverage folds the buffer's populated window into a single
// 18-decimal fixed-point rate. Each pair of consecutive snapshots contributes
// the trapezoidal midpoint of their rates weighted by the elapsed time
// between them; the oldest snapshot seeds the fold and carries no weight of
// its own.
//
// The computation stays in integer arithmetic throughout. It fails with
// yield.ErrInsufficientSamples when the window holds fewer than two
// populated snapshots with distinct timestamps, since the final division
// would be undefined.
func TimeWeightedAverage(b *Buffer) (*big.Int, error) {
	snaps := b.Ordered()
	if len(snaps) < 2 {
		return nil, fmt.Errorf("%w: %d snapshot(s) in window", yield.ErrInsufficientSamples, len(snaps))
	}

	prev := snaps[0]
	totalElapsed := int64(0)
	weightedSum := new(big.Int)

	for _, s := range snaps[1:] {
		elapsed := s.Timestamp - prev.Timestamp
		mid := new(big.Int).Add(prev.Rate, s.Rate)
		mid.Rsh(mid, 1)
		weightedSum.Add(weightedSum, mid.Mul(mid, big.NewInt(elapsed)))
		totalElapsed += elapsed
		prev = s
	}

	if totalElapsed == 0 {
		return nil, fmt.Errorf("%w: all samples share one timestamp", yield.ErrInsufficientSamples)
	}
	return weightedSum.Quo(weightedSum, big.NewInt(totalElapsed)), nil
}

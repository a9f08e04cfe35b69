// Package penalty computes the CU burned when a user leaves or switches
// sides on a forecast whose pool is already locked.
//
// The burn rate is the larger of a 10% floor and the user's side's share of
// the whole pool:
//
//	share    = yourSide / totalPool
//	rate     = max(0.10, share)
//	burned   = floor(committed * rate)
//	refunded = committed - burned
//
// A minority exiter always forfeits at least 10%; a dominant holder of one
// side forfeits their proportional share. An empty pool (totalPool == 0)
// burns nothing. Everything here is pure.
package penalty

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/commitment-engine/internal/model"
)

// MinBurnPercent is the burn-rate floor for any locked exit.
const MinBurnPercent = 10

var (
	minRate = decimal.New(MinBurnPercent, -2)
	hundred = decimal.NewFromInt(100)
)

// Result is the outcome of a penalty computation.
type Result struct {
	// BurnRate is the applied rate in percent, rounded for display
	// (a 66.67% share reports 67).
	BurnRate int64 `json:"burn_rate"`

	// Rate is the exact applied rate as a fraction in [0, 1].
	Rate decimal.Decimal `json:"rate"`

	CUBurned   int64 `json:"cu_burned"`
	CURefunded int64 `json:"cu_refunded"`
}

// Calculate returns the penalty for withdrawing committed CU from a side
// holding yourSide CU out of a pool of totalPool CU. Negative inputs are
// treated as zero.
//
// The burned amount is computed with integer arithmetic so the floor is
// exact: committed*yourSide/totalPool never picks up rounding from a
// truncated decimal share.
func Calculate(committed, yourSide, totalPool int64) Result {
	committed = max(committed, 0)
	yourSide = max(yourSide, 0)
	totalPool = max(totalPool, 0)

	if totalPool == 0 {
		return Result{Rate: decimal.Zero, CURefunded: committed}
	}

	share := decimal.NewFromInt(yourSide).Div(decimal.NewFromInt(totalPool))

	var rate decimal.Decimal
	var burned int64
	if share.LessThan(minRate) {
		rate = minRate
		burned = committed * MinBurnPercent / 100
	} else {
		rate = share
		burned = committed * yourSide / totalPool
	}
	burned = min(burned, committed)

	return Result{
		BurnRate:   rate.Mul(hundred).Round(0).IntPart(),
		Rate:       rate,
		CUBurned:   burned,
		CURefunded: committed - burned,
	}
}

// Pool is the input state for Calculate, aggregated over open commitments.
type Pool struct {
	YourSide int64 `json:"your_side_cu"`
	Total    int64 `json:"total_pool_cu"`
}

// PoolFor sums the CU on side and across all sides. Settled commitments
// are not part of the open pool.
func PoolFor(side model.Side, commitments []model.Commitment) Pool {
	var p Pool
	for _, c := range commitments {
		if c.Settled() {
			continue
		}
		p.Total += c.CUCommitted
		if c.Side.Equal(side) {
			p.YourSide += c.CUCommitted
		}
	}
	return p
}

// ForCommitment computes the penalty for withdrawing c in full from the
// given open commitments (which should include c itself).
func ForCommitment(c *model.Commitment, commitments []model.Commitment) (Result, Pool) {
	pool := PoolFor(c.Side, commitments)
	return Calculate(c.CUCommitted, pool.YourSide, pool.Total), pool
}

package commitment

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/commitment-engine/internal/engineerr"
	"github.com/atmx/commitment-engine/internal/model"
	"github.com/atmx/commitment-engine/internal/penalty"
)

const (
	opPreview = "commitment.preview_exit"
	opStats   = "commitment.stats"

	// statsFetchLimit bounds concurrent prediction lookups in Stats.
	statsFetchLimit = 8
)

// Preview is what Remove would do right now. Nothing is written.
type Preview struct {
	CUCommitted int64 `json:"cu_committed"`
	CUBurned    int64 `json:"cu_burned"`
	CURefunded  int64 `json:"cu_refunded"`
	BurnRate    int64 `json:"burn_rate"`
	TotalPoolCU int64 `json:"total_pool_cu"`
	YourSideCU  int64 `json:"your_side_cu"`
	Locked      bool  `json:"locked"`
}

// PreviewExit computes the penalty for withdrawing the user's commitment
// against the current pool, for a confirmation dialog.
func (m *Manager) PreviewExit(ctx context.Context, userID, predictionID string) (*Preview, error) {
	c, err := getCommitment(ctx, m.store, opPreview, userID, predictionID)
	if err != nil {
		return nil, err
	}
	p, err := getPrediction(ctx, m.store, opPreview, predictionID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.StatusActive {
		return nil, engineerr.New(engineerr.KindInvalidState, opPreview, "prediction is %s, not ACTIVE", p.Status)
	}

	open, err := m.store.ListCommitments(ctx, predictionID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindCommitmentFailed, opPreview, err)
	}
	pool := penalty.PoolFor(c.Side, open)

	preview := &Preview{
		CUCommitted: c.CUCommitted,
		CURefunded:  c.CUCommitted,
		TotalPoolCU: pool.Total,
		YourSideCU:  pool.YourSide,
		Locked:      p.Locked(),
	}
	if p.Locked() {
		r := penalty.Calculate(c.CUCommitted, pool.YourSide, pool.Total)
		preview.CUBurned = r.CUBurned
		preview.CURefunded = r.CURefunded
		preview.BurnRate = r.BurnRate
	}
	return preview, nil
}

// Stats summarizes a user's forecasting record.
type Stats struct {
	Total            int             `json:"total"`
	Resolved         int             `json:"resolved"`
	Correct          int             `json:"correct"`
	Wrong            int             `json:"wrong"`
	Pending          int             `json:"pending"`
	Accuracy         *int64          `json:"accuracy"` // percent; nil until something resolves
	TotalCUCommitted int64           `json:"total_cu_committed"`
	TotalCUReturned  int64           `json:"total_cu_returned"`
	NetCU            int64           `json:"net_cu"`
	TotalRSChange    decimal.Decimal `json:"total_rs_change"`
}

// Stats aggregates every commitment the user has made. A resolved
// commitment counts as correct when it returned more than it staked and
// as wrong when it returned nothing.
func (m *Manager) Stats(ctx context.Context, userID string) (*Stats, error) {
	if _, err := getUser(ctx, m.store, opStats, userID); err != nil {
		return nil, err
	}
	commitments, err := m.store.ListUserCommitments(ctx, userID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindCommitmentFailed, opStats, err)
	}

	statuses := make([]model.PredictionStatus, len(commitments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsFetchLimit)
	for i := range commitments {
		i := i
		g.Go(func() error {
			p, err := getPrediction(gctx, m.store, opStats, commitments[i].PredictionID)
			if err != nil {
				return err
			}
			statuses[i] = p.Status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &Stats{Total: len(commitments), TotalRSChange: decimal.Zero}
	for i, c := range commitments {
		s.TotalCUCommitted += c.CUCommitted
		var returned int64
		if c.CUReturned != nil {
			returned = *c.CUReturned
		}
		s.TotalCUReturned += returned
		if c.RSChange != nil {
			s.TotalRSChange = s.TotalRSChange.Add(*c.RSChange)
		}

		switch statuses[i] {
		case model.StatusResolvedCorrect, model.StatusResolvedWrong:
			s.Resolved++
			if returned > c.CUCommitted {
				s.Correct++
			} else if returned == 0 {
				s.Wrong++
			}
		case model.StatusActive, model.StatusPending:
			s.Pending++
		}
	}
	if s.Resolved > 0 {
		acc := int64(s.Correct*100+s.Resolved/2) / int64(s.Resolved)
		s.Accuracy = &acc
	}
	s.NetCU = s.TotalCUReturned - s.TotalCUCommitted
	s.TotalRSChange = s.TotalRSChange.Round(2)
	return s, nil
}

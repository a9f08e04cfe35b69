package penalty

import (
	"testing"

	"github.com/atmx/commitment-engine/internal/model"
)

func check(t *testing.T, got Result, rate, burned, refunded int64) {
	t.Helper()
	if got.BurnRate != rate {
		t.Errorf("burn rate: expected %d, got %d", rate, got.BurnRate)
	}
	if got.CUBurned != burned {
		t.Errorf("burned: expected %d, got %d", burned, got.CUBurned)
	}
	if got.CURefunded != refunded {
		t.Errorf("refunded: expected %d, got %d", refunded, got.CURefunded)
	}
}

// --- Worked scenarios ---

func TestCalculate_MinorityHitsFloor(t *testing.T) {
	// 5 of 100 on your side: 5% share, floor applies.
	check(t, Calculate(100, 5, 100), 10, 10, 90)
}

func TestCalculate_MajorityPaysShare(t *testing.T) {
	check(t, Calculate(100, 60, 100), 60, 60, 40)
}

func TestCalculate_ThirdShare(t *testing.T) {
	check(t, Calculate(100, 33, 100), 33, 33, 67)
}

func TestCalculate_RoundedRateFlooredBurn(t *testing.T) {
	// 100/150 = 66.67%: the displayed rate rounds up, the burn floors down.
	check(t, Calculate(100, 100, 150), 67, 66, 34)
}

func TestCalculate_ExactlyAtFloor(t *testing.T) {
	check(t, Calculate(200, 10, 100), 10, 20, 180)
}

func TestCalculate_FloorRoundsDown(t *testing.T) {
	// 10% of 15 is 1.5.
	check(t, Calculate(15, 1, 100), 10, 1, 14)
}

// --- Edge cases ---

func TestCalculate_SoloExitBurnsNothing(t *testing.T) {
	got := Calculate(50, 0, 0)
	check(t, got, 0, 0, 50)
	if !got.Rate.IsZero() {
		t.Errorf("expected zero rate, got %s", got.Rate)
	}
}

func TestCalculate_WholePoolBurnsEverything(t *testing.T) {
	check(t, Calculate(100, 100, 100), 100, 100, 0)
}

func TestCalculate_ZeroCommitted(t *testing.T) {
	check(t, Calculate(0, 50, 100), 50, 0, 0)
}

func TestCalculate_NegativeInputsClamp(t *testing.T) {
	check(t, Calculate(-5, -1, -1), 0, 0, 0)
}

func TestCalculate_Conserves(t *testing.T) {
	for committed := int64(1); committed <= 250; committed += 7 {
		for side := int64(0); side <= 300; side += 13 {
			total := side + 150
			r := Calculate(committed, side, total)
			if r.CUBurned+r.CURefunded != committed {
				t.Fatalf("c=%d side=%d total=%d: %d + %d != %d",
					committed, side, total, r.CUBurned, r.CURefunded, committed)
			}
			if r.CUBurned < 0 || r.CUBurned > committed {
				t.Fatalf("c=%d side=%d total=%d: burned %d out of range",
					committed, side, total, r.CUBurned)
			}
			if r.BurnRate < MinBurnPercent {
				t.Fatalf("c=%d side=%d total=%d: rate %d below floor",
					committed, side, total, r.BurnRate)
			}
		}
	}
}

func TestCalculate_Deterministic(t *testing.T) {
	first := Calculate(137, 41, 299)
	for i := 0; i < 100; i++ {
		got := Calculate(137, 41, 299)
		if got.CUBurned != first.CUBurned || !got.Rate.Equal(first.Rate) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestCalculate_LargerShareNeverBurnsLess(t *testing.T) {
	prev := int64(-1)
	for side := int64(0); side <= 1000; side += 25 {
		r := Calculate(500, side, 1000)
		if r.CUBurned < prev {
			t.Fatalf("side=%d: burned %d < previous %d", side, r.CUBurned, prev)
		}
		prev = r.CUBurned
	}
}

// --- Pool aggregation ---

func TestPoolFor_BinarySides(t *testing.T) {
	cs := []model.Commitment{
		{UserID: "a", Side: model.BinarySide(true), CUCommitted: 40},
		{UserID: "b", Side: model.BinarySide(true), CUCommitted: 20},
		{UserID: "c", Side: model.BinarySide(false), CUCommitted: 40},
	}
	p := PoolFor(model.BinarySide(true), cs)
	if p.YourSide != 60 || p.Total != 100 {
		t.Errorf("expected 60/100, got %d/%d", p.YourSide, p.Total)
	}
	p = PoolFor(model.BinarySide(false), cs)
	if p.YourSide != 40 || p.Total != 100 {
		t.Errorf("expected 40/100, got %d/%d", p.YourSide, p.Total)
	}
}

func TestPoolFor_Options(t *testing.T) {
	cs := []model.Commitment{
		{UserID: "a", Side: model.OptionSide("o1"), CUCommitted: 10},
		{UserID: "b", Side: model.OptionSide("o2"), CUCommitted: 30},
		{UserID: "c", Side: model.OptionSide("o3"), CUCommitted: 60},
	}
	p := PoolFor(model.OptionSide("o2"), cs)
	if p.YourSide != 30 || p.Total != 100 {
		t.Errorf("expected 30/100, got %d/%d", p.YourSide, p.Total)
	}
}

func TestPoolFor_SkipsSettled(t *testing.T) {
	returned := int64(0)
	cs := []model.Commitment{
		{UserID: "a", Side: model.BinarySide(true), CUCommitted: 40},
		{UserID: "b", Side: model.BinarySide(true), CUCommitted: 99, CUReturned: &returned},
	}
	p := PoolFor(model.BinarySide(true), cs)
	if p.YourSide != 40 || p.Total != 40 {
		t.Errorf("expected 40/40, got %d/%d", p.YourSide, p.Total)
	}
}

func TestForCommitment(t *testing.T) {
	cs := []model.Commitment{
		{UserID: "a", Side: model.BinarySide(true), CUCommitted: 5},
		{UserID: "b", Side: model.BinarySide(false), CUCommitted: 95},
	}
	r, pool := ForCommitment(&cs[0], cs)
	if pool.YourSide != 5 || pool.Total != 100 {
		t.Errorf("expected pool 5/100, got %d/%d", pool.YourSide, pool.Total)
	}
	// 5% share hits the floor: 10% of 5 floors to 0.
	check(t, r, 10, 0, 5)
}

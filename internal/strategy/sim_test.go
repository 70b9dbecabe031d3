package strategy

import (
	"math"
	"testing"
	"time"

	"perp-mm/pkg/types"
)

func bidLevel(price, sizeUSD float64) types.QuoteLevel {
	return types.QuoteLevel{
		Key:     types.NewLevelKey("BTC", types.Bid, 1),
		Asset:   "BTC",
		Side:    types.Bid,
		Tier:    1,
		Price:   price,
		SizeUSD: sizeUSD,
	}
}

func sellPrint(price, notional float64, at time.Time) types.TradePrint {
	return types.TradePrint{Asset: "BTC", Price: price, Size: notional / price, IsBuy: false, Time: at}
}

func TestSimRegisterAndFill(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()
	key := types.NewLevelKey("BTC", types.Bid, 1)

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)
	if !sim.Registered(key) {
		t.Fatal("level not registered after sync")
	}

	// $20 of taker selling through a $12 order: probability 20/24 ≈ 0.83.
	sim.ObserveTrade(sellPrint(99.99, 20, t0.Add(time.Second)))
	if p := sim.FillProbability(key); math.Abs(p-20.0/24.0) > 1e-9 {
		t.Fatalf("fill probability = %v, want %v", p, 20.0/24.0)
	}

	fills := sim.CollectFills(t0.Add(2 * time.Second))
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	f := fills[0]
	if f.Asset != "BTC" || f.Side != types.Bid || f.Tier != 1 {
		t.Errorf("fill identity = %s/%s/%d", f.Asset, f.Side, f.Tier)
	}
	if f.SizeUSD != 12 {
		t.Errorf("fill size = %v, want the order size 12", f.SizeUSD)
	}
	if math.Abs(f.RebateUSD-12*0.0001) > 1e-12 {
		t.Errorf("rebate = %v, want %v", f.RebateUSD, 12*0.0001)
	}
	if !f.Simulated {
		t.Error("fill not marked simulated")
	}
	if sim.Registered(key) {
		t.Error("filled order still registered")
	}
}

func TestSimBelowThresholdDoesNotFill(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)
	sim.ObserveTrade(sellPrint(99.99, 10, t0.Add(time.Second))) // 10/24 < 0.70

	if fills := sim.CollectFills(t0.Add(2 * time.Second)); len(fills) != 0 {
		t.Errorf("expected no fills below threshold, got %d", len(fills))
	}
}

func TestSimTradesAboveBidDoNotCount(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()
	key := types.NewLevelKey("BTC", types.Bid, 1)

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)

	// A sell printing above our bid never reached us; a taker buy at any
	// price is the wrong direction for a bid.
	sim.ObserveTrade(sellPrint(100.5, 100, t0.Add(time.Second)))
	sim.ObserveTrade(types.TradePrint{Asset: "BTC", Price: 99, Size: 1, IsBuy: true, Time: t0.Add(2 * time.Second)})

	if p := sim.FillProbability(key); p != 0 {
		t.Errorf("fill probability = %v, want 0", p)
	}
}

func TestSimIdempotentReRegistrationKeepsAccruedVolume(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()
	key := types.NewLevelKey("BTC", types.Bid, 1)

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)
	sim.ObserveTrade(sellPrint(99.99, 10, t0.Add(time.Second)))
	before := sim.FillProbability(key)

	// Same key at the same price on the next tick: must be a no-op.
	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0.Add(2*time.Second))
	if after := sim.FillProbability(key); after != before {
		t.Errorf("probability changed on re-registration: %v -> %v", before, after)
	}
}

func TestSimSameTimestampPrintsAllCount(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()
	key := types.NewLevelKey("BTC", types.Bid, 1)

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 30)}, 0.01, t0)

	// Venues batch trade prints at millisecond resolution, so distinct
	// prints routinely share a timestamp. Both must accrue.
	at := t0.Add(50 * time.Millisecond)
	sim.ObserveTrade(sellPrint(99.99, 30, at))
	sim.ObserveTrade(sellPrint(99.98, 30, at))

	if p := sim.FillProbability(key); math.Abs(p-1.0) > 1e-9 {
		t.Fatalf("fill probability = %v, want 1.0 (60 USD through a 30 USD level)", p)
	}
	fills := sim.CollectFills(at)
	if len(fills) != 1 {
		t.Fatalf("CollectFills returned %d fills, want 1", len(fills))
	}
}

func TestSimPreRegistrationTradesIgnored(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()
	key := types.NewLevelKey("BTC", types.Bid, 1)

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)
	sim.ObserveTrade(sellPrint(99.99, 100, t0.Add(-time.Second)))

	if p := sim.FillProbability(key); p != 0 {
		t.Errorf("fill probability = %v, want 0 for trades before registration", p)
	}
}

func TestSimPriceMoveReplacesWithoutSideEffects(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()
	key := types.NewLevelKey("BTC", types.Bid, 1)

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)
	sim.ObserveTrade(sellPrint(99.99, 20, t0.Add(time.Second))) // past threshold

	// Price moved more than one tick: the old order is destroyed, not
	// filled, and the replacement starts from zero.
	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100.05, 12)}, 0.01, t0.Add(2*time.Second))
	if p := sim.FillProbability(key); p != 0 {
		t.Errorf("fill probability = %v, want 0 after replacement", p)
	}
	if fills := sim.CollectFills(t0.Add(3 * time.Second)); len(fills) != 0 {
		t.Errorf("replacement produced %d fills, want 0", len(fills))
	}
}

func TestSimPriceMoveWithinTickKeepsOrder(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()
	key := types.NewLevelKey("BTC", types.Bid, 1)

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)
	sim.ObserveTrade(sellPrint(99.99, 10, t0.Add(time.Second)))

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100.005, 12)}, 0.01, t0.Add(2*time.Second))
	if p := sim.FillProbability(key); p == 0 {
		t.Error("sub-tick price drift must not destroy the shadow order")
	}
}

func TestSimVanishedLevelIsCancelled(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()
	key := types.NewLevelKey("BTC", types.Bid, 1)

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)
	sim.SyncLevels("BTC", nil, 0.01, t0.Add(time.Second))
	if sim.Registered(key) {
		t.Error("order survived its level vanishing from the grid")
	}
}

func TestSimCollectFillsDeterministicOrder(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.5, 0.0001)
	t0 := time.Now()

	levels := []types.QuoteLevel{
		{Key: types.NewLevelKey("BTC", types.Bid, 2), Asset: "BTC", Side: types.Bid, Tier: 2, Price: 99, SizeUSD: 12},
		{Key: types.NewLevelKey("BTC", types.Bid, 1), Asset: "BTC", Side: types.Bid, Tier: 1, Price: 100, SizeUSD: 12},
	}
	sim.SyncLevels("BTC", levels, 0.01, t0)
	sim.ObserveTrade(sellPrint(98.5, 50, t0.Add(time.Second))) // through both

	fills := sim.CollectFills(t0.Add(2 * time.Second))
	if len(fills) != 2 {
		t.Fatalf("expected 2 fills, got %d", len(fills))
	}
	if fills[0].Tier != 1 || fills[1].Tier != 2 {
		t.Errorf("fills out of order: tiers %d, %d", fills[0].Tier, fills[1].Tier)
	}
}

func TestSimRemoveAsset(t *testing.T) {
	t.Parallel()
	sim := NewFillSimulator(0.70, 0.0001)
	t0 := time.Now()

	sim.SyncLevels("BTC", []types.QuoteLevel{bidLevel(100, 12)}, 0.01, t0)
	eth := types.QuoteLevel{Key: types.NewLevelKey("ETH", types.Bid, 1), Asset: "ETH", Side: types.Bid, Tier: 1, Price: 50, SizeUSD: 12}
	sim.SyncLevels("ETH", []types.QuoteLevel{eth}, 0.01, t0)

	sim.RemoveAsset("BTC")
	if sim.Registered(types.NewLevelKey("BTC", types.Bid, 1)) {
		t.Error("BTC order survived RemoveAsset")
	}
	if !sim.Registered(eth.Key) {
		t.Error("ETH order removed by BTC RemoveAsset")
	}
}

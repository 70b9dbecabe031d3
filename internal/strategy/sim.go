package strategy

import (
	"math"
	"sort"
	"time"

	"perp-mm/pkg/types"
)

// shadowOrder tracks one simulated resting order. registeredAt is the
// watermark: prints from before the order existed are excluded, and a level
// persisting across ticks keeps accumulating from where it left off. Each
// print reaches ObserveTrade exactly once (the feed channels are drained
// once per tick), so there is no per-trade replay to guard against.
type shadowOrder struct {
	key          types.LevelKey
	asset        string
	side         types.Side
	tier         int
	price        float64
	sizeUSD      float64
	registeredAt time.Time
	volumeUSD    float64 // taker volume traded at-or-through our price
}

// fillProbability estimates the chance the order filled, assuming we sit in
// the middle of the queue at our level (hence the 2× size denominator).
func (o *shadowOrder) fillProbability() float64 {
	if o.sizeUSD <= 0 {
		return 0
	}
	return math.Min(o.volumeUSD/(2*o.sizeUSD), 1)
}

// FillSimulator estimates fills for shadow-mode quoting without touching the
// real order book. Lifecycle per (asset, side, tier) identity key:
//
//	Unregistered → Registered → Filled | Replaced
//
// Re-registering an already-Registered key is a no-op: it must not create a
// duplicate and must not reset accrued volume. A registered order is only
// torn down when its target price moves more than one tick (Replaced, no
// side effects), its level disappears from the grid (cancelled), or it fills.
type FillSimulator struct {
	threshold  float64
	rebateRate float64
	orders     map[types.LevelKey]*shadowOrder
}

// NewFillSimulator creates a simulator. threshold is the fill probability at
// which a Registered order converts to a fill; rebateRate accrues per filled
// USD notional.
func NewFillSimulator(threshold, rebateRate float64) *FillSimulator {
	return &FillSimulator{
		threshold:  threshold,
		rebateRate: rebateRate,
		orders:     make(map[types.LevelKey]*shadowOrder),
	}
}

// SyncLevels reconciles the simulator with this tick's target grid for one
// asset. Levels whose key is already registered within one tick of the same
// price are left untouched; moved levels are replaced (old order destroyed
// without side effects); new keys register fresh at now. Registered orders
// whose key vanished from the grid are cancelled.
func (s *FillSimulator) SyncLevels(asset string, levels []types.QuoteLevel, tickSize float64, now time.Time) {
	desired := make(map[types.LevelKey]types.QuoteLevel, len(levels))
	for _, lv := range levels {
		desired[lv.Key] = lv
	}

	// Cancel or replace existing orders for this asset.
	for key, o := range s.orders {
		if o.asset != asset {
			continue
		}
		lv, wanted := desired[key]
		if !wanted {
			delete(s.orders, key)
			continue
		}
		if math.Abs(lv.Price-o.price) > tickSize {
			// Price moved beyond one tick: replace. Destroying and
			// re-registering resets accrued volume intentionally since the
			// new order has not been resting yet.
			delete(s.orders, key)
		}
	}

	for key, lv := range desired {
		if _, registered := s.orders[key]; registered {
			continue // idempotent re-registration
		}
		s.orders[key] = &shadowOrder{
			key:          key,
			asset:        lv.Asset,
			side:         lv.Side,
			tier:         lv.Tier,
			price:        lv.Price,
			sizeUSD:      lv.SizeUSD,
			registeredAt: now,
		}
	}
}

// ObserveTrade feeds one trade print into every registered order for the
// asset. Prints from before an order was registered are excluded; everything
// at or after registration counts, including several prints that share one
// timestamp. A trade is "through" a bid when a taker sell prints at or below
// it, and through an ask when a taker buy prints at or above it.
func (s *FillSimulator) ObserveTrade(t types.TradePrint) {
	for _, o := range s.orders {
		if o.asset != t.Asset || t.Time.Before(o.registeredAt) {
			continue
		}
		through := false
		if o.side == types.Bid {
			through = !t.IsBuy && t.Price <= o.price
		} else {
			through = t.IsBuy && t.Price >= o.price
		}
		if through {
			o.volumeUSD += t.NotionalUSD()
		}
	}
}

// CollectFills converts every order at or past the fill threshold into a
// FillEvent and removes it. Results are ordered by key so a tick's fills are
// applied deterministically.
func (s *FillSimulator) CollectFills(now time.Time) []types.FillEvent {
	var fills []types.FillEvent
	for key, o := range s.orders {
		if o.fillProbability() < s.threshold {
			continue
		}
		fills = append(fills, types.FillEvent{
			Asset:     o.asset,
			Side:      o.side,
			Tier:      o.tier,
			Price:     o.price,
			SizeUSD:   o.sizeUSD,
			RebateUSD: o.sizeUSD * s.rebateRate,
			Simulated: true,
			Time:      now,
		})
		delete(s.orders, key)
	}
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].Asset != fills[j].Asset {
			return fills[i].Asset < fills[j].Asset
		}
		if fills[i].Side != fills[j].Side {
			return fills[i].Side < fills[j].Side
		}
		return fills[i].Tier < fills[j].Tier
	})
	return fills
}

// FillProbability exposes the current estimate for one key (telemetry and
// tests). Returns 0 for unregistered keys.
func (s *FillSimulator) FillProbability(key types.LevelKey) float64 {
	if o, ok := s.orders[key]; ok {
		return o.fillProbability()
	}
	return 0
}

// Registered reports whether a key currently has a shadow order.
func (s *FillSimulator) Registered(key types.LevelKey) bool {
	_, ok := s.orders[key]
	return ok
}

// RemoveAsset drops every shadow order for an asset (cancel-all).
func (s *FillSimulator) RemoveAsset(asset string) {
	for key, o := range s.orders {
		if o.asset == asset {
			delete(s.orders, key)
		}
	}
}

// Reset drops all shadow orders (global cancel-all).
func (s *FillSimulator) Reset() {
	s.orders = make(map[types.LevelKey]*shadowOrder)
}

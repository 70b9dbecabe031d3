// Package market holds the engine's rolling view of venue market data.
//
// Hub keeps, per asset: the latest top-of-book snapshot, a bounded window of
// recent trade prints, a five-minute mid-price history for the realized
// volatility estimate, and the venue funding rate. It also carries the stall
// watchdog's clock, advanced via Touch with the local receive time; venue
// payload timestamps never drive it, so venue clock skew cannot fake or mask
// a stall.
//
// The orchestrator is the only writer (it drains feed queues at tick start);
// the RWMutex exists so telemetry readers can snapshot without racing.
package market

import (
	"math"
	"sync"
	"time"

	"perp-mm/pkg/types"
)

const (
	maxTrades  = 1000            // per-asset trade window
	volHistory = 5 * time.Minute // mid-price lookback for realized vol
)

// assetData is the rolling state for one asset.
type assetData struct {
	book    types.BookSnapshot
	hasBook bool
	trades  []types.TradePrint
	mids    []midSample
	funding float64
}

type midSample struct {
	at  time.Time
	mid float64
}

// Hub aggregates per-asset market data and the stall watchdog clock.
type Hub struct {
	mu        sync.RWMutex
	assets    map[string]*assetData
	lastEvent time.Time
}

// NewHub creates an empty market data hub.
func NewHub() *Hub {
	return &Hub{
		assets:    make(map[string]*assetData),
		lastEvent: time.Now(),
	}
}

func (h *Hub) get(asset string) *assetData {
	d, ok := h.assets[asset]
	if !ok {
		d = &assetData{}
		h.assets[asset] = d
	}
	return d
}

// ApplyBook stores a new top-of-book snapshot and extends the mid history.
func (h *Hub) ApplyBook(snap types.BookSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := h.get(snap.Asset)
	d.book = snap
	d.hasBook = true

	if mid := snap.Mid(); mid > 0 {
		d.mids = append(d.mids, midSample{at: snap.Time, mid: mid})
		cutoff := snap.Time.Add(-volHistory)
		for len(d.mids) > 1 && d.mids[0].at.Before(cutoff) {
			d.mids = d.mids[1:]
		}
	}
}

// ApplyTrade appends a trade print to the bounded per-asset window.
func (h *Hub) ApplyTrade(t types.TradePrint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d := h.get(t.Asset)
	d.trades = append(d.trades, t)
	if len(d.trades) > maxTrades {
		d.trades = d.trades[len(d.trades)-maxTrades:]
	}
}

// RemoveAsset drops all rolling state for a retired asset: book, trade
// window, mid history and funding rate.
func (h *Hub) RemoveAsset(asset string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.assets, asset)
}

// SetFunding records the current funding rate for an asset.
func (h *Hub) SetFunding(asset string, rate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.get(asset).funding = rate
}

// Book returns the latest snapshot for an asset. ok is false before the
// first snapshot arrives.
func (h *Hub) Book(asset string) (types.BookSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	d, exists := h.assets[asset]
	if !exists || !d.hasBook {
		return types.BookSnapshot{}, false
	}
	return d.book, true
}

// Funding returns the last-known funding rate (0 until the first update).
func (h *Hub) Funding(asset string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if d, ok := h.assets[asset]; ok {
		return d.funding
	}
	return 0
}

// VolFraction returns the realized volatility of the mid over the history
// window, expressed as a fraction of price (stddev / mean). Returns 0 until
// enough samples exist for a meaningful estimate.
func (h *Hub) VolFraction(asset string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	d, ok := h.assets[asset]
	if !ok || len(d.mids) < 10 {
		return 0
	}

	var sum float64
	for _, s := range d.mids {
		sum += s.mid
	}
	mean := sum / float64(len(d.mids))
	if mean <= 0 {
		return 0
	}

	var variance float64
	for _, s := range d.mids {
		diff := s.mid - mean
		variance += diff * diff
	}
	variance /= float64(len(d.mids))

	return math.Sqrt(variance) / mean
}

// LastEventTime returns when the most recent feed event was received
// locally. Used by the feed-stall watchdog.
func (h *Hub) LastEventTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastEvent
}

// Touch moves the last-event timestamp forward. The feed drainer calls it
// with the local receive time whenever events arrive, and connections call
// it on (re)establishment so the watchdog doesn't re-fire on old history.
func (h *Hub) Touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if now.After(h.lastEvent) {
		h.lastEvent = now
	}
}

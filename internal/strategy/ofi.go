package strategy

import (
	"perp-mm/pkg/types"
)

// Suppression says which grid sides to withhold this tick. Re-derived every
// tick from the current window; it auto-clears the moment flow rebalances
// and is never a halt.
type Suppression struct {
	Bid bool
	Ask bool
	OFI float64
}

// ofiWindow is the per-asset rolling window of taker trades.
type ofiWindow struct {
	trades []types.TradePrint
	next   int
	count  int
}

// OFIMonitor classifies directional taker pressure per asset from trade
// prints. OFI = (buy volume − sell volume) / total volume ∈ [−1, 1].
// Heavy sell pressure suppresses the bid side (don't catch the knife);
// heavy buy pressure suppresses the ask side.
type OFIMonitor struct {
	windowSize     int
	minTrades      int
	minNotionalUSD float64
	threshold      float64
	windows        map[string]*ofiWindow
}

// NewOFIMonitor creates a monitor. minTrades and minNotionalUSD are floors
// below which the monitor refuses to judge (a thin window is noise).
func NewOFIMonitor(windowSize, minTrades int, minNotionalUSD, threshold float64) *OFIMonitor {
	if windowSize < 1 {
		windowSize = 1
	}
	return &OFIMonitor{
		windowSize:     windowSize,
		minTrades:      minTrades,
		minNotionalUSD: minNotionalUSD,
		threshold:      threshold,
		windows:        make(map[string]*ofiWindow),
	}
}

// Observe adds one trade print to the asset's window, evicting the oldest
// when full.
func (m *OFIMonitor) Observe(t types.TradePrint) {
	w, ok := m.windows[t.Asset]
	if !ok {
		w = &ofiWindow{trades: make([]types.TradePrint, m.windowSize)}
		m.windows[t.Asset] = w
	}
	w.trades[w.next] = t
	w.next = (w.next + 1) % m.windowSize
	if w.count < m.windowSize {
		w.count++
	}
}

// OFI returns the current imbalance for an asset, or 0 when the window is
// below the judgment floors.
func (m *OFIMonitor) OFI(asset string) float64 {
	w, ok := m.windows[asset]
	if !ok || w.count < m.minTrades {
		return 0
	}

	var buyVol, sellVol float64
	for i := 0; i < w.count; i++ {
		t := w.trades[i]
		if t.IsBuy {
			buyVol += t.NotionalUSD()
		} else {
			sellVol += t.NotionalUSD()
		}
	}
	total := buyVol + sellVol
	if total <= m.minNotionalUSD {
		return 0
	}
	return (buyVol - sellVol) / total
}

// RemoveAsset drops the window for a retired asset. A re-listed asset is
// judged from a fresh window, not stale flow.
func (m *OFIMonitor) RemoveAsset(asset string) {
	delete(m.windows, asset)
}

// Evaluate returns the side suppression for an asset on this tick.
func (m *OFIMonitor) Evaluate(asset string) Suppression {
	ofi := m.OFI(asset)
	return Suppression{
		Bid: ofi <= -m.threshold,
		Ask: ofi >= m.threshold,
		OFI: ofi,
	}
}

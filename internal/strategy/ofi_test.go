package strategy

import (
	"testing"
	"time"

	"perp-mm/pkg/types"
)

func newTestOFI() *OFIMonitor {
	return NewOFIMonitor(200, 20, 5000, 0.70)
}

func feedTrades(m *OFIMonitor, asset string, n int, notional float64, isBuy bool) {
	at := time.Now()
	for i := 0; i < n; i++ {
		m.Observe(types.TradePrint{
			Asset: asset,
			Price: 100,
			Size:  notional / 100,
			IsBuy: isBuy,
			Time:  at.Add(time.Duration(i) * time.Millisecond),
		})
	}
}

func TestOFIBelowTradeFloorIsNeutral(t *testing.T) {
	t.Parallel()
	m := newTestOFI()

	// 19 one-sided trades of $400: plenty of notional, one short of the
	// trade floor. No judgment yet.
	feedTrades(m, "BTC", 19, 400, false)
	if ofi := m.OFI("BTC"); ofi != 0 {
		t.Errorf("OFI = %v, want 0 below minimum trade count", ofi)
	}
	if sup := m.Evaluate("BTC"); sup.Bid || sup.Ask {
		t.Errorf("suppression %+v, want none below trade floor", sup)
	}
}

func TestOFIBelowNotionalFloorIsNeutral(t *testing.T) {
	t.Parallel()
	m := newTestOFI()

	// 25 one-sided trades of $100 clear the trade floor but not the $5000
	// notional floor.
	feedTrades(m, "BTC", 25, 100, false)
	if ofi := m.OFI("BTC"); ofi != 0 {
		t.Errorf("OFI = %v, want 0 below notional floor", ofi)
	}
}

func TestOFISellPressureSuppressesBid(t *testing.T) {
	t.Parallel()
	m := newTestOFI()

	feedTrades(m, "BTC", 25, 400, false)
	if ofi := m.OFI("BTC"); ofi != -1.0 {
		t.Errorf("OFI = %v, want -1.0 under pure sell flow", ofi)
	}
	sup := m.Evaluate("BTC")
	if !sup.Bid {
		t.Error("bid not suppressed at OFI -1.0")
	}
	if sup.Ask {
		t.Error("ask suppressed under sell pressure; only the bid should be")
	}
}

func TestOFIBuyPressureSuppressesAsk(t *testing.T) {
	t.Parallel()
	m := newTestOFI()

	feedTrades(m, "ETH", 25, 400, true)
	sup := m.Evaluate("ETH")
	if !sup.Ask || sup.Bid {
		t.Errorf("suppression %+v, want ask only under buy pressure", sup)
	}
}

func TestOFISuppressionClearsWhenFlowRebalances(t *testing.T) {
	t.Parallel()
	m := newTestOFI()

	feedTrades(m, "BTC", 30, 400, false)
	if sup := m.Evaluate("BTC"); !sup.Bid {
		t.Fatal("expected bid suppression under sell flow")
	}

	// Matching buy flow pulls the imbalance back inside the threshold;
	// suppression is re-derived each tick, never latched.
	feedTrades(m, "BTC", 30, 400, true)
	sup := m.Evaluate("BTC")
	if sup.Bid || sup.Ask {
		t.Errorf("suppression %+v, want none after flow rebalanced (OFI %v)", sup, sup.OFI)
	}
}

func TestOFIWindowEvictsOldest(t *testing.T) {
	t.Parallel()
	m := NewOFIMonitor(50, 20, 1000, 0.70)

	// Fill the window with sells, then overwrite it entirely with buys.
	feedTrades(m, "BTC", 50, 400, false)
	feedTrades(m, "BTC", 50, 400, true)
	if ofi := m.OFI("BTC"); ofi != 1.0 {
		t.Errorf("OFI = %v, want 1.0 once sell prints rolled out of the window", ofi)
	}
}

func TestOFIRemoveAssetForgetsFlow(t *testing.T) {
	t.Parallel()
	m := newTestOFI()

	feedTrades(m, "BTC", 25, 400, false)
	feedTrades(m, "ETH", 25, 400, false)
	m.RemoveAsset("BTC")

	if sup := m.Evaluate("BTC"); sup.Bid || sup.Ask || sup.OFI != 0 {
		t.Errorf("suppression %+v after removal, want neutral", sup)
	}
	if sup := m.Evaluate("ETH"); !sup.Bid {
		t.Error("ETH window removed alongside BTC")
	}

	// A re-listed asset must climb back over the judgment floors.
	feedTrades(m, "BTC", 19, 400, false)
	if ofi := m.OFI("BTC"); ofi != 0 {
		t.Errorf("OFI = %v after re-listing with a thin window, want 0", ofi)
	}
}

func TestOFIAssetsAreIndependent(t *testing.T) {
	t.Parallel()
	m := newTestOFI()

	feedTrades(m, "BTC", 25, 400, false)
	if sup := m.Evaluate("ETH"); sup.Bid || sup.Ask {
		t.Errorf("ETH suppression %+v leaked from BTC flow", sup)
	}
}

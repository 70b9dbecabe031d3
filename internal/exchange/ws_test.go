package exchange

import (
	"testing"
	"time"

	"perp-mm/pkg/types"
)

func newTestFeed() *Feed {
	return NewFeed("wss://unused", []string{"BTC"}, "", testLogger())
}

func TestDispatchL2Book(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte(`{
		"channel": "l2Book",
		"data": {
			"coin": "BTC",
			"time": 1756166400000,
			"levels": [
				[{"px": "43000.5", "sz": "1.2", "n": 3}, {"px": "43000.0", "sz": "0.5", "n": 1}],
				[{"px": "43001.0", "sz": "0.8", "n": 2}]
			]
		}
	}`))

	select {
	case snap := <-f.Books():
		if snap.Asset != "BTC" || snap.BestBid != 43000.5 || snap.BestAsk != 43001.0 {
			t.Errorf("snapshot = %+v", snap)
		}
		if snap.Time != time.UnixMilli(1756166400000) {
			t.Errorf("time = %v", snap.Time)
		}
	default:
		t.Fatal("book snapshot not delivered")
	}
}

func TestDispatchL2BookEmptySide(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte(`{
		"channel": "l2Book",
		"data": {"coin": "BTC", "time": 1, "levels": [[], [{"px": "43001.0", "sz": "0.8", "n": 2}]]}
	}`))

	select {
	case snap := <-f.Books():
		t.Errorf("one-sided book delivered: %+v", snap)
	default:
	}
}

func TestDispatchTrades(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte(`{
		"channel": "trades",
		"data": [
			{"coin": "BTC", "side": "B", "px": "43000.5", "sz": "0.1", "time": 1756166400000},
			{"coin": "BTC", "side": "A", "px": "43000.0", "sz": "0.2", "time": 1756166400001},
			{"coin": "BTC", "side": "B", "px": "zero", "sz": "0.1", "time": 1756166400002}
		]
	}`))

	var prints []types.TradePrint
	for {
		select {
		case tp := <-f.Trades():
			prints = append(prints, tp)
			continue
		default:
		}
		break
	}
	if len(prints) != 2 {
		t.Fatalf("delivered %d prints, want 2 (malformed one skipped)", len(prints))
	}
	if !prints[0].IsBuy || prints[0].Price != 43000.5 {
		t.Errorf("print 0 = %+v", prints[0])
	}
	if prints[1].IsBuy {
		t.Error("side A parsed as a buy")
	}
}

func TestDispatchUserFills(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte(`{
		"channel": "userFills",
		"data": {
			"isSnapshot": false,
			"fills": [{"coin": "ETH", "px": "2500", "sz": "0.01", "side": "A", "time": 1756166400000}]
		}
	}`))

	select {
	case fill := <-f.Fills():
		if fill.Asset != "ETH" || fill.Side != types.Ask {
			t.Errorf("fill = %+v", fill)
		}
		if fill.SizeUSD != 25 {
			t.Errorf("size = %v USD, want 25", fill.SizeUSD)
		}
		if fill.RebateUSD != 0 {
			t.Errorf("rebate = %v without a fee field, want 0", fill.RebateUSD)
		}
	default:
		t.Fatal("fill not delivered")
	}
}

func TestDispatchUserFillsParsesFee(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	// Maker rebates arrive as a negative fee; taker fills pay a positive one.
	f.dispatchMessage([]byte(`{
		"channel": "userFills",
		"data": {
			"isSnapshot": false,
			"fills": [
				{"coin": "ETH", "px": "2500", "sz": "0.01", "side": "B", "time": 1756166400000, "fee": "-0.0005"},
				{"coin": "ETH", "px": "2500", "sz": "0.01", "side": "A", "time": 1756166400001, "fee": "0.00875"}
			]
		}
	}`))

	var fills []types.FillEvent
	for {
		select {
		case fill := <-f.Fills():
			fills = append(fills, fill)
			continue
		default:
		}
		break
	}
	if len(fills) != 2 {
		t.Fatalf("delivered %d fills, want 2", len(fills))
	}
	if fills[0].RebateUSD != 0.0005 {
		t.Errorf("maker rebate = %v, want 0.0005", fills[0].RebateUSD)
	}
	if fills[1].RebateUSD != -0.00875 {
		t.Errorf("taker rebate = %v, want -0.00875", fills[1].RebateUSD)
	}
}

func TestDispatchUserFillsSnapshotSkipped(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte(`{
		"channel": "userFills",
		"data": {
			"isSnapshot": true,
			"fills": [{"coin": "ETH", "px": "2500", "sz": "0.01", "side": "B", "time": 1}]
		}
	}`))

	select {
	case fill := <-f.Fills():
		t.Errorf("historical fill delivered: %+v", fill)
	default:
	}
}

func TestDispatchIgnoresNoise(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatchMessage([]byte(`{"channel": "subscriptionResponse"}`))
	f.dispatchMessage([]byte(`{"channel": "pong"}`))
	f.dispatchMessage([]byte(`not json at all`))
	f.dispatchMessage([]byte(`{"channel": "candle", "data": {}}`))

	select {
	case <-f.Books():
		t.Error("noise produced a book event")
	case <-f.Trades():
		t.Error("noise produced a trade event")
	default:
	}
}

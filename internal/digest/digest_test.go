package digest

import (
	"fmt"
	"math"
	"testing"

	"strategy-agent/internal/models"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int64) *int64     { return &v }

func execRecord(ts int64, trades ...models.TradeHistoryEntry) models.HistoryRecord {
	return models.HistoryRecord{
		Ts:          ts,
		Kind:        models.RecordKindExecution,
		ReferenceID: fmt.Sprintf("c-%d", ts),
		Payload:     map[string]any{"trades": trades},
	}
}

func closedLong(symbol string, entry, exit, qty float64, ts int64) models.TradeHistoryEntry {
	notional := exit * qty
	return models.TradeHistoryEntry{
		TradeID:      fmt.Sprintf("t-%s-%d", symbol, ts),
		Instrument:   models.InstrumentRef{Symbol: symbol},
		Side:         models.SideSell,
		Type:         models.TradeTypeLong,
		Quantity:     qty,
		EntryPrice:   fptr(entry),
		ExitPrice:    fptr(exit),
		NotionalExit: &notional,
		TradeTs:      ts,
		HoldingMs:    iptr(60000),
		RealizedPnl:  fptr((exit - entry) * qty),
	}
}

func openLong(symbol string, entry, qty float64, ts int64) models.TradeHistoryEntry {
	fee := 1.0
	return models.TradeHistoryEntry{
		TradeID:     fmt.Sprintf("t-%s-%d", symbol, ts),
		Instrument:  models.InstrumentRef{Symbol: symbol},
		Side:        models.SideBuy,
		Type:        models.TradeTypeLong,
		Quantity:    qty,
		EntryPrice:  fptr(entry),
		TradeTs:     ts,
		FeeCost:     &fee,
		RealizedPnl: fptr(-fee),
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBuildEmptyRecords(t *testing.T) {
	b := NewRollingBuilder(50)
	b.nowMs = func() int64 { return 777 }

	d := b.Build(nil)
	if d.Ts != 777 {
		t.Errorf("Empty digest should stamp now, got %d", d.Ts)
	}
	if d.TotalTrades != 0 || len(d.ByInstrument) != 0 {
		t.Errorf("Expected empty digest, got %+v", d)
	}
}

func TestBuildCountsClosedTradesOnly(t *testing.T) {
	b := NewRollingBuilder(50)
	records := []models.HistoryRecord{
		execRecord(1000, openLong("BTC-USDT", 50000, 0.1, 1000)),
		execRecord(2000, closedLong("BTC-USDT", 50000, 51000, 0.1, 2000)),
		execRecord(3000, closedLong("BTC-USDT", 52000, 51000, 0.1, 3000)),
	}

	d := b.Build(records)
	if d.Ts != 3000 {
		t.Errorf("Digest ts should be the last record's, got %d", d.Ts)
	}
	entry, ok := d.ByInstrument["BTC-USDT"]
	if !ok {
		t.Fatal("Expected BTC-USDT entry")
	}
	if entry.TradeCount != 3 {
		t.Errorf("All fills count toward trade_count, got %d", entry.TradeCount)
	}
	if d.Wins != 1 || d.Losses != 1 {
		t.Errorf("Open must not count as win/loss: wins=%d losses=%d", d.Wins, d.Losses)
	}
	if !almostEqual(entry.WinRate, 0.5) {
		t.Errorf("Expected win rate 0.5, got %v", entry.WinRate)
	}
	// -1 fee + 100 win - 100 loss
	if !almostEqual(entry.RealizedPnl, -1) {
		t.Errorf("Expected realized -1, got %v", entry.RealizedPnl)
	}
	if entry.AvgHoldingMs != 60000 {
		t.Errorf("Expected avg holding 60000, got %d", entry.AvgHoldingMs)
	}
	if entry.LastTradeTs != 3000 {
		t.Errorf("Expected last trade ts 3000, got %d", entry.LastTradeTs)
	}
}

func TestBuildShortSignMath(t *testing.T) {
	b := NewRollingBuilder(50)
	exit := 2900.0
	notional := exit * 2
	short := models.TradeHistoryEntry{
		TradeID:      "t-short",
		Instrument:   models.InstrumentRef{Symbol: "ETH-USDT"},
		Side:         models.SideBuy,
		Type:         models.TradeTypeShort,
		Quantity:     2,
		EntryPrice:   fptr(3000),
		ExitPrice:    &exit,
		NotionalExit: &notional,
		TradeTs:      1000,
	}

	d := b.Build([]models.HistoryRecord{execRecord(1000, short)})
	// short covered lower is a win even without realized_pnl recorded
	if d.Wins != 1 || d.Losses != 0 {
		t.Errorf("Short cover at lower price should be a win: %+v", d)
	}
}

func TestBuildRealizedFallbackWhenPricesMissing(t *testing.T) {
	b := NewRollingBuilder(50)
	trade := models.TradeHistoryEntry{
		TradeID:     "t-x",
		Instrument:  models.InstrumentRef{Symbol: "SOL-USDT"},
		Quantity:    1,
		ExitTs:      iptr(5000),
		RealizedPnl: fptr(-3),
		TradeTs:     5000,
	}

	d := b.Build([]models.HistoryRecord{execRecord(5000, trade)})
	if d.Losses != 1 {
		t.Errorf("Exit without prices should fall back to realized sign, got %+v", d)
	}
}

func TestBuildWindowDropsOldRecords(t *testing.T) {
	b := NewRollingBuilder(2)
	records := []models.HistoryRecord{
		execRecord(1000, closedLong("BTC-USDT", 100, 110, 1, 1000)),
		execRecord(2000, closedLong("BTC-USDT", 100, 110, 1, 2000)),
		execRecord(3000, closedLong("BTC-USDT", 100, 110, 1, 3000)),
	}

	d := b.Build(records)
	if d.TotalTrades != 2 {
		t.Errorf("Window of 2 should keep 2 trades, got %d", d.TotalTrades)
	}
}

func TestBuildSkipsNonExecutionRecords(t *testing.T) {
	b := NewRollingBuilder(50)
	records := []models.HistoryRecord{
		{Ts: 1000, Kind: models.RecordKindCompose, ReferenceID: "c-1"},
		execRecord(2000, closedLong("BTC-USDT", 100, 90, 1, 2000)),
	}

	d := b.Build(records)
	if d.TotalTrades != 1 || d.Losses != 1 {
		t.Errorf("Only execution records feed the digest, got %+v", d)
	}
}

func TestMemoryRecorderAppendsAndCopies(t *testing.T) {
	r := NewMemoryRecorder()
	r.Record(models.HistoryRecord{Ts: 1, Kind: models.RecordKindFeatures})
	r.Record(models.HistoryRecord{Ts: 2, Kind: models.RecordKindExecution})

	got := r.Records()
	if len(got) != 2 || got[0].Ts != 1 || got[1].Ts != 2 {
		t.Fatalf("Unexpected records: %+v", got)
	}
	got[0].Ts = 99
	if r.Records()[0].Ts != 1 {
		t.Error("Records must return a copy")
	}
}

// Package digest condenses recent execution history into the compact
// per-instrument stats composers receive as historical reference.
package digest

import (
	"sync"
	"time"

	"strategy-agent/internal/models"
)

// Builder turns history records into a trade digest.
type Builder interface {
	Build(records []models.HistoryRecord) models.TradeDigest
}

// Recorder accumulates history records for one strategy run.
type Recorder interface {
	Record(rec models.HistoryRecord)
	Records() []models.HistoryRecord
}

// RollingBuilder aggregates the most recent execution records. Wins and
// losses count closed trades only: pure opens carry fee-only negative
// realized pnl and would skew the ratio.
type RollingBuilder struct {
	window int
	nowMs  func() int64
}

// NewRollingBuilder returns a builder over the last window records.
func NewRollingBuilder(window int) *RollingBuilder {
	if window < 1 {
		window = 1
	}
	return &RollingBuilder{
		window: window,
		nowMs:  func() int64 { return time.Now().UnixMilli() },
	}
}

type symbolStats struct {
	wins         int
	losses       int
	holdingSumMs int64
	holdingCount int64
}

// Build folds execution records into per-instrument entries plus
// portfolio-wide totals. The digest timestamp is the last record's ts,
// or now when no records exist yet.
func (b *RollingBuilder) Build(records []models.HistoryRecord) models.TradeDigest {
	recent := records
	if len(recent) > b.window {
		recent = recent[len(recent)-b.window:]
	}

	byInstrument := make(map[string]models.TradeDigestEntry)
	stats := make(map[string]*symbolStats)

	for _, rec := range recent {
		if rec.Kind != models.RecordKindExecution {
			continue
		}
		for _, trade := range tradesFromRecord(rec) {
			symbol := trade.Instrument.Symbol
			if symbol == "" {
				continue
			}
			entry, ok := byInstrument[symbol]
			if !ok {
				entry = models.TradeDigestEntry{Instrument: trade.Instrument}
				stats[symbol] = &symbolStats{}
			}
			entry.TradeCount++
			if trade.RealizedPnl != nil {
				entry.RealizedPnl += *trade.RealizedPnl
			}
			if trade.TradeTs != 0 {
				entry.LastTradeTs = trade.TradeTs
			}
			byInstrument[symbol] = entry

			st := stats[symbol]
			if outcome, closed := closedOutcome(trade); closed {
				if outcome > 0 {
					st.wins++
				} else if outcome < 0 {
					st.losses++
				}
			}
			if trade.HoldingMs != nil {
				st.holdingSumMs += *trade.HoldingMs
				st.holdingCount++
			}
		}
	}

	ts := b.nowMs()
	if len(recent) > 0 {
		ts = recent[len(recent)-1].Ts
	}

	out := models.TradeDigest{Ts: ts}
	var holdingSumMs, holdingCount int64
	for symbol, entry := range byInstrument {
		st := stats[symbol]
		if denom := st.wins + st.losses; denom > 0 {
			entry.WinRate = float64(st.wins) / float64(denom)
		}
		if st.holdingCount > 0 {
			entry.AvgHoldingMs = st.holdingSumMs / st.holdingCount
		}
		byInstrument[symbol] = entry

		out.TotalTrades += entry.TradeCount
		out.Wins += st.wins
		out.Losses += st.losses
		out.RealizedPnl += entry.RealizedPnl
		holdingSumMs += st.holdingSumMs
		holdingCount += st.holdingCount
	}
	if denom := out.Wins + out.Losses; denom > 0 {
		out.WinRate = float64(out.Wins) / float64(denom)
	}
	if holdingCount > 0 {
		out.AvgHoldingMs = holdingSumMs / holdingCount
	}
	if len(byInstrument) > 0 {
		out.ByInstrument = byInstrument
	}
	return out
}

// closedOutcome returns the pnl used for win/loss counting and whether
// the trade qualifies. Only trades carrying exit fields qualify. The
// sign comes from entry/exit price math when both prices are present
// (robust for partial closes), falling back to recorded realized pnl.
func closedOutcome(trade models.TradeHistoryEntry) (float64, bool) {
	hasExit := trade.ExitTs != nil || trade.ExitPrice != nil || trade.NotionalExit != nil
	if !hasExit {
		return 0, false
	}

	var closeQty float64
	if trade.ExitPrice != nil && trade.NotionalExit != nil && *trade.ExitPrice > 0 {
		closeQty = *trade.NotionalExit / *trade.ExitPrice
	}
	if closeQty == 0 {
		closeQty = trade.Quantity
	}

	if trade.EntryPrice != nil && trade.ExitPrice != nil && closeQty > 0 {
		switch trade.Type {
		case models.TradeTypeLong:
			return (*trade.ExitPrice - *trade.EntryPrice) * closeQty, true
		case models.TradeTypeShort:
			return (*trade.EntryPrice - *trade.ExitPrice) * closeQty, true
		}
	}
	if trade.RealizedPnl != nil {
		return *trade.RealizedPnl, true
	}
	return 0, false
}

func tradesFromRecord(rec models.HistoryRecord) []models.TradeHistoryEntry {
	raw, ok := rec.Payload["trades"]
	if !ok {
		return nil
	}
	trades, ok := raw.([]models.TradeHistoryEntry)
	if !ok {
		return nil
	}
	return trades
}

// MemoryRecorder keeps records in memory for the lifetime of a run.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []models.HistoryRecord
}

// NewMemoryRecorder returns an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record appends one history record.
func (r *MemoryRecorder) Record(rec models.HistoryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of the accumulated records in arrival order.
func (r *MemoryRecorder) Records() []models.HistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.HistoryRecord, len(r.records))
	copy(out, r.records)
	return out
}

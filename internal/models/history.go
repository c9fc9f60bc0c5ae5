package models

// StrategyStatus is the persisted runtime status for a strategy. The
// status row doubles as the kill switch: anything other than "running"
// makes the decision loop exit after the current cycle.
type StrategyStatus string

const (
	StatusRunning StrategyStatus = "running"
	StatusPaused  StrategyStatus = "paused"
	StatusStopped StrategyStatus = "stopped"
	StatusError   StrategyStatus = "error"
)

// TradeHistoryEntry is one realized fill converted from a TxResult.
// Pointer fields are unknown/not-applicable rather than zero; the digest
// counts wins and losses only for entries that carry both entry and exit
// prices.
type TradeHistoryEntry struct {
	TradeID       string        `json:"trade_id"`
	ComposeID     string        `json:"compose_id,omitempty"`
	InstructionID string        `json:"instruction_id,omitempty"`
	StrategyID    string        `json:"strategy_id,omitempty"`
	Instrument    InstrumentRef `json:"instrument"`
	Side          TradeSide     `json:"side"`
	Type          TradeType     `json:"type"`
	Quantity      float64       `json:"quantity"`
	EntryPrice    *float64      `json:"entry_price,omitempty"`
	ExitPrice     *float64      `json:"exit_price,omitempty"`
	NotionalEntry *float64      `json:"notional_entry,omitempty"`
	NotionalExit  *float64      `json:"notional_exit,omitempty"`
	EntryTs       *int64        `json:"entry_ts,omitempty"`
	ExitTs        *int64        `json:"exit_ts,omitempty"`
	TradeTs       int64         `json:"trade_ts"`
	HoldingMs     *int64        `json:"holding_ms,omitempty"`
	RealizedPnl   *float64      `json:"realized_pnl,omitempty"`
	FeeCost       *float64      `json:"fee_cost,omitempty"`
	Leverage      *float64      `json:"leverage,omitempty"`
	Note          string        `json:"note,omitempty"`
}

// Closed reports whether the entry represents a completed round trip.
func (e TradeHistoryEntry) Closed() bool {
	return e.EntryPrice != nil && e.ExitPrice != nil
}

// TradeDigestEntry aggregates recent trading stats for one instrument.
type TradeDigestEntry struct {
	Instrument   InstrumentRef `json:"instrument"`
	TradeCount   int           `json:"trade_count"`
	RealizedPnl  float64       `json:"realized_pnl"`
	WinRate      float64       `json:"win_rate,omitempty"`
	AvgHoldingMs int64         `json:"avg_holding_ms,omitempty"`
	LastTradeTs  int64         `json:"last_trade_ts,omitempty"`
}

// TradeDigest is the rolling trade-history digest handed to composers as
// historical reference. Win/loss stats cover closed trades only.
type TradeDigest struct {
	Ts           int64                       `json:"ts"`
	TotalTrades  int                         `json:"total_trades"`
	Wins         int                         `json:"wins"`
	Losses       int                         `json:"losses"`
	WinRate      float64                     `json:"win_rate,omitempty"`
	RealizedPnl  float64                     `json:"realized_pnl"`
	AvgHoldingMs int64                       `json:"avg_holding_ms,omitempty"`
	SharpeRatio  float64                     `json:"sharpe_ratio,omitempty"`
	ByInstrument map[string]TradeDigestEntry `json:"by_instrument,omitempty"`
}

// History record kinds written by the decision loop.
const (
	RecordKindFeatures     = "features"
	RecordKindCompose      = "compose"
	RecordKindInstructions = "instructions"
	RecordKindExecution    = "execution"
)

// HistoryRecord is a generic persisted record for post-hoc analysis.
type HistoryRecord struct {
	Ts          int64          `json:"ts"`
	Kind        string         `json:"kind"`
	ReferenceID string         `json:"reference_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// StrategySummary is the per-cycle rollup persisted alongside the
// portfolio view and streamed to clients.
type StrategySummary struct {
	StrategyID    string         `json:"strategy_id,omitempty"`
	Name          string         `json:"name,omitempty"`
	ModelProvider string         `json:"model_provider,omitempty"`
	ModelID       string         `json:"model_id,omitempty"`
	ExchangeID    string         `json:"exchange_id,omitempty"`
	Mode          TradingMode    `json:"mode,omitempty"`
	Status        StrategyStatus `json:"status,omitempty"`
	TotalTrades   int            `json:"total_trades"`
	Wins          int            `json:"wins"`
	Losses        int            `json:"losses"`
	WinRate       float64        `json:"win_rate,omitempty"`
	RealizedPnl   float64        `json:"realized_pnl"`
	UnrealizedPnl float64        `json:"unrealized_pnl"`
	PnlPct        float64        `json:"pnl_pct,omitempty"`
	TotalValue    float64        `json:"total_value"`
	FreeCash      float64        `json:"free_cash"`
	GrossExposure float64        `json:"gross_exposure,omitempty"`
	SharpeRatio   float64        `json:"sharpe_ratio,omitempty"`
	AvgHoldingMs  int64          `json:"avg_holding_ms,omitempty"`
	LastUpdatedTs int64          `json:"last_updated_ts,omitempty"`
}

// MetricPoint is a generic time-value pair for performance series.
type MetricPoint struct {
	Ts    int64   `json:"ts"`
	Value float64 `json:"value"`
}

// DecisionCycleResult is everything one decision cycle produced.
type DecisionCycleResult struct {
	ComposeID    string              `json:"compose_id"`
	CycleIndex   int64               `json:"cycle_index"`
	Ts           int64               `json:"ts"`
	Rationale    string              `json:"rationale,omitempty"`
	Instructions []TradeInstruction  `json:"instructions"`
	Trades       []TradeHistoryEntry `json:"trades"`
	Portfolio    PortfolioView       `json:"portfolio"`
	Summary      StrategySummary     `json:"summary"`
}

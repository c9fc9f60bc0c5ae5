package database

import (
	"time"
)

// Detail represents one executed fill row from strategy_details. The
// quantity is an absolute magnitude; side carries direction.
type Detail struct {
	ID            int64      `json:"id"`
	StrategyID    string     `json:"strategy_id"`
	TradeID       string     `json:"trade_id"`
	InstructionID *string    `json:"instruction_id,omitempty"`
	Symbol        string     `json:"symbol"`
	Type          string     `json:"type"`
	Side          string     `json:"side"`
	Leverage      *float64   `json:"leverage,omitempty"`
	Quantity      float64    `json:"quantity"`
	EntryPrice    *float64   `json:"entry_price,omitempty"`
	ExitPrice     *float64   `json:"exit_price,omitempty"`
	UnrealizedPnl *float64   `json:"unrealized_pnl,omitempty"`
	RealizedPnl   *float64   `json:"realized_pnl,omitempty"`
	FeeCost       *float64   `json:"fee_cost,omitempty"`
	HoldingMs     *int64     `json:"holding_ms,omitempty"`
	EventTime     *time.Time `json:"event_time,omitempty"`
	Note          *string    `json:"note,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Holding represents one position row from a strategy_holdings snapshot.
type Holding struct {
	ID               int64     `json:"id"`
	StrategyID       string    `json:"strategy_id"`
	Symbol           string    `json:"symbol"`
	SnapshotTs       time.Time `json:"snapshot_ts"`
	Type             string    `json:"type"`
	Quantity         float64   `json:"quantity"`
	EntryPrice       *float64  `json:"entry_price,omitempty"`
	Leverage         *float64  `json:"leverage,omitempty"`
	UnrealizedPnl    *float64  `json:"unrealized_pnl,omitempty"`
	UnrealizedPnlPct *float64  `json:"unrealized_pnl_pct,omitempty"`
}

// PortfolioSnapshot represents one aggregated row from
// strategy_portfolio_snapshots.
type PortfolioSnapshot struct {
	ID                 int64     `json:"id"`
	StrategyID         string    `json:"strategy_id"`
	SnapshotTs         time.Time `json:"snapshot_ts"`
	Cash               float64   `json:"cash"`
	TotalValue         float64   `json:"total_value"`
	TotalUnrealizedPnl *float64  `json:"total_unrealized_pnl,omitempty"`
}

// Prompt represents a reusable prompt template row.
type Prompt struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

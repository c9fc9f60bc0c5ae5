package models

import "math"

// TradeType is the semantic direction of a position or fill.
type TradeType string

const (
	TradeTypeLong  TradeType = "LONG"
	TradeTypeShort TradeType = "SHORT"
)

// PositionSnapshot is the current state of one instrument position.
// Quantity is signed: positive long, negative short.
type PositionSnapshot struct {
	Instrument       InstrumentRef `json:"instrument"`
	Quantity         float64       `json:"quantity"`
	AvgPrice         float64       `json:"avg_price,omitempty"`
	MarkPrice        float64       `json:"mark_price,omitempty"`
	UnrealizedPnl    float64       `json:"unrealized_pnl,omitempty"`
	UnrealizedPnlPct float64       `json:"unrealized_pnl_pct,omitempty"`
	Notional         float64       `json:"notional,omitempty"`
	Leverage         float64       `json:"leverage,omitempty"`
	EntryTs          int64         `json:"entry_ts,omitempty"`
	TradeType        TradeType     `json:"trade_type,omitempty"`
}

// Constraints are the risk and exchange guardrails applied by the plan
// normalizer. A zero field means the constraint is not set.
type Constraints struct {
	MaxPositions   int     `json:"max_positions,omitempty"`
	MaxLeverage    float64 `json:"max_leverage,omitempty"`
	QuantityStep   float64 `json:"quantity_step,omitempty"`
	MinTradeQty    float64 `json:"min_trade_qty,omitempty"`
	MaxOrderQty    float64 `json:"max_order_qty,omitempty"`
	MinNotional    float64 `json:"min_notional,omitempty"`
	MaxPositionQty float64 `json:"max_position_qty,omitempty"`
}

// PortfolioView is the portfolio state handed to the composer and the
// normalizer for one decision cycle.
type PortfolioView struct {
	Ts                 int64                       `json:"ts"`
	StrategyID         string                      `json:"strategy_id,omitempty"`
	FreeCash           float64                     `json:"free_cash"`
	Positions          map[string]PositionSnapshot `json:"positions"`
	GrossExposure      float64                     `json:"gross_exposure,omitempty"`
	NetExposure        float64                     `json:"net_exposure,omitempty"`
	TotalValue         float64                     `json:"total_value,omitempty"`
	TotalUnrealizedPnl float64                     `json:"total_unrealized_pnl,omitempty"`
	BuyingPower        float64                     `json:"buying_power,omitempty"`
	Constraints        *Constraints                `json:"constraints,omitempty"`
}

// Position returns the snapshot for symbol, or a zero position.
func (v PortfolioView) Position(symbol string) PositionSnapshot {
	if v.Positions == nil {
		return PositionSnapshot{Instrument: InstrumentRef{Symbol: symbol}}
	}
	pos, ok := v.Positions[symbol]
	if !ok {
		return PositionSnapshot{Instrument: InstrumentRef{Symbol: symbol}}
	}
	return pos
}

// ActivePositions counts positions with a quantity above the precision
// threshold.
func (v PortfolioView) ActivePositions() int {
	n := 0
	for _, pos := range v.Positions {
		if math.Abs(pos.Quantity) > QuantityPrecision {
			n++
		}
	}
	return n
}

// Equity is total portfolio value, falling back to free cash when the
// aggregate has not been computed.
func (v PortfolioView) Equity() float64 {
	if v.TotalValue > 0 {
		return v.TotalValue
	}
	return v.FreeCash
}

package models

// TradeSide is the executable order side.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// PriceMode selects market versus limit execution.
type PriceMode string

const (
	PriceModeMarket PriceMode = "market"
	PriceModeLimit  PriceMode = "limit"
)

// InstructionMeta carries audit context from the normalizer. Everything
// the executor dispatches on lives in typed fields on TradeInstruction;
// meta is for rationales and echoed planner state only.
type InstructionMeta struct {
	RequestedTargetQty float64 `json:"requested_target_qty,omitempty"`
	CurrentQty         float64 `json:"current_qty,omitempty"`
	FinalTargetQty     float64 `json:"final_target_qty,omitempty"`
	Confidence         float64 `json:"confidence,omitempty"`
	Rationale          string  `json:"rationale,omitempty"`
}

// TradeInstruction is one executable order emitted by the normalizer.
// InstructionID is deterministic ("{compose_id}:{symbol}:{seq}") so that
// re-submission after a crash is idempotent at the gateway.
type TradeInstruction struct {
	InstructionID  string          `json:"instruction_id"`
	ComposeID      string          `json:"compose_id"`
	Instrument     InstrumentRef   `json:"instrument"`
	Action         TradeAction     `json:"action"`
	Side           TradeSide       `json:"side"`
	Quantity       float64         `json:"quantity"`
	Leverage       float64         `json:"leverage,omitempty"`
	PriceMode      PriceMode       `json:"price_mode"`
	LimitPrice     float64         `json:"limit_price,omitempty"`
	MaxSlippageBps float64         `json:"max_slippage_bps,omitempty"`
	Meta           InstructionMeta `json:"meta,omitempty"`
}

// TxStatus is the execution outcome of a submitted instruction.
type TxStatus string

const (
	TxFilled   TxStatus = "filled"
	TxPartial  TxStatus = "partial"
	TxRejected TxStatus = "rejected"
	TxError    TxStatus = "error"
)

// TxResult reports the fills, fees and status for one instruction.
type TxResult struct {
	InstructionID string        `json:"instruction_id"`
	Instrument    InstrumentRef `json:"instrument"`
	Side          TradeSide     `json:"side"`
	RequestedQty  float64       `json:"requested_qty"`
	FilledQty     float64       `json:"filled_qty"`
	AvgExecPrice  float64       `json:"avg_exec_price,omitempty"`
	SlippageBps   float64       `json:"slippage_bps,omitempty"`
	FeeCost       float64       `json:"fee_cost,omitempty"`
	Leverage      float64       `json:"leverage,omitempty"`
	Status        TxStatus      `json:"status"`
	Reason        string        `json:"reason,omitempty"`
}

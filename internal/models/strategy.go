package models

import "time"

// Metadata keys maintained by the runtime on the strategy row.
const (
	MetaKeyStopReason       = "stop_reason"
	MetaKeyStopReasonDetail = "stop_reason_detail"
	MetaKeyInitialCapital   = "initial_capital"
	MetaKeyInitialCapSource = "initial_capital_source"
	MetaKeyInitialCapTs     = "initial_capital_ts"
)

// StopReason distinguishes why a strategy left the RUNNING state. It is
// recorded in strategy metadata so restarts can tell a clean shutdown
// from a crash.
type StopReason string

const (
	StopNormalExit StopReason = "normal_exit"
	StopCancelled  StopReason = "cancelled"
	StopError      StopReason = "error"
)

// StrategyRecord is the persisted strategy row: identity, lifecycle
// status (the kill switch), the originating request and free-form
// metadata (summary fields, stop reason, initial capital provenance).
type StrategyRecord struct {
	StrategyID string                 `json:"strategy_id"`
	Name       string                 `json:"name,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Status     StrategyStatus         `json:"status"`
	Config     *UserRequest           `json:"config,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at,omitempty"`
}

// Running reports whether the row still authorizes the decision loop.
func (r *StrategyRecord) Running() bool {
	return r != nil && r.Status == StatusRunning
}

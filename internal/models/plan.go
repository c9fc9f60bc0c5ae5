package models

import (
	"fmt"
	"strings"
)

// TradeAction is the planner-level intent for one symbol. target_qty is
// always a positive magnitude; the action carries the direction.
type TradeAction string

const (
	ActionOpenLong   TradeAction = "open_long"
	ActionOpenShort  TradeAction = "open_short"
	ActionCloseLong  TradeAction = "close_long"
	ActionCloseShort TradeAction = "close_short"
	ActionNoop       TradeAction = "noop"
)

// ParseTradeAction normalizes a raw planner action string.
func ParseTradeAction(raw string) (TradeAction, error) {
	switch TradeAction(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionOpenLong:
		return ActionOpenLong, nil
	case ActionOpenShort:
		return ActionOpenShort, nil
	case ActionCloseLong:
		return ActionCloseLong, nil
	case ActionCloseShort:
		return ActionCloseShort, nil
	case ActionNoop, "":
		return ActionNoop, nil
	}
	return "", fmt.Errorf("unknown trade action %q", raw)
}

// Sign maps the action to the sign of the target position it implies:
// +1 builds long exposure, -1 builds short exposure, 0 is a no-op.
func (a TradeAction) Sign() float64 {
	switch a {
	case ActionOpenLong, ActionCloseShort:
		return 1
	case ActionOpenShort, ActionCloseLong:
		return -1
	}
	return 0
}

// IsOpen reports whether the action increases exposure.
func (a TradeAction) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// IsClose reports whether the action reduces exposure.
func (a TradeAction) IsClose() bool {
	return a == ActionCloseLong || a == ActionCloseShort
}

// PlanItem is one planner decision for one instrument.
type PlanItem struct {
	Instrument InstrumentRef `json:"instrument"`
	Action     TradeAction   `json:"action"`
	TargetQty  float64       `json:"target_qty"`
	Leverage   float64       `json:"leverage,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Rationale  string        `json:"rationale,omitempty"`
}

// PlanProposal is the structured planner output before normalization.
type PlanProposal struct {
	Ts        int64      `json:"ts"`
	Items     []PlanItem `json:"items"`
	Rationale string     `json:"rationale,omitempty"`
}

// ComposeContext is the input assembled by the coordinator for a composer.
type ComposeContext struct {
	Ts             int64           `json:"ts"`
	ComposeID      string          `json:"compose_id"`
	StrategyID     string          `json:"strategy_id,omitempty"`
	Features       []FeatureVector `json:"features"`
	Portfolio      PortfolioView   `json:"portfolio"`
	Digest         TradeDigest     `json:"digest"`
	PromptText     string          `json:"prompt_text,omitempty"`
	MarketSnapshot MarketSnapshot  `json:"market_snapshot,omitempty"`
	Constraints    *Constraints    `json:"constraints,omitempty"`
}

// EffectiveConstraints prefers the context-level constraints, falling back
// to the ones embedded in the portfolio view.
func (c ComposeContext) EffectiveConstraints() Constraints {
	if c.Constraints != nil {
		return *c.Constraints
	}
	if c.Portfolio.Constraints != nil {
		return *c.Portfolio.Constraints
	}
	return Constraints{}
}

// ComposeResult is what a composer hands back to the coordinator.
type ComposeResult struct {
	Instructions []TradeInstruction `json:"instructions"`
	Rationale    string             `json:"rationale,omitempty"`
}

package composer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"strategy-agent/internal/llm"
	"strategy-agent/internal/models"
)

const advisorSystemPrompt = "You are a grid parameter advisor. " +
	"Given the current market snapshot metrics and runtime settings, propose grid parameters dynamically. " +
	"Use higher sensitivity (smaller step_pct, larger max_steps) for high-liquidity, high-volatility pairs; lower sensitivity otherwise. " +
	"Respect typical ranges: step_pct 0.0005~0.01, max_steps 1~5, base_fraction 0.03~0.10. " +
	"Optionally include grid zone bounds (grid_lower_pct, grid_upper_pct) and grid_count when appropriate. " +
	"Calibrate base_fraction and optional grid_count using portfolio context: equity, buying_power, free_cash, and constraints.max_leverage. " +
	"Align parameter sensitivity with available capital and risk limits (cap_factor). Prefer smaller base_fraction and fewer steps when capital is tight. " +
	"Output pure JSON with fields: grid_step_pct, grid_max_steps, grid_base_fraction, and optionally grid_lower_pct, grid_upper_pct, grid_count, advisor_rationale. " +
	"advisor_rationale should briefly explain your thinking and operational basis (e.g., volatility, liquidity, funding, OI, buying_power) for parameter selection."

const advisorInstructions = "Return JSON only. Include advisor_rationale summarizing your thought process and operational basis. " +
	"Keep within ranges; favor smaller step_pct for high-liquidity and high-volatility pairs. " +
	"If funding.rate is high or open_interest large, prefer tighter grid and smaller base_fraction; otherwise be conservative. " +
	"Consider portfolio.equity, buying_power, free_cash, constraints.max_leverage, and cap_factor to scale base_fraction and optional grid_count. " +
	"Avoid suggesting parameter combinations that imply excessive total size under available buying_power. " +
	"Anchor suggestions to previous_params when provided; prefer gradual adjustments (e.g., limit grid_count delta within +-2 and keep step_pct changes small) unless metrics indicate a clear regime shift."

// GridAdvice is the advisor's parameter proposal. Zone bounds and count
// are optional; nil means the advisor left them unset.
type GridAdvice struct {
	GridStepPct      float64  `json:"grid_step_pct"`
	GridMaxSteps     int      `json:"grid_max_steps"`
	GridBaseFraction float64  `json:"grid_base_fraction"`
	GridLowerPct     *float64 `json:"grid_lower_pct,omitempty"`
	GridUpperPct     *float64 `json:"grid_upper_pct,omitempty"`
	GridCount        *int     `json:"grid_count,omitempty"`
	AdvisorRationale string   `json:"advisor_rationale,omitempty"`
}

// GridParamSet is the currently applied parameter set, echoed to the
// advisor so suggestions stay anchored to the running configuration.
type GridParamSet struct {
	StepPct      float64
	MaxSteps     int
	BaseFraction float64
	LowerPct     float64
	UpperPct     float64
	Count        int
}

// ParamAdvisor asks the planner model for grid parameter suggestions
// based on the latest snapshot metrics and portfolio context.
type ParamAdvisor struct {
	request *models.UserRequest
	planner llm.Planner
	logger  zerolog.Logger
}

func NewParamAdvisor(req *models.UserRequest, planner llm.Planner, logger zerolog.Logger) *ParamAdvisor {
	return &ParamAdvisor{request: req, planner: planner, logger: logger}
}

type advisorPortfolio struct {
	Equity      float64            `json:"equity"`
	BuyingPower float64            `json:"buying_power"`
	FreeCash    float64            `json:"free_cash"`
	Constraints map[string]float64 `json:"constraints,omitempty"`
	CapFactor   float64            `json:"cap_factor"`
}

type advisorPayload struct {
	MarketType      models.MarketType             `json:"market_type"`
	DecideInterval  int                           `json:"decide_interval"`
	Symbols         []string                      `json:"symbols"`
	SnapshotMetrics map[string]map[string]float64 `json:"snapshot_metrics"`
	PreviousParams  map[string]float64            `json:"previous_params,omitempty"`
	Portfolio       *advisorPortfolio             `json:"portfolio,omitempty"`
}

// Advise requests a parameter proposal. Errors cover both transport
// failures and replies that fail validation; the caller decides whether
// to keep the running parameters.
func (a *ParamAdvisor) Advise(ctx context.Context, cc models.ComposeContext, prev GridParamSet) (*GridAdvice, error) {
	payload := a.buildPayload(cc, prev)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize advisor payload: %w", err)
	}

	raw, err := a.planner.Complete(ctx, advisorSystemPrompt, advisorInstructions+"\n\nContext:\n"+string(body))
	if err != nil {
		return nil, err
	}

	var advice GridAdvice
	if err := json.Unmarshal([]byte(extractJSON(raw)), &advice); err != nil {
		return nil, fmt.Errorf("advice failed validation: %w", err)
	}
	if advice.GridStepPct <= 0 || advice.GridMaxSteps <= 0 || advice.GridBaseFraction <= 0 {
		return nil, fmt.Errorf("advice failed validation: non-positive core parameters in %q", raw)
	}

	a.logger.Info().
		Float64("step_pct", advice.GridStepPct).
		Int("max_steps", advice.GridMaxSteps).
		Float64("base_fraction", advice.GridBaseFraction).
		Str("rationale", advice.AdvisorRationale).
		Msg("LLM grid advice")
	return &advice, nil
}

func (a *ParamAdvisor) buildPayload(cc models.ComposeContext, prev GridParamSet) advisorPayload {
	watch := make(map[string]bool, len(a.request.TradingConfig.Symbols))
	for _, s := range a.request.TradingConfig.Symbols {
		watch[s] = true
	}

	metricKeys := []string{
		models.FeatureKeyPriceLast,
		models.FeatureKeyPriceChgPct,
		models.FeatureKeyPriceVolume,
		models.FeatureKeyOpenIntrst,
		models.FeatureKeyFundingRate,
	}
	metrics := make(map[string]map[string]float64)
	for _, fv := range cc.Features {
		if !fv.IsSnapshot() || !watch[fv.Instrument.Symbol] {
			continue
		}
		entry := metrics[fv.Instrument.Symbol]
		if entry == nil {
			entry = make(map[string]float64, len(metricKeys))
			metrics[fv.Instrument.Symbol] = entry
		}
		for _, k := range metricKeys {
			if v, ok := fv.Values[k]; ok {
				entry[k] = v
			}
		}
	}

	prevParams := map[string]float64{
		"grid_step_pct":      prev.StepPct,
		"grid_max_steps":     float64(prev.MaxSteps),
		"grid_base_fraction": prev.BaseFraction,
	}
	if prev.LowerPct > 0 {
		prevParams["grid_lower_pct"] = prev.LowerPct
	}
	if prev.UpperPct > 0 {
		prevParams["grid_upper_pct"] = prev.UpperPct
	}
	if prev.Count > 0 {
		prevParams["grid_count"] = float64(prev.Count)
	}

	constraints := cc.EffectiveConstraints()
	maxLev := constraints.MaxLeverage
	if maxLev == 0 {
		maxLev = a.request.TradingConfig.MaxLeverage
	}
	cMap := make(map[string]float64)
	if maxLev > 0 {
		cMap["max_leverage"] = maxLev
	}
	if constraints.QuantityStep > 0 {
		cMap["quantity_step"] = constraints.QuantityStep
	}
	if constraints.MinTradeQty > 0 {
		cMap["min_trade_qty"] = constraints.MinTradeQty
	}
	if constraints.MaxOrderQty > 0 {
		cMap["max_order_qty"] = constraints.MaxOrderQty
	}
	if constraints.MaxPositionQty > 0 {
		cMap["max_position_qty"] = constraints.MaxPositionQty
	}
	if len(cMap) == 0 {
		cMap = nil
	}

	pv := cc.Portfolio
	return advisorPayload{
		MarketType:      a.request.ExchangeConfig.MarketType,
		DecideInterval:  a.request.TradingConfig.DecideIntervalSec,
		Symbols:         a.request.TradingConfig.Symbols,
		SnapshotMetrics: metrics,
		PreviousParams:  prevParams,
		Portfolio: &advisorPortfolio{
			Equity:      planEquity(a.request.ExchangeConfig.MarketType, pv),
			BuyingPower: pv.BuyingPower,
			FreeCash:    pv.FreeCash,
			Constraints: cMap,
			CapFactor:   a.request.TradingConfig.CapFactor,
		},
	}
}

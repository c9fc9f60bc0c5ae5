package composer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"strategy-agent/internal/features"
	"strategy-agent/internal/llm"
	"strategy-agent/internal/models"
)

// promptInstructions is the per-cycle preamble placed before the JSON
// context in the user message.
const promptInstructions = "Read Context and decide. " +
	"features.1m = structural trends (240 periods), features.1s = realtime signals (180 periods). " +
	"market.funding_rate: positive = longs pay shorts. " +
	"Respect constraints. Prefer NOOP when edge unclear. " +
	"Always include a concise top-level 'rationale'. " +
	"If you choose NOOP (items is empty), set 'rationale' to explain why: reference current prices and 'price.change_pct' vs thresholds, and any constraints that led to NOOP. " +
	"Output JSON with items array."

// PromptComposer asks an LLM planner for a trade plan each cycle. The
// planner sees a compact JSON context (portfolio summary, market metrics,
// grouped features, open positions, constraints) plus the resolved
// strategy prompt; its plan is validated and then normalized into
// executable instructions.
type PromptComposer struct {
	request    *models.UserRequest
	planner    llm.Planner
	normalizer *Normalizer
	logger     zerolog.Logger
}

// NewPromptComposer wires the planner-backed composer for one strategy.
func NewPromptComposer(req *models.UserRequest, planner llm.Planner, logger zerolog.Logger) *PromptComposer {
	return &PromptComposer{
		request:    req,
		planner:    planner,
		normalizer: NewNormalizer(req, logger),
		logger:     logger,
	}
}

// Compose builds the prompt, invokes the planner and normalizes the plan.
// Planner failures and validation failures degrade to an empty result with
// an explanatory rationale; they never abort the decision cycle.
func (p *PromptComposer) Compose(ctx context.Context, cc models.ComposeContext) (models.ComposeResult, error) {
	userPrompt := p.buildUserPrompt(cc)

	raw, err := p.planner.Complete(ctx, plannerSystemPrompt, userPrompt)
	if err != nil {
		p.logger.Error().Err(err).Str("compose_id", cc.ComposeID).Msg("LLM invocation failed")
		return models.ComposeResult{Rationale: fmt.Sprintf("LLM invocation failed: %v", err)}, nil
	}

	plan, err := p.parsePlan(raw)
	if err != nil {
		p.logger.Error().Err(err).Str("compose_id", cc.ComposeID).Msg("LLM output failed validation")
		return models.ComposeResult{Rationale: p.validationRationale(raw)}, nil
	}
	if len(plan.Items) == 0 {
		p.logger.Info().
			Str("compose_id", cc.ComposeID).
			Str("rationale", plan.Rationale).
			Msg("LLM returned empty plan")
		return models.ComposeResult{Rationale: plan.Rationale}, nil
	}

	instructions := p.normalizer.Normalize(cc, plan)
	return models.ComposeResult{Instructions: instructions, Rationale: plan.Rationale}, nil
}

// promptSummary carries the portfolio fields the planner sizes against.
type promptSummary struct {
	ActivePositions int     `json:"active_positions"`
	TotalValue      float64 `json:"total_value"`
	AccountBalance  float64 `json:"account_balance"`
	FreeCash        float64 `json:"free_cash"`
	UnrealizedPnl   float64 `json:"unrealized_pnl"`
	SharpeRatio     float64 `json:"sharpe_ratio,omitempty"`
}

// positionBrief is the compact per-position entry in the prompt payload.
type positionBrief struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	UnrealizedPnl float64 `json:"unrealized_pnl,omitempty"`
	EntryTs       int64   `json:"entry_ts,omitempty"`
}

// promptPayload is the serialized Context handed to the planner. Empty
// sections are pruned via omitempty so the prompt stays compact.
type promptPayload struct {
	StrategyPrompt string                            `json:"strategy_prompt,omitempty"`
	Summary        promptSummary                     `json:"summary"`
	Market         map[string]map[string]float64     `json:"market,omitempty"`
	Features       map[string][]models.FeatureVector `json:"features,omitempty"`
	Positions      []positionBrief                   `json:"positions,omitempty"`
	Constraints    *models.Constraints               `json:"constraints,omitempty"`
}

func (p *PromptComposer) buildUserPrompt(cc models.ComposeContext) string {
	pv := cc.Portfolio

	summary := promptSummary{
		ActivePositions: pv.ActivePositions(),
		TotalValue:      pv.TotalValue,
		AccountBalance:  pv.FreeCash,
		FreeCash:        pv.FreeCash,
		UnrealizedPnl:   pv.TotalUnrealizedPnl,
		SharpeRatio:     cc.Digest.SharpeRatio,
	}

	grouped := features.GroupFeatures(cc.Features)
	market := marketSection(grouped[models.FeatureGroupSnapshot])

	var positions []positionBrief
	for symbol, snap := range pv.Positions {
		if math.Abs(snap.Quantity) <= models.QuantityPrecision {
			continue
		}
		positions = append(positions, positionBrief{
			Symbol:        symbol,
			Qty:           snap.Quantity,
			UnrealizedPnl: snap.UnrealizedPnl,
			EntryTs:       snap.EntryTs,
		})
	}

	var constraints *models.Constraints
	if c := cc.EffectiveConstraints(); c != (models.Constraints{}) {
		constraints = &c
	}

	strategyPrompt := cc.PromptText
	if strategyPrompt == "" {
		strategyPrompt = p.request.ResolvePromptText()
	}

	payload := promptPayload{
		StrategyPrompt: strategyPrompt,
		Summary:        summary,
		Market:         market,
		Features:       grouped,
		Positions:      positions,
		Constraints:    constraints,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to serialize prompt payload")
		body = []byte("{}")
	}
	return promptInstructions + "\n\nContext:\n" + string(body)
}

// marketSection compacts snapshot feature vectors into per-symbol metric
// maps with short aliases for the decision-critical keys.
func marketSection(snapshot []models.FeatureVector) map[string]map[string]float64 {
	aliases := []struct {
		key   string
		alias string
	}{
		{models.FeatureKeyPriceLast, "last"},
		{models.FeatureKeyPriceClose, "close"},
		{models.FeatureKeyPriceOpen, "open"},
		{models.FeatureKeyPriceHigh, "high"},
		{models.FeatureKeyPriceLow, "low"},
		{models.FeatureKeyPriceBid, "bid"},
		{models.FeatureKeyPriceAsk, "ask"},
		{models.FeatureKeyPriceChgPct, "change_pct"},
		{models.FeatureKeyPriceVolume, "volume"},
		{models.FeatureKeyOpenIntrst, "open_interest"},
		{models.FeatureKeyFundingRate, "funding_rate"},
		{models.FeatureKeyMarkPrice, "mark_price"},
	}

	compact := make(map[string]map[string]float64)
	for _, fv := range snapshot {
		symbol := fv.Instrument.Symbol
		if symbol == "" {
			continue
		}
		entry := make(map[string]float64)
		for _, a := range aliases {
			if v, ok := fv.Values[a.key]; ok {
				entry[a.alias] = v
			}
		}
		if len(entry) > 0 {
			compact[symbol] = entry
		}
	}
	if len(compact) == 0 {
		return nil
	}
	return compact
}

// planEnvelope mirrors the JSON shape the planner is instructed to emit.
type planEnvelope struct {
	Ts        int64          `json:"ts,omitempty"`
	Items     []planItemJSON `json:"items"`
	Rationale string         `json:"rationale,omitempty"`
}

// planItemJSON accepts both the nested instrument form and a bare symbol.
type planItemJSON struct {
	Instrument *models.InstrumentRef `json:"instrument,omitempty"`
	Symbol     string                `json:"symbol,omitempty"`
	Action     string                `json:"action"`
	TargetQty  float64               `json:"target_qty"`
	Leverage   float64               `json:"leverage,omitempty"`
	Confidence float64               `json:"confidence,omitempty"`
	Rationale  string                `json:"rationale,omitempty"`
}

// parsePlan converts the raw completion into a PlanProposal. It tolerates
// fenced code blocks and prose around the JSON object, but every item must
// carry a known action and an instrument symbol.
func (p *PromptComposer) parsePlan(raw string) (models.PlanProposal, error) {
	var envelope planEnvelope
	if err := json.Unmarshal([]byte(extractJSON(raw)), &envelope); err != nil {
		return models.PlanProposal{}, fmt.Errorf("malformed plan JSON: %w", err)
	}

	items := make([]models.PlanItem, 0, len(envelope.Items))
	for i, it := range envelope.Items {
		action, err := models.ParseTradeAction(it.Action)
		if err != nil {
			return models.PlanProposal{}, fmt.Errorf("plan item %d: %w", i, err)
		}

		instrument := models.InstrumentRef{}
		if it.Instrument != nil {
			instrument = *it.Instrument
		}
		if instrument.Symbol == "" {
			instrument.Symbol = it.Symbol
		}
		instrument.Symbol = strings.ToUpper(strings.TrimSpace(instrument.Symbol))
		if instrument.Symbol == "" {
			return models.PlanProposal{}, fmt.Errorf("plan item %d: missing instrument symbol", i)
		}

		confidence := math.Max(0, math.Min(1, it.Confidence))
		items = append(items, models.PlanItem{
			Instrument: instrument,
			Action:     action,
			TargetQty:  math.Abs(it.TargetQty),
			Leverage:   it.Leverage,
			Confidence: confidence,
			Rationale:  it.Rationale,
		})
	}

	return models.PlanProposal{Ts: envelope.Ts, Items: items, Rationale: envelope.Rationale}, nil
}

func (p *PromptComposer) validationRationale(raw string) string {
	cfg := p.request.LLMModelConfig
	return fmt.Sprintf(
		"LLM output failed validation. The model you chose `%s/%s` may be incompatible or returned unexpected output. Raw output: %s",
		cfg.Provider, cfg.ModelID, raw)
}

// extractJSON isolates the JSON object in a completion: fenced blocks are
// unwrapped first, then everything outside the outermost braces is cut.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return strings.TrimSpace(s)
}

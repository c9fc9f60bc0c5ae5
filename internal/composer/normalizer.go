package composer

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"strategy-agent/internal/models"
)

// Normalizer turns raw plan proposals into executable trade instructions.
// Every composer routes its output through the same instance so exchange
// filters, sizing caps and buying power are enforced regardless of where
// the plan came from. Normalize is deterministic: the same context and
// plan always produce the same instruction ids and quantities.
type Normalizer struct {
	marketType   models.MarketType
	maxLeverage  float64
	maxPositions int
	capFactor    float64
	slippageBps  float64
	logger       zerolog.Logger
}

// NewNormalizer builds a normalizer from a validated user request.
func NewNormalizer(req *models.UserRequest, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		marketType:   req.ExchangeConfig.MarketType,
		maxLeverage:  req.TradingConfig.MaxLeverage,
		maxPositions: req.TradingConfig.MaxPositions,
		capFactor:    req.TradingConfig.CapFactor,
		slippageBps:  models.DefaultSlippageBps,
		logger:       logger,
	}
}

// sizingState tracks the running budget while a plan is normalized. Each
// emitted instruction consumes buying power and may flip the active
// position count, so later plan items see the projected state, not the
// stale portfolio view.
type sizingState struct {
	equity         float64
	allowedLev     float64
	constraints    models.Constraints
	projectedGross float64
	prices         map[string]float64
	positions      map[string]float64
	active         int
}

// Normalize applies the guardrail pipeline to every plan item in order.
// Direction flips are split into a close step and an open step so no
// single instruction crosses zero.
func (n *Normalizer) Normalize(ctx models.ComposeContext, plan models.PlanProposal) []models.TradeInstruction {
	state := n.initState(ctx)
	instructions := make([]models.TradeInstruction, 0, len(plan.Items))

	for idx, item := range plan.Items {
		symbol := item.Instrument.Symbol
		current := state.positions[symbol]

		target := resolveTarget(item, current, state.constraints.MaxPositionQty)
		if n.marketType == models.MarketSpot && target < 0 {
			target = 0
		}

		// No direct flip: go flat first, then open the opposite side.
		subTargets := []float64{target}
		if current*target < 0 {
			subTargets = []float64{0, target}
		}

		local := current
		for subI, subTarget := range subTargets {
			delta := subTarget - local
			if math.Abs(delta) <= models.QuantityPrecision {
				continue
			}

			isNewPosition := math.Abs(local) <= models.QuantityPrecision &&
				math.Abs(subTarget) > models.QuantityPrecision
			if isNewPosition && state.constraints.MaxPositions > 0 && state.active >= state.constraints.MaxPositions {
				n.logger.Warn().
					Str("symbol", symbol).
					Int("active", state.active).
					Int("max_positions", state.constraints.MaxPositions).
					Msg("Skipping new position due to max_positions constraint")
				continue
			}

			side := models.SideSell
			if delta > 0 {
				side = models.SideBuy
			}
			leverage := n.finalLeverage(item.Leverage, state.constraints)

			quantity, consumedBP := n.clampQuantity(symbol, math.Abs(delta), side, local, state)
			if quantity <= models.QuantityPrecision {
				n.logger.Debug().
					Str("symbol", symbol).
					Float64("delta", delta).
					Msg("Quantity below precision after guardrails, skipping")
				continue
			}

			signedDelta := quantity
			if side == models.SideSell {
				signedDelta = -quantity
			}
			finalTarget := local + signedDelta
			state.positions[symbol] = finalTarget
			state.projectedGross += consumedBP
			if isNewPosition {
				state.active++
			}
			if math.Abs(finalTarget) <= models.QuantityPrecision && state.active > 0 {
				state.active--
			}

			instructions = append(instructions, models.TradeInstruction{
				InstructionID:  fmt.Sprintf("%s:%s:%d", ctx.ComposeID, symbol, idx*10+subI),
				ComposeID:      ctx.ComposeID,
				Instrument:     item.Instrument,
				Action:         item.Action,
				Side:           side,
				Quantity:       quantity,
				Leverage:       leverage,
				PriceMode:      models.PriceModeMarket,
				MaxSlippageBps: n.slippageBps,
				Meta: models.InstructionMeta{
					RequestedTargetQty: subTarget,
					CurrentQty:         local,
					FinalTargetQty:     finalTarget,
					Confidence:         item.Confidence,
					Rationale:          item.Rationale,
				},
			})

			local = finalTarget
		}
	}

	return instructions
}

// initState seeds the sizing budget from the portfolio view. Equity for
// spot is cash only; derivatives use total value, falling back to
// cash + net exposure when the aggregate is absent.
func (n *Normalizer) initState(ctx models.ComposeContext) *sizingState {
	constraints := ctx.EffectiveConstraints()
	if constraints.MaxPositions == 0 {
		constraints.MaxPositions = n.maxPositions
	}
	if constraints.MaxLeverage == 0 {
		constraints.MaxLeverage = n.maxLeverage
	}

	equity := planEquity(n.marketType, ctx.Portfolio)

	allowedLev := 1.0
	if n.marketType != models.MarketSpot && constraints.MaxLeverage > 0 {
		allowedLev = constraints.MaxLeverage
	}

	prices := make(map[string]float64, len(ctx.MarketSnapshot))
	for symbol := range ctx.MarketSnapshot {
		if px := ctx.MarketSnapshot.RefPrice(symbol); px > 0 {
			prices[symbol] = px
		}
	}

	positions := make(map[string]float64, len(ctx.Portfolio.Positions))
	active := 0
	for symbol, snap := range ctx.Portfolio.Positions {
		positions[symbol] = snap.Quantity
		if math.Abs(snap.Quantity) > models.QuantityPrecision {
			active++
		}
	}

	projectedGross := ctx.Portfolio.GrossExposure
	if projectedGross == 0 {
		for symbol, snap := range ctx.Portfolio.Positions {
			px := prices[symbol]
			if px == 0 {
				px = snap.MarkPrice
			}
			projectedGross += math.Abs(snap.Quantity) * px
		}
	}

	return &sizingState{
		equity:         equity,
		allowedLev:     allowedLev,
		constraints:    constraints,
		projectedGross: projectedGross,
		prices:         prices,
		positions:      positions,
		active:         active,
	}
}

// resolveTarget converts a plan item into a signed target quantity. NOOP
// keeps the current position; otherwise target_qty is a magnitude and the
// action supplies the sign. The result is clamped to max_position_qty.
func resolveTarget(item models.PlanItem, current, maxPositionQty float64) float64 {
	if item.Action == models.ActionNoop {
		return current
	}
	target := math.Abs(item.TargetQty) * item.Action.Sign()
	if maxPositionQty > 0 {
		maxAbs := math.Abs(maxPositionQty)
		target = math.Max(-maxAbs, math.Min(maxAbs, target))
	}
	return target
}

// finalLeverage clamps the requested leverage into [1, allowed] where
// allowed is the tighter of the strategy and exchange limits. Spot is
// always 1x.
func (n *Normalizer) finalLeverage(requested float64, constraints models.Constraints) float64 {
	if n.marketType == models.MarketSpot {
		return 1.0
	}
	allowed := n.maxLeverage
	if constraints.MaxLeverage > 0 && constraints.MaxLeverage < allowed {
		allowed = constraints.MaxLeverage
	}
	if allowed < 1 {
		allowed = 1
	}
	if requested <= 0 {
		requested = 1
	}
	return math.Max(1, math.Min(requested, allowed))
}

// clampQuantity runs one order quantity through the guardrails: per-order
// exchange filters, the notional/leverage cap, and the buying-power clamp.
// Returns the final quantity and the gross exposure it will consume.
func (n *Normalizer) clampQuantity(symbol string, qty float64, side models.TradeSide, current float64, state *sizingState) (float64, float64) {
	qty = n.applyFilters(symbol, qty, state.constraints, state.prices)
	if qty <= models.QuantityPrecision {
		return 0, 0
	}

	price := state.prices[symbol]

	// Notional cap: the resulting absolute position may not exceed either
	// cap_factor or allowed leverage times equity.
	if price > 0 {
		capFactor := n.capFactor
		if state.constraints.QuantityStep > 0 {
			capFactor = math.Max(capFactor, 1.5)
		}
		maxAbsByFactor := capFactor * state.equity / price
		maxAbsByLev := state.allowedLev * state.equity / price
		maxAbs := math.Min(maxAbsByFactor, maxAbsByLev)

		desired := current + qty
		if side == models.SideSell {
			desired = current - qty
		}
		if math.Abs(desired) > maxAbs {
			newQty := math.Max(0, maxAbs-math.Abs(current))
			if newQty < qty {
				n.logger.Debug().
					Str("symbol", symbol).
					Float64("price", price).
					Float64("old_qty", qty).
					Float64("new_qty", newQty).
					Msg("Capping quantity by notional/leverage limit")
				qty = newQty
			}
		}
	}
	if qty <= models.QuantityPrecision {
		return 0, 0
	}

	// Buying-power clamp. Reductions always pass; only the units that grow
	// gross exposure beyond a flat position must fit into available BP.
	finalQty := qty
	if price > 0 {
		var availBP float64
		if n.marketType == models.MarketSpot {
			availBP = math.Max(0, state.equity)
		} else {
			availBP = math.Max(0, state.equity*state.allowedLev-state.projectedGross)
		}

		effectivePx := price * (1 + n.slippageBps/10000.0)
		apUnits := 0.0
		if availBP > 0 {
			apUnits = availBP / effectivePx
		}

		a := math.Abs(current)
		var allowed float64
		if side == models.SideBuy {
			if current >= 0 {
				allowed = apUnits
			} else if qty <= 2*a {
				allowed = qty
			} else {
				allowed = 2*a + apUnits
			}
		} else {
			if current <= 0 {
				allowed = apUnits
			} else if qty <= 2*a {
				allowed = qty
			} else {
				allowed = 2*a + apUnits
			}
		}
		finalQty = math.Max(0, math.Min(qty, allowed))
	}

	// Re-floor after the caps so the emitted quantity stays a multiple of
	// the exchange step even when a clamp produced a ragged value.
	if step := state.constraints.QuantityStep; step > 0 {
		finalQty = math.Floor(finalQty/step) * step
	}
	if finalQty <= models.QuantityPrecision {
		return 0, 0
	}

	signed := finalQty
	if side == models.SideSell {
		signed = -finalQty
	}
	deltaAbs := math.Abs(current+signed) - math.Abs(current)
	consumed := 0.0
	if deltaAbs > 0 {
		consumed = deltaAbs * price
	}
	return finalQty, consumed
}

// applyFilters enforces the per-order exchange filters in a fixed order:
// max order size, step-size floor, minimum quantity, minimum notional.
func (n *Normalizer) applyFilters(symbol string, qty float64, c models.Constraints, prices map[string]float64) float64 {
	if c.MaxOrderQty > 0 {
		qty = math.Min(qty, c.MaxOrderQty)
	}
	if c.QuantityStep > 0 {
		qty = math.Floor(qty/c.QuantityStep) * c.QuantityStep
	}
	if qty <= 0 {
		return 0
	}
	if c.MinTradeQty > 0 && qty < c.MinTradeQty {
		n.logger.Warn().
			Str("symbol", symbol).
			Float64("qty", qty).
			Float64("min_trade_qty", c.MinTradeQty).
			Msg("Order below minimum trade quantity, dropping")
		return 0
	}
	if c.MinNotional > 0 {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			n.logger.Warn().Str("symbol", symbol).Msg("No reference price for min_notional check, dropping")
			return 0
		}
		if qty*price < c.MinNotional {
			n.logger.Warn().
				Str("symbol", symbol).
				Float64("notional", qty*price).
				Float64("min_notional", c.MinNotional).
				Msg("Order below minimum notional, dropping")
			return 0
		}
	}
	return qty
}

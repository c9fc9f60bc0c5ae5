package execution

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"strategy-agent/internal/exchange"
	"strategy-agent/internal/marketdata"
	"strategy-agent/internal/models"
)

// IdempotencyGuard marks client order ids as submitted so a resubmission
// after a crash is detected before it reaches the venue. A nil or
// unhealthy guard disables the local check; the venue-side client order
// id still deduplicates.
type IdempotencyGuard interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Healthy() bool
}

const (
	orderGuardPrefix = "exec:order:"
	orderGuardTTL    = 24 * time.Hour

	// Market orders usually fill immediately but the create response may
	// not carry final numbers yet.
	fillPollDelay = 500 * time.Millisecond

	// Opens must leave 2% slack against the free quote balance.
	marginBuffer = 1.02

	// Fills below 99% of the requested amount count as partial.
	fillTolerance = 0.99

	maxClientOrderIDLen = 32
)

// LiveGateway submits real orders through the exchange REST client. Each
// strategy owns one gateway driven from its decision loop, so the
// per-symbol setup caches need no locking.
type LiveGateway struct {
	client     *exchange.Client
	guard      IdempotencyGuard
	logger     zerolog.Logger
	marketType models.MarketType
	marginMode string
	feeBps     float64

	positionModeSet bool
	leverageCache   map[string]float64
	marginCache     map[string]string
	metaCache       map[string]*exchange.MarketMeta
}

// NewLiveGateway wires a live gateway over an authenticated exchange
// client. marginMode is CROSSED or ISOLATED for derivatives.
func NewLiveGateway(client *exchange.Client, marketType models.MarketType, marginMode string, feeBps float64, guard IdempotencyGuard, logger zerolog.Logger) *LiveGateway {
	return &LiveGateway{
		client:        client,
		guard:         guard,
		logger:        logger,
		marketType:    marketType,
		marginMode:    marginMode,
		feeBps:        feeBps,
		leverageCache: make(map[string]float64),
		marginCache:   make(map[string]string),
		metaCache:     make(map[string]*exchange.MarketMeta),
	}
}

// Execute submits every instruction and reports a per-instruction result.
// Failures are folded into status=error results; Execute itself never
// fails.
func (l *LiveGateway) Execute(ctx context.Context, instructions []models.TradeInstruction, snapshot models.MarketSnapshot) []models.TxResult {
	if len(instructions) == 0 {
		return nil
	}
	l.ensurePositionMode()

	results := make([]models.TxResult, 0, len(instructions))
	for _, inst := range instructions {
		l.logger.Info().
			Str("instruction_id", inst.InstructionID).
			Str("symbol", inst.Instrument.Symbol).
			Str("side", string(inst.Side)).
			Float64("qty", inst.Quantity).
			Msg("Submitting live order")
		results = append(results, l.executeOne(ctx, inst, snapshot))
	}
	return results
}

func (l *LiveGateway) Close() error { return nil }

// FreeCash sums the free balance across the given quote currencies. The
// controller uses it at startup to seed the portfolio with the real
// account cash instead of the requested initial capital.
func (l *LiveGateway) FreeCash(quotes []string) (float64, error) {
	var total float64
	var lastErr error
	fetched := false
	for _, quote := range quotes {
		free, err := l.client.FreeBalance(quote)
		if err != nil {
			lastErr = err
			continue
		}
		fetched = true
		total += free
	}
	if !fetched && lastErr != nil {
		return 0, lastErr
	}
	return total, nil
}

func (l *LiveGateway) executeOne(ctx context.Context, inst models.TradeInstruction, snapshot models.MarketSnapshot) models.TxResult {
	if inst.Action == models.ActionNoop {
		return rejected(inst, "noop")
	}

	wire := marketdata.NormalizeSymbol(inst.Instrument.Symbol)
	clientID := sanitizeClientOrderID(inst.InstructionID)

	// Local idempotency guard: a key that already exists means this
	// instruction was submitted before; recover the original order
	// instead of re-trading.
	if l.guard != nil && l.guard.Healthy() {
		fresh, err := l.guard.SetNX(ctx, orderGuardPrefix+clientID, inst.ComposeID, orderGuardTTL)
		if err == nil && !fresh {
			l.logger.Warn().
				Str("instruction_id", inst.InstructionID).
				Str("client_order_id", clientID).
				Msg("Duplicate submission detected, recovering original order")
			return l.recoverSubmitted(inst, wire, clientID)
		}
	}

	meta := l.marketMeta(wire)

	// Venue amount: contract markets trade in contract units.
	amount := inst.Quantity
	contractSize := 0.0
	if meta != nil && meta.ContractSize > 0 {
		contractSize = meta.ContractSize
		amount = inst.Quantity / contractSize
	}
	if meta != nil && meta.QuantityStep > 0 {
		amount = math.Floor(amount/meta.QuantityStep) * meta.QuantityStep
	}

	estPrice := l.estimatePrice(inst, snapshot, wire)

	// Reject below exchange minimums locally; never lift to the minimum.
	if meta != nil {
		if meta.MinQty > 0 && amount < meta.MinQty {
			return rejected(inst, fmt.Sprintf("amount<%v", meta.MinQty))
		}
		if meta.MinNotional > 0 && estPrice > 0 {
			notional := inst.Quantity * estPrice
			if notional < meta.MinNotional {
				return rejected(inst, fmt.Sprintf("notional<%v", meta.MinNotional))
			}
		}
	}

	leverage := inst.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	// Margin precheck for derivative opens: the estimated initial margin
	// plus a small buffer must fit the free quote balance.
	if l.marketType.IsDerivative() && inst.Action.IsOpen() && estPrice > 0 {
		required := inst.Quantity * estPrice / leverage * marginBuffer
		quote := quoteAsset(inst.Instrument.Symbol)
		free, err := l.client.FreeBalance(quote)
		if err != nil {
			l.logger.Warn().Err(err).Str("symbol", wire).Msg("Margin precheck skipped: balance fetch failed")
		} else if free < required {
			return rejected(inst, fmt.Sprintf("insufficient_margin:need~%.6f%s,free~%.6f%s", required, quote, free, quote))
		}
	}

	if l.marketType.IsDerivative() {
		l.setupLeverage(wire, leverage)
		l.setupMarginMode(wire)
	}

	orderType := exchange.OrderTypeMarket
	timeInForce := ""
	limitPrice := 0.0
	if inst.PriceMode == models.PriceModeLimit && inst.LimitPrice > 0 {
		orderType = exchange.OrderTypeLimit
		timeInForce = "GTC"
		limitPrice = inst.LimitPrice
		if meta != nil && meta.PriceTick > 0 {
			limitPrice = math.Floor(limitPrice/meta.PriceTick) * meta.PriceTick
		}
	}

	params := exchange.OrderParams{
		Symbol:        wire,
		Side:          string(inst.Side),
		Type:          orderType,
		Quantity:      amount,
		Price:         limitPrice,
		ReduceOnly:    l.marketType.IsDerivative() && inst.Action.IsClose(),
		ClientOrderID: clientID,
		TimeInForce:   timeInForce,
	}

	order, err := l.client.CreateOrder(params)
	if err != nil {
		l.logger.Error().Err(err).Str("symbol", wire).Msg("Order creation failed")
		return errored(inst, fmt.Sprintf("failed to create order for %s: %v", wire, err))
	}

	// Market orders may report zero fills on the create response; poll
	// once after a short delay for the final numbers.
	if orderType == exchange.OrderTypeMarket {
		select {
		case <-ctx.Done():
		case <-time.After(fillPollDelay):
			updated, ferr := l.client.GetOrder(wire, order.OrderID, "")
			if ferr != nil {
				l.logger.Warn().Err(ferr).Str("symbol", wire).Int64("order_id", order.OrderID).
					Msg("Could not refresh order status, using create response")
			} else {
				order = updated
			}
		}
	}

	return l.parseOrder(inst, order, amount, contractSize)
}

// recoverSubmitted fetches the order a previous run created under the
// same client order id and reports its fills.
func (l *LiveGateway) recoverSubmitted(inst models.TradeInstruction, wire, clientID string) models.TxResult {
	order, err := l.client.GetOrder(wire, 0, clientID)
	if err != nil {
		return errored(inst, fmt.Sprintf("duplicate submission and original order lookup failed: %v", err))
	}
	meta := l.marketMeta(wire)
	contractSize := 0.0
	amount := inst.Quantity
	if meta != nil && meta.ContractSize > 0 {
		contractSize = meta.ContractSize
		amount = inst.Quantity / contractSize
	}
	return l.parseOrder(inst, order, amount, contractSize)
}

// parseOrder converts the venue order into a TxResult. amount is the
// requested size in venue units; fills convert back to base units when a
// contract size applies.
func (l *LiveGateway) parseOrder(inst models.TradeInstruction, order *exchange.Order, amount, contractSize float64) models.TxResult {
	filled := order.ExecutedQty
	avgPrice := order.AvgPrice
	if avgPrice <= 0 && filled > 0 && order.CumQuote > 0 {
		avgPrice = order.CumQuote / filled
	}

	filledBase := filled
	if contractSize > 0 {
		filledBase = filled * contractSize
	}

	var slippageBps float64
	if inst.PriceMode == models.PriceModeLimit && inst.LimitPrice > 0 && avgPrice > 0 {
		slippageBps = math.Abs(avgPrice-inst.LimitPrice) / inst.LimitPrice * 10000.0
	}

	// The REST order payload carries no commission; estimate it from the
	// configured fee rate so portfolio accounting stays conservative.
	feeCost := 0.0
	if avgPrice > 0 && filledBase > 0 {
		feeCost = avgPrice * filledBase * l.feeBps / 10000.0
	}

	status := models.TxFilled
	reason := ""
	switch {
	case filled <= 0:
		status = models.TxRejected
		reason = strings.ToLower(order.Status)
	case filled < amount*fillTolerance:
		status = models.TxPartial
		reason = strings.ToLower(order.Status)
	}

	l.logger.Info().
		Str("instruction_id", inst.InstructionID).
		Int64("order_id", order.OrderID).
		Float64("filled", filledBase).
		Float64("avg_price", avgPrice).
		Str("status", string(status)).
		Msg("Live order result")

	return models.TxResult{
		InstructionID: inst.InstructionID,
		Instrument:    inst.Instrument,
		Side:          inst.Side,
		RequestedQty:  inst.Quantity,
		FilledQty:     filledBase,
		AvgExecPrice:  avgPrice,
		SlippageBps:   slippageBps,
		FeeCost:       feeCost,
		Leverage:      inst.Leverage,
		Status:        status,
		Reason:        reason,
	}
}

// ensurePositionMode forces one-way mode once per gateway; hedged mode is
// out of contract for the normalizer's signed-quantity accounting.
func (l *LiveGateway) ensurePositionMode() {
	if l.positionModeSet || !l.marketType.IsDerivative() {
		return
	}
	if err := l.client.SetPositionMode(false); err != nil {
		l.logger.Warn().Err(err).Msg("Could not set one-way position mode")
	}
	l.positionModeSet = true
}

func (l *LiveGateway) setupLeverage(wire string, leverage float64) {
	if l.leverageCache[wire] == leverage {
		return
	}
	if err := l.client.SetLeverage(wire, int(leverage)); err != nil {
		l.logger.Warn().Err(err).Str("symbol", wire).Float64("leverage", leverage).
			Msg("Could not set leverage")
		return
	}
	l.leverageCache[wire] = leverage
}

func (l *LiveGateway) setupMarginMode(wire string) {
	if l.marginMode == "" || l.marginCache[wire] == l.marginMode {
		return
	}
	if err := l.client.SetMarginType(wire, l.marginMode); err != nil {
		// Binance rejects a no-op margin change; treat as already set.
		l.logger.Debug().Err(err).Str("symbol", wire).Str("margin_mode", l.marginMode).
			Msg("Could not set margin mode")
	}
	l.marginCache[wire] = l.marginMode
}

// marketMeta caches exchange filters per symbol; a failed fetch disables
// prechecks for that symbol rather than blocking execution.
func (l *LiveGateway) marketMeta(wire string) *exchange.MarketMeta {
	if meta, ok := l.metaCache[wire]; ok {
		return meta
	}
	meta, err := l.client.GetMarketMeta(wire)
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", wire).Msg("Could not fetch market metadata")
		meta = nil
	}
	l.metaCache[wire] = meta
	return meta
}

// estimatePrice resolves a price for prechecks: the limit price, then the
// snapshot reference, then a fresh ticker.
func (l *LiveGateway) estimatePrice(inst models.TradeInstruction, snapshot models.MarketSnapshot, wire string) float64 {
	if inst.PriceMode == models.PriceModeLimit && inst.LimitPrice > 0 {
		return inst.LimitPrice
	}
	if px := snapshot.RefPrice(inst.Instrument.Symbol); px > 0 {
		return px
	}
	ticker, err := l.client.Get24hrTicker(wire)
	if err != nil {
		l.logger.Warn().Err(err).Str("symbol", wire).Msg("Could not fetch ticker for price estimate")
		return 0
	}
	switch {
	case ticker.LastPrice > 0:
		return ticker.LastPrice
	case ticker.BidPrice > 0:
		return ticker.BidPrice
	case ticker.AskPrice > 0:
		return ticker.AskPrice
	}
	return 0
}

// sanitizeClientOrderID strips the instruction id down to the alphanumeric
// subset venues accept, hashing when nothing survives.
func sanitizeClientOrderID(raw string) string {
	var b strings.Builder
	for _, ch := range raw {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	safe := b.String()
	if safe == "" {
		sum := sha1.Sum([]byte(raw))
		safe = hex.EncodeToString(sum[:])[:16]
	}
	if len(safe) > maxClientOrderIDLen {
		safe = safe[:maxClientOrderIDLen]
	}
	return safe
}

// quoteAsset extracts the quote leg from an instrument symbol, falling
// back to USDT.
func quoteAsset(symbol string) string {
	if i := strings.IndexAny(symbol, "-/"); i >= 0 && i+1 < len(symbol) {
		return strings.ToUpper(symbol[i+1:])
	}
	return "USDT"
}

func rejected(inst models.TradeInstruction, reason string) models.TxResult {
	return models.TxResult{
		InstructionID: inst.InstructionID,
		Instrument:    inst.Instrument,
		Side:          inst.Side,
		RequestedQty:  inst.Quantity,
		Status:        models.TxRejected,
		Reason:        reason,
	}
}

func errored(inst models.TradeInstruction, reason string) models.TxResult {
	return models.TxResult{
		InstructionID: inst.InstructionID,
		Instrument:    inst.Instrument,
		Side:          inst.Side,
		RequestedQty:  inst.Quantity,
		Status:        models.TxError,
		Reason:        reason,
	}
}

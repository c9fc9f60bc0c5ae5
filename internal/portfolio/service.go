package portfolio

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-agent/internal/models"
)

// Service provides portfolio state to the decision cycle and absorbs the
// fills it produces.
type Service interface {
	// View computes the current portfolio snapshot, marking positions to
	// the given price map (last known prices are reused when absent).
	View(priceMap map[string]float64) models.PortfolioView
	// ApplyTrades mutates positions with executed fills. Closing entries
	// are backfilled in place with entry price, holding time and realized
	// P&L taken from the position they reduce.
	ApplyTrades(trades []*models.TradeHistoryEntry, priceMap map[string]float64)
	SetFreeCash(cash float64)
	SetConstraints(c *models.Constraints)
}

type position struct {
	qty      float64 // signed
	avgPrice float64
	mark     float64
	entryTs  int64
	leverage float64
}

// PaperService is the in-memory portfolio used by both trading modes. In
// live mode the free cash is synced from the exchange at startup and the
// position book mirrors the fills the gateway reports.
type PaperService struct {
	mu          sync.Mutex
	strategyID  string
	derivative  bool
	maxLeverage float64
	freeCash    float64
	realized    float64
	positions   map[string]*position
	constraints *models.Constraints
	logger      zerolog.Logger
}

// NewPaperService seeds a portfolio with the request's initial capital.
func NewPaperService(strategyID string, req *models.UserRequest, logger zerolog.Logger) *PaperService {
	maxLev := req.TradingConfig.MaxLeverage
	if !req.ExchangeConfig.MarketType.IsDerivative() || maxLev < 1 {
		maxLev = 1
	}
	return &PaperService{
		strategyID:  strategyID,
		derivative:  req.ExchangeConfig.MarketType.IsDerivative(),
		maxLeverage: maxLev,
		freeCash:    req.TradingConfig.InitialCapital,
		positions:   make(map[string]*position),
		logger:      logger,
	}
}

// SetFreeCash overrides the cash balance, used for the live-mode sync.
func (s *PaperService) SetFreeCash(cash float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeCash = cash
}

// SetConstraints attaches exchange/risk constraints to every future view.
func (s *PaperService) SetConstraints(c *models.Constraints) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constraints = c
}

// RealizedTotal returns the cumulative realized P&L since boot.
func (s *PaperService) RealizedTotal() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized
}

// Restore re-seeds cash and positions from a persisted snapshot so a
// restarted strategy continues from its last known state.
func (s *PaperService) Restore(view models.PortfolioView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if view.FreeCash > 0 {
		s.freeCash = view.FreeCash
	}
	s.positions = make(map[string]*position, len(view.Positions))
	for sym, snap := range view.Positions {
		if math.Abs(snap.Quantity) <= models.QuantityPrecision {
			continue
		}
		s.positions[sym] = &position{
			qty:      snap.Quantity,
			avgPrice: snap.AvgPrice,
			mark:     snap.MarkPrice,
			entryTs:  snap.EntryTs,
			leverage: snap.Leverage,
		}
	}
	s.logger.Info().
		Float64("free_cash", s.freeCash).
		Int("positions", len(s.positions)).
		Msg("Portfolio restored from snapshot")
}

// View computes the marked portfolio snapshot.
func (s *PaperService) View(priceMap map[string]float64) models.PortfolioView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := models.PortfolioView{
		Ts:          time.Now().UnixMilli(),
		StrategyID:  s.strategyID,
		FreeCash:    s.freeCash,
		Positions:   make(map[string]models.PositionSnapshot, len(s.positions)),
		Constraints: s.constraints,
	}

	var gross, net, totalUpnl float64
	for sym, pos := range s.positions {
		mark := pos.mark
		if p, ok := priceMap[sym]; ok && p > 0 {
			mark = p
			pos.mark = p
		}
		if mark <= 0 {
			mark = pos.avgPrice
		}

		upnl := (mark - pos.avgPrice) * pos.qty
		notional := math.Abs(pos.qty) * mark
		gross += notional
		net += pos.qty * mark
		totalUpnl += upnl

		snap := models.PositionSnapshot{
			Instrument:    models.InstrumentRef{Symbol: sym},
			Quantity:      pos.qty,
			AvgPrice:      pos.avgPrice,
			MarkPrice:     mark,
			UnrealizedPnl: upnl,
			Notional:      notional,
			Leverage:      pos.leverage,
			EntryTs:       pos.entryTs,
			TradeType:     tradeType(pos.qty),
		}
		if base := pos.avgPrice * math.Abs(pos.qty); base > 0 {
			snap.UnrealizedPnlPct = upnl / base * 100
		}
		view.Positions[sym] = snap
	}

	view.GrossExposure = gross
	view.NetExposure = net
	view.TotalUnrealizedPnl = totalUpnl
	if s.derivative {
		view.TotalValue = s.freeCash + totalUpnl
		view.BuyingPower = math.Max(0, view.TotalValue*s.maxLeverage-gross)
	} else {
		view.TotalValue = s.freeCash + net
		view.BuyingPower = math.Max(0, s.freeCash)
	}
	return view
}

// ApplyTrades folds executed fills into the position book.
func (s *PaperService) ApplyTrades(trades []*models.TradeHistoryEntry, priceMap map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range trades {
		if t == nil || t.Quantity <= models.QuantityPrecision {
			continue
		}
		s.applyTrade(t)
	}

	// refresh last-known marks so views between cycles stay current
	for sym, pos := range s.positions {
		if p, ok := priceMap[sym]; ok && p > 0 {
			pos.mark = p
		}
	}
}

func (s *PaperService) applyTrade(t *models.TradeHistoryEntry) {
	sym := t.Instrument.Symbol
	price := execPrice(t)
	if price <= 0 {
		s.logger.Warn().Str("symbol", sym).Str("trade_id", t.TradeID).Msg("Trade without an execution price, skipping")
		return
	}

	delta := t.Quantity
	if t.Side == models.SideSell {
		delta = -delta
	}

	pos := s.positions[sym]
	var cur float64
	if pos != nil {
		cur = pos.qty
	}

	if fee := derefFloat(t.FeeCost); fee != 0 {
		s.freeCash -= fee
	}

	// pure increase: same direction or flat book
	if cur == 0 || cur*delta > 0 {
		newQty := cur + delta
		if pos == nil {
			pos = &position{}
			s.positions[sym] = pos
		}
		totalCost := pos.avgPrice*math.Abs(cur) + price*math.Abs(delta)
		pos.avgPrice = totalCost / math.Abs(newQty)
		pos.qty = newQty
		pos.mark = price
		if lev := derefFloat(t.Leverage); lev > 0 {
			pos.leverage = lev
		}
		if cur == 0 {
			pos.entryTs = t.TradeTs
		}
		if !s.derivative {
			s.freeCash -= price * math.Abs(delta)
		}
		if t.EntryPrice == nil {
			t.EntryPrice = ptrFloat(price)
		}
		if t.NotionalEntry == nil {
			t.NotionalEntry = ptrFloat(price * math.Abs(delta))
		}
		if t.EntryTs == nil {
			t.EntryTs = ptrInt64(t.TradeTs)
		}
		t.Type = tradeType(newQty)
		return
	}

	// reduction, possibly crossing zero
	closeQty := math.Min(math.Abs(delta), math.Abs(cur))
	var realized float64
	if cur > 0 {
		realized = (price - pos.avgPrice) * closeQty
	} else {
		realized = (pos.avgPrice - price) * closeQty
	}
	s.realized += realized
	if s.derivative {
		s.freeCash += realized
	} else {
		s.freeCash += price * closeQty
	}

	t.Type = tradeType(cur)
	if t.EntryPrice == nil {
		t.EntryPrice = ptrFloat(pos.avgPrice)
	}
	if t.EntryTs == nil && pos.entryTs > 0 {
		t.EntryTs = ptrInt64(pos.entryTs)
	}
	if t.ExitPrice == nil {
		t.ExitPrice = ptrFloat(price)
	}
	if t.NotionalExit == nil {
		t.NotionalExit = ptrFloat(price * closeQty)
	}
	if t.ExitTs == nil {
		t.ExitTs = ptrInt64(t.TradeTs)
	}
	if t.HoldingMs == nil && pos.entryTs > 0 && t.TradeTs >= pos.entryTs {
		t.HoldingMs = ptrInt64(t.TradeTs - pos.entryTs)
	}
	if t.RealizedPnl == nil {
		t.RealizedPnl = ptrFloat(realized)
	}

	newQty := cur + delta
	if !s.derivative && newQty < 0 {
		// spot can never go short; clamp any oversell to flat
		s.logger.Warn().Str("symbol", sym).Float64("quantity", newQty).Msg("Spot oversell clamped to zero")
		newQty = 0
	}

	switch {
	case math.Abs(newQty) <= models.QuantityPrecision:
		delete(s.positions, sym)
	case cur*newQty < 0:
		// crossed zero: the excess opens the opposite side at the fill price
		pos.qty = newQty
		pos.avgPrice = price
		pos.mark = price
		pos.entryTs = t.TradeTs
		if lev := derefFloat(t.Leverage); lev > 0 {
			pos.leverage = lev
		}
	default:
		pos.qty = newQty
		pos.mark = price
	}
}

func execPrice(t *models.TradeHistoryEntry) float64 {
	if t.ExitPrice != nil && *t.ExitPrice > 0 {
		return *t.ExitPrice
	}
	if t.EntryPrice != nil && *t.EntryPrice > 0 {
		return *t.EntryPrice
	}
	return 0
}

func tradeType(qty float64) models.TradeType {
	if qty < 0 {
		return models.TradeTypeShort
	}
	return models.TradeTypeLong
}

func derefFloat(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func ptrFloat(v float64) *float64 { return &v }
func ptrInt64(v int64) *int64     { return &v }

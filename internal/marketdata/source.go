package marketdata

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"strategy-agent/internal/exchange"
	"strategy-agent/internal/models"
)

// Source fetches candles and market snapshots from the venue REST API.
// Every fetch is best-effort: a symbol that fails is logged and omitted so
// one bad endpoint never starves the decision cycle of the others.
type Source struct {
	client     *exchange.Client
	exchangeID string
	derivative bool
	logger     zerolog.Logger
}

// NewSource creates a market data source over an exchange client.
func NewSource(client *exchange.Client, exchangeID string, marketType models.MarketType, logger zerolog.Logger) *Source {
	return &Source{
		client:     client,
		exchangeID: exchangeID,
		derivative: marketType.IsDerivative(),
		logger:     logger,
	}
}

// NormalizeSymbol converts an instrument symbol to the venue wire form:
// "BTC-USDT" and "BTC/USDT" both become "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "/", "")
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return s
}

// venueInterval maps internal interval tags to the venue kline notation.
func venueInterval(interval string) string {
	switch interval {
	case models.Interval60m:
		return "1h"
	case models.Interval1mo:
		return "1M"
	default:
		return interval
	}
}

// GetRecentCandles fetches the last lookback candles for every symbol
// concurrently and returns them flattened in symbol order. A failed
// symbol contributes no candles.
func (s *Source) GetRecentCandles(ctx context.Context, symbols []string, interval string, lookback int) ([]models.Candle, error) {
	results := make([][]models.Candle, len(symbols))

	g, _ := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			klines, err := s.client.GetKlines(NormalizeSymbol(symbol), venueInterval(interval), lookback)
			if err != nil {
				s.logger.Warn().
					Err(err).
					Str("symbol", symbol).
					Str("interval", interval).
					Msg("Failed to fetch candles, returning none for symbol")
				return nil
			}

			candles := make([]models.Candle, 0, len(klines))
			for _, k := range klines {
				candles = append(candles, models.Candle{
					Ts:         k.OpenTime,
					Instrument: models.InstrumentRef{Symbol: symbol, ExchangeID: s.exchangeID},
					Open:       k.Open,
					High:       k.High,
					Low:        k.Low,
					Close:      k.Close,
					Volume:     k.Volume,
					Interval:   interval,
				})
			}
			results[i] = candles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var flat []models.Candle
	for _, candles := range results {
		flat = append(flat, candles...)
	}
	s.logger.Debug().
		Int("count", len(flat)).
		Str("interval", interval).
		Int("lookback", lookback).
		Msg("Fetched candles")
	return flat, nil
}

// GetMarketSnapshot fetches the latest ticker for every symbol, plus open
// interest and funding on derivatives. Sub-fetches are independent: a
// symbol with no ticker is omitted entirely, while missing open interest
// or funding just leaves that slice nil.
func (s *Source) GetMarketSnapshot(ctx context.Context, symbols []string) (models.MarketSnapshot, error) {
	type entry struct {
		symbol string
		snap   models.SymbolSnapshot
		ok     bool
	}
	entries := make([]entry, len(symbols))

	g, _ := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			venueSymbol := NormalizeSymbol(symbol)

			ticker, err := s.client.Get24hrTicker(venueSymbol)
			if err != nil {
				s.logger.Warn().
					Err(err).
					Str("symbol", symbol).
					Msg("Failed to fetch ticker for market snapshot")
				return nil
			}
			snap := models.SymbolSnapshot{
				Price: &models.PriceInfo{
					Last:  ticker.LastPrice,
					Open:  ticker.OpenPrice,
					High:  ticker.HighPrice,
					Low:   ticker.LowPrice,
					Close: ticker.LastPrice,
					Bid:   ticker.BidPrice,
					Ask:   ticker.AskPrice,
					// The venue reports percent units; features carry fractions.
					ChangePct: ticker.PriceChangePercent / 100,
					Volume:    ticker.QuoteVolume,
				},
			}

			if s.derivative {
				if oi, err := s.client.GetOpenInterest(venueSymbol); err != nil {
					s.logger.Debug().Err(err).Str("symbol", symbol).Msg("No open interest for snapshot")
				} else {
					snap.OpenInterest = &models.OpenInterestInfo{Amount: oi.OpenInterest}
				}

				if premium, err := s.client.GetPremiumIndex(venueSymbol); err != nil {
					s.logger.Debug().Err(err).Str("symbol", symbol).Msg("No premium index for snapshot")
				} else {
					snap.Funding = &models.FundingInfo{
						Rate:      premium.LastFundingRate,
						MarkPrice: premium.MarkPrice,
						NextTs:    premium.NextFundingTime,
					}
				}
			}

			entries[i] = entry{symbol: symbol, snap: snap, ok: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snapshot := make(models.MarketSnapshot, len(symbols))
	for _, e := range entries {
		if e.ok {
			snapshot[e.symbol] = e.snap
		}
	}
	return snapshot, nil
}

// GetMarketConstraints loads the exchange order filters for each symbol
// and folds them into one conservative constraint set: the largest step
// and minimums win so every symbol passes its own venue filters.
func (s *Source) GetMarketConstraints(symbols []string) *models.Constraints {
	c := &models.Constraints{}
	found := false
	for _, symbol := range symbols {
		meta, err := s.client.GetMarketMeta(NormalizeSymbol(symbol))
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to fetch market metadata")
			continue
		}
		found = true
		if meta.QuantityStep > c.QuantityStep {
			c.QuantityStep = meta.QuantityStep
		}
		if meta.MinQty > c.MinTradeQty {
			c.MinTradeQty = meta.MinQty
		}
		if meta.MaxQty > 0 && (c.MaxOrderQty == 0 || meta.MaxQty < c.MaxOrderQty) {
			c.MaxOrderQty = meta.MaxQty
		}
		if meta.MinNotional > c.MinNotional {
			c.MinNotional = meta.MinNotional
		}
		if meta.MaxLeverage > 0 && (c.MaxLeverage == 0 || meta.MaxLeverage < c.MaxLeverage) {
			c.MaxLeverage = meta.MaxLeverage
		}
	}
	if !found {
		return nil
	}
	return c
}

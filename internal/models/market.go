package models

// InstrumentRef identifies a tradable instrument in exchange-agnostic form,
// e.g. {symbol: "BTC-USDT", quote_ccy: "USDT"}.
type InstrumentRef struct {
	Symbol     string `json:"symbol"`
	ExchangeID string `json:"exchange_id,omitempty"`
	QuoteCcy   string `json:"quote_ccy,omitempty"`
}

// Candle intervals accepted by the market data source.
const (
	Interval1s  = "1s"
	Interval1m  = "1m"
	Interval5m  = "5m"
	Interval15m = "15m"
	Interval30m = "30m"
	Interval60m = "60m"
	Interval1d  = "1d"
	Interval1w  = "1w"
	Interval1mo = "1mo"
)

// Candle is one OHLCV bar for a fixed interval.
type Candle struct {
	Ts         int64         `json:"ts"`
	Instrument InstrumentRef `json:"instrument"`
	Open       float64       `json:"open"`
	High       float64       `json:"high"`
	Low        float64       `json:"low"`
	Close      float64       `json:"close"`
	Volume     float64       `json:"volume"`
	Interval   string        `json:"interval"`
}

// CandleConfig selects one candle stream for the feature pipeline.
type CandleConfig struct {
	Interval string `json:"interval"`
	Lookback int    `json:"lookback"`
}

// PriceInfo is the ticker slice of a market snapshot. Zero fields mean
// the venue did not report them.
type PriceInfo struct {
	Last      float64 `json:"last,omitempty"`
	Open      float64 `json:"open,omitempty"`
	High      float64 `json:"high,omitempty"`
	Low       float64 `json:"low,omitempty"`
	Close     float64 `json:"close,omitempty"`
	Bid       float64 `json:"bid,omitempty"`
	Ask       float64 `json:"ask,omitempty"`
	ChangePct float64 `json:"change_pct,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
}

// OpenInterestInfo carries the open-interest slice of a snapshot.
type OpenInterestInfo struct {
	Amount float64 `json:"amount,omitempty"`
}

// FundingInfo carries the funding slice of a snapshot.
type FundingInfo struct {
	Rate      float64 `json:"rate,omitempty"`
	MarkPrice float64 `json:"mark_price,omitempty"`
	NextTs    int64   `json:"next_ts,omitempty"`
}

// SymbolSnapshot bundles the best-effort per-symbol market state. Any
// sub-fetch may have failed, leaving its pointer nil.
type SymbolSnapshot struct {
	Price        *PriceInfo        `json:"price,omitempty"`
	OpenInterest *OpenInterestInfo `json:"open_interest,omitempty"`
	Funding      *FundingInfo      `json:"funding,omitempty"`
}

// MarketSnapshot maps symbol to its latest ticker/OI/funding bundle.
type MarketSnapshot map[string]SymbolSnapshot

// RefPrice returns the last traded price for symbol, falling back to the
// mark price, or 0 when neither is known.
func (m MarketSnapshot) RefPrice(symbol string) float64 {
	snap, ok := m[symbol]
	if !ok {
		return 0
	}
	if snap.Price != nil && snap.Price.Last > 0 {
		return snap.Price.Last
	}
	if snap.Funding != nil && snap.Funding.MarkPrice > 0 {
		return snap.Funding.MarkPrice
	}
	return 0
}

// Feature meta keys and reserved values consumed downstream.
const (
	FeatureMetaInterval   = "interval"
	FeatureMetaGroupBy    = "group_by"
	FeatureGroupSnapshot  = "market_snapshot"
	FeatureKeyChangePct   = "change_pct"
	FeatureKeyPriceLast   = "price.last"
	FeatureKeyPriceOpen   = "price.open"
	FeatureKeyPriceHigh   = "price.high"
	FeatureKeyPriceLow    = "price.low"
	FeatureKeyPriceClose  = "price.close"
	FeatureKeyPriceBid    = "price.bid"
	FeatureKeyPriceAsk    = "price.ask"
	FeatureKeyPriceChgPct = "price.change_pct"
	FeatureKeyPriceVolume = "price.volume"
	FeatureKeyOpenIntrst  = "open_interest"
	FeatureKeyFundingRate = "funding.rate"
	FeatureKeyMarkPrice   = "funding.mark_price"
)

// FeatureVector holds computed features for one instrument at a point in
// time. Meta must carry either {"interval": "1m"} for candle-derived
// vectors or {"group_by": "market_snapshot"} for snapshot-derived ones.
type FeatureVector struct {
	Ts         int64              `json:"ts"`
	Instrument InstrumentRef      `json:"instrument"`
	Values     map[string]float64 `json:"values"`
	Meta       map[string]string  `json:"meta,omitempty"`
}

// Interval returns the candle interval tag, or "" for snapshot vectors.
func (f FeatureVector) Interval() string {
	if f.Meta == nil {
		return ""
	}
	return f.Meta[FeatureMetaInterval]
}

// IsSnapshot reports whether the vector was derived from a market snapshot.
func (f FeatureVector) IsSnapshot() bool {
	return f.Meta != nil && f.Meta[FeatureMetaGroupBy] == FeatureGroupSnapshot
}

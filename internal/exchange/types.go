package exchange

// Base URLs per market family
const (
	SpotBaseURL       = "https://api.binance.com"
	SpotTestnetURL    = "https://testnet.binance.vision"
	FuturesBaseURL    = "https://fapi.binance.com"
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Order statuses returned by the venue
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"
)

// Margin types for derivatives
const (
	MarginTypeCrossed  = "CROSSED"
	MarginTypeIsolated = "ISOLATED"
)

// Kline represents a candlestick
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// Ticker24hr represents 24hr ticker price change statistics
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChange        float64 `json:"priceChange,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	OpenPrice          float64 `json:"openPrice,string"`
	HighPrice          float64 `json:"highPrice,string"`
	LowPrice           float64 `json:"lowPrice,string"`
	BidPrice           float64 `json:"bidPrice,string"`
	AskPrice           float64 `json:"askPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	CloseTime          int64   `json:"closeTime"`
}

// OpenInterest represents the current open interest for a symbol
type OpenInterest struct {
	Symbol       string  `json:"symbol"`
	OpenInterest float64 `json:"openInterest,string"`
	Time         int64   `json:"time"`
}

// PremiumIndex carries the mark price and funding state for a symbol
type PremiumIndex struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// Balance is one asset balance on the account
type Balance struct {
	Asset string
	Free  float64
	Total float64
}

// MarketMeta is the subset of exchange metadata the gateway prechecks
// orders against. Zero values mean the venue did not publish a limit.
type MarketMeta struct {
	Symbol       string
	QuantityStep float64 // LOT_SIZE stepSize
	MinQty       float64 // LOT_SIZE minQty
	MaxQty       float64 // LOT_SIZE maxQty
	MinNotional  float64 // MIN_NOTIONAL / NOTIONAL minNotional
	PriceTick    float64 // PRICE_FILTER tickSize
	ContractSize float64 // contract multiplier, 0 for linear markets
	MaxLeverage  float64
}

// OrderParams are the inputs for creating an order
type OrderParams struct {
	Symbol        string
	Side          string
	Type          string // MARKET or LIMIT
	Quantity      float64
	Price         float64 // limit orders only
	ReduceOnly    bool
	ClientOrderID string
	TimeInForce   string
}

// Order is the venue's view of a created or fetched order
type Order struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	CumQuote      float64 `json:"cumQuote,string"`
	Status        string  `json:"status"`
	Type          string  `json:"type"`
	Side          string  `json:"side"`
	ReduceOnly    bool    `json:"reduceOnly"`
	UpdateTime    int64   `json:"updateTime"`
}

package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"strategy-agent/internal/models"
)

// Config selects the venue endpoints and credentials for a client.
type Config struct {
	APIKey     string
	SecretKey  string
	Testnet    bool
	MarketType models.MarketType
	BaseURL    string // overrides the default endpoint when set
}

// Client is a thin REST client for the Binance family of venues. Spot and
// derivatives share the same request shape; the market type picks the
// endpoint prefix. Public endpoints work without credentials.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	derivative bool
	httpClient *http.Client
}

// NewClient creates an exchange client for the configured market type.
func NewClient(cfg Config) *Client {
	derivative := cfg.MarketType.IsDerivative()
	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch {
		case derivative && cfg.Testnet:
			baseURL = FuturesTestnetURL
		case derivative:
			baseURL = FuturesBaseURL
		case cfg.Testnet:
			baseURL = SpotTestnetURL
		default:
			baseURL = SpotBaseURL
		}
	}

	// Trim any whitespace from keys - critical for signature generation
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    baseURL,
		derivative: derivative,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) path(spot, futures string) string {
	if c.derivative {
		return futures
	}
	return spot
}

// ==================== MARKET DATA ====================

// GetKlines fetches candlestick data for a venue symbol.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}

	body, err := c.publicGet(c.path("/api/v3/klines", "/fapi/v1/klines"), params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  int64(raw[0].(float64)),
			Open:      parseFloat(raw[1]),
			High:      parseFloat(raw[2]),
			Low:       parseFloat(raw[3]),
			Close:     parseFloat(raw[4]),
			Volume:    parseFloat(raw[5]),
			CloseTime: int64(raw[6].(float64)),
		})
	}

	return klines, nil
}

// Get24hrTicker fetches 24hr ticker statistics for one symbol.
func (c *Client) Get24hrTicker(symbol string) (*Ticker24hr, error) {
	body, err := c.publicGet(c.path("/api/v3/ticker/24hr", "/fapi/v1/ticker/24hr"), map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching ticker: %w", err)
	}

	var ticker Ticker24hr
	if err := json.Unmarshal(body, &ticker); err != nil {
		return nil, fmt.Errorf("error parsing ticker: %w", err)
	}

	return &ticker, nil
}

// GetOpenInterest fetches the current open interest. Derivatives only.
func (c *Client) GetOpenInterest(symbol string) (*OpenInterest, error) {
	if !c.derivative {
		return nil, fmt.Errorf("open interest is not available on spot markets")
	}

	body, err := c.publicGet("/fapi/v1/openInterest", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching open interest: %w", err)
	}

	var oi OpenInterest
	if err := json.Unmarshal(body, &oi); err != nil {
		return nil, fmt.Errorf("error parsing open interest: %w", err)
	}

	return &oi, nil
}

// GetPremiumIndex fetches the mark price and funding rate. Derivatives only.
func (c *Client) GetPremiumIndex(symbol string) (*PremiumIndex, error) {
	if !c.derivative {
		return nil, fmt.Errorf("premium index is not available on spot markets")
	}

	body, err := c.publicGet("/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, fmt.Errorf("error fetching premium index: %w", err)
	}

	var premium PremiumIndex
	if err := json.Unmarshal(body, &premium); err != nil {
		return nil, fmt.Errorf("error parsing premium index: %w", err)
	}

	return &premium, nil
}

// GetMarketMeta loads the order filters for one symbol from exchange info.
func (c *Client) GetMarketMeta(symbol string) (*MarketMeta, error) {
	body, err := c.publicGet(c.path("/api/v3/exchangeInfo", "/fapi/v1/exchangeInfo"), map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info struct {
		Symbols []struct {
			Symbol       string  `json:"symbol"`
			ContractSize float64 `json:"contractSize"`
			Filters      []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MaxQty      string `json:"maxQty"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
				Notional    string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		meta := &MarketMeta{Symbol: symbol, ContractSize: s.ContractSize}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE", "MARKET_LOT_SIZE":
				if meta.QuantityStep == 0 {
					meta.QuantityStep = parseFloat(f.StepSize)
				}
				if meta.MinQty == 0 {
					meta.MinQty = parseFloat(f.MinQty)
				}
				if meta.MaxQty == 0 {
					meta.MaxQty = parseFloat(f.MaxQty)
				}
			case "PRICE_FILTER":
				meta.PriceTick = parseFloat(f.TickSize)
			case "MIN_NOTIONAL", "NOTIONAL":
				if v := parseFloat(f.MinNotional); v > 0 {
					meta.MinNotional = v
				} else if v := parseFloat(f.Notional); v > 0 {
					meta.MinNotional = v
				}
			}
		}
		return meta, nil
	}

	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// ==================== ACCOUNT ====================

// GetBalances fetches all nonzero asset balances.
func (c *Client) GetBalances() ([]Balance, error) {
	params := map[string]string{
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	if c.derivative {
		body, err := c.signedGet("/fapi/v2/balance", params)
		if err != nil {
			return nil, fmt.Errorf("error fetching balances: %w", err)
		}
		var raw []struct {
			Asset            string  `json:"asset"`
			Balance          float64 `json:"balance,string"`
			AvailableBalance float64 `json:"availableBalance,string"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("error parsing balances: %w", err)
		}
		balances := make([]Balance, 0, len(raw))
		for _, b := range raw {
			if b.Balance == 0 && b.AvailableBalance == 0 {
				continue
			}
			balances = append(balances, Balance{Asset: b.Asset, Free: b.AvailableBalance, Total: b.Balance})
		}
		return balances, nil
	}

	body, err := c.signedGet("/api/v3/account", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching account: %w", err)
	}
	var account struct {
		Balances []struct {
			Asset  string  `json:"asset"`
			Free   float64 `json:"free,string"`
			Locked float64 `json:"locked,string"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("error parsing account: %w", err)
	}
	balances := make([]Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		if b.Free == 0 && b.Locked == 0 {
			continue
		}
		balances = append(balances, Balance{Asset: b.Asset, Free: b.Free, Total: b.Free + b.Locked})
	}
	return balances, nil
}

// FreeBalance returns the free amount of a single asset, 0 when absent.
func (c *Client) FreeBalance(asset string) (float64, error) {
	balances, err := c.GetBalances()
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return 0, nil
}

// ==================== DERIVATIVES SETUP ====================

// SetLeverage sets the leverage for a symbol. Derivatives only.
func (c *Client) SetLeverage(symbol string, leverage int) error {
	if !c.derivative {
		return nil
	}
	params := map[string]string{
		"symbol":    symbol,
		"leverage":  strconv.Itoa(leverage),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if _, err := c.signedPost("/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("error setting leverage: %w", err)
	}
	return nil
}

// SetMarginType sets the margin type (CROSSED or ISOLATED). The venue
// errors when the type is already set; that error is ignored.
func (c *Client) SetMarginType(symbol string, marginType string) error {
	if !c.derivative {
		return nil
	}
	params := map[string]string{
		"symbol":     symbol,
		"marginType": marginType,
		"timestamp":  strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if _, err := c.signedPost("/fapi/v1/marginType", params); err != nil {
		if strings.Contains(err.Error(), "-4046") { // No need to change margin type
			return nil
		}
		return fmt.Errorf("error setting margin type: %w", err)
	}
	return nil
}

// SetPositionMode sets hedge (dual side) versus one-way position mode.
// The venue errors when the mode is already set; that error is ignored.
func (c *Client) SetPositionMode(dualSidePosition bool) error {
	if !c.derivative {
		return nil
	}
	params := map[string]string{
		"dualSidePosition": strconv.FormatBool(dualSidePosition),
		"timestamp":        strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if _, err := c.signedPost("/fapi/v1/positionSide/dual", params); err != nil {
		if strings.Contains(err.Error(), "-4059") { // No need to change position side
			return nil
		}
		return fmt.Errorf("error setting position mode: %w", err)
	}
	return nil
}

// ==================== TRADING ====================

// CreateOrder submits a new order.
func (c *Client) CreateOrder(params OrderParams) (*Order, error) {
	reqParams := map[string]string{
		"symbol":    params.Symbol,
		"side":      params.Side,
		"type":      params.Type,
		"quantity":  strconv.FormatFloat(params.Quantity, 'f', -1, 64),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.TimeInForce != "" {
		reqParams["timeInForce"] = params.TimeInForce
	} else if params.Type == OrderTypeLimit {
		reqParams["timeInForce"] = "GTC"
	}
	// reduceOnly exists only on derivatives; spot closes are plain sells
	if params.ReduceOnly && c.derivative {
		reqParams["reduceOnly"] = "true"
	}
	if params.ClientOrderID != "" {
		reqParams["newClientOrderId"] = params.ClientOrderID
	}

	body, err := c.signedPost(c.path("/api/v3/order", "/fapi/v1/order"), reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}

	return &order, nil
}

// GetOrder fetches an order by venue id or client order id.
func (c *Client) GetOrder(symbol string, orderID int64, clientOrderID string) (*Order, error) {
	params := map[string]string{
		"symbol":    symbol,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if orderID > 0 {
		params["orderId"] = strconv.FormatInt(orderID, 10)
	} else if clientOrderID != "" {
		params["origClientOrderId"] = clientOrderID
	}

	body, err := c.signedGet(c.path("/api/v3/order", "/fapi/v1/order"), params)
	if err != nil {
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("error parsing order: %w", err)
	}

	return &order, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":    symbol,
		"orderId":   strconv.FormatInt(orderID, 10),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if _, err := c.signedDelete(c.path("/api/v3/order", "/fapi/v1/order"), params); err != nil {
		return fmt.Errorf("error canceling order: %w", err)
	}
	return nil
}

// ==================== TRANSPORT ====================

func (c *Client) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)
	if len(values) > 0 {
		reqURL = fmt.Sprintf("%s?%s", reqURL, values.Encode())
	}

	resp, err := c.httpClient.Get(reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	return body, nil
}

func (c *Client) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodGet, endpoint, params)
}

func (c *Client) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodPost, endpoint, params)
}

func (c *Client) signedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodDelete, endpoint, params)
}

func (c *Client) signedRequest(method, endpoint string, params map[string]string) ([]byte, error) {
	req, err := http.NewRequest(method, fmt.Sprintf("%s%s", c.baseURL, endpoint), nil)
	if err != nil {
		return nil, err
	}

	req.URL.RawQuery = c.signParams(params)
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	return body, nil
}

func (c *Client) buildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	query := ""
	for _, k := range keys {
		if query != "" {
			query += "&"
		}
		query += k + "=" + url.QueryEscape(params[k])
	}
	return query
}

// sign creates a signature for the given query string
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signParams builds query string with signature appended
func (c *Client) signParams(params map[string]string) string {
	query := c.buildQueryString(params)
	return query + "&signature=" + c.sign(query)
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

// rest.go implements the venue REST client used in real mode and as the
// sandbox fill oracle:
//
//   - GetOrderBook:      GET    /orderbook         depth snapshot (public)
//   - GetPrice:          GET    /ticker            last price (public)
//   - PlaceMarketOrder:  POST   /orders            immediate-fill order
//   - PlaceLimitOrder:   POST   /orders            priced order
//   - GetOrderStatus:    GET    /orders/{id}       order lookup
//   - CancelOrder:       DELETE /orders/{id}       cancellation
//   - GetBalances:       GET    /account/balances  spot balances
//   - GetSpotFees:       GET    /account/fees      maker/taker schedule
//   - Withdraw:          POST   /withdrawals       transfer out
//   - GetDepositAddress: GET    /deposit-address   transfer-in target
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and private endpoints carry HMAC auth headers.

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// RESTClient talks to one exchange's spot REST API.
type RESTClient struct {
	http   *resty.Client // HTTP client with retry + base URL
	signer *Signer       // HMAC auth for private endpoints
	rl     *RateLimiter  // per-endpoint-category rate limiting
	name   string
	venue  map[string]string // canonical symbol → venue symbol
	logger *slog.Logger
}

// NewRESTClient creates a venue REST client with rate limiting and retry.
func NewRESTClient(cfg config.ExchangeConfig, pairs []types.TradingPair, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	venue := make(map[string]string, len(pairs))
	for _, p := range pairs {
		venue[p.Canonical()] = p.SymbolOn(cfg.Name)
	}

	return &RESTClient{
		http:   httpClient,
		signer: NewSigner(cfg.APIKey, cfg.APISecret),
		rl:     NewRateLimiter(),
		name:   cfg.Name,
		venue:  venue,
		logger: logger.With("component", "rest", "exchange", cfg.Name),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

type orderRequest struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"` // MARKET | LIMIT
	Quantity string `json:"quantity"`
	Price    string `json:"price,omitempty"`
}

type orderResult struct {
	OrderID      string          `json:"orderId"`
	Status       string          `json:"status"`
	OrigQty      decimal.Decimal `json:"origQty"`
	ExecutedQty  decimal.Decimal `json:"executedQty"`
	Price        decimal.Decimal `json:"price"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	Fee          decimal.Decimal `json:"fee"`
	FeeCurrency  string          `json:"feeCurrency"`
	TransactTime int64           `json:"transactTime"` // ms epoch
	Message      string          `json:"message"`
}

func (r orderResult) toOrderResponse() *types.OrderResponse {
	return &types.OrderResponse{
		OrderID:      r.OrderID,
		Status:       mapOrderStatus(r.Status),
		OriginalQty:  r.OrigQty,
		ExecutedQty:  r.ExecutedQty,
		Price:        r.Price,
		AvgPrice:     r.AvgPrice,
		Fee:          r.Fee,
		FeeCurrency:  r.FeeCurrency,
		ErrorMessage: r.Message,
		CreatedAt:    time.UnixMilli(r.TransactTime).UTC(),
	}
}

// mapOrderStatus folds venue status spellings into the shared vocabulary.
func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "NEW", "PENDING", "OPEN":
		return types.OrderPending
	case "PARTIALLY_FILLED":
		return types.OrderPartiallyFilled
	case "FILLED":
		return types.OrderFilled
	case "CANCELED", "CANCELLED":
		return types.OrderCancelled
	case "REJECTED":
		return types.OrderRejected
	default:
		return types.OrderFailed
	}
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type bookResponse struct {
	Symbol string     `json:"symbol"`
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
}

type balancesResponse struct {
	Balances []types.Balance `json:"balances"`
}

type feesResponse struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

type withdrawalResponse struct {
	ID string `json:"id"`
}

type depositAddressResponse struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

func (c *RESTClient) venueSymbol(symbol string) string {
	if v, ok := c.venue[symbol]; ok {
		return v
	}
	return symbol
}

// GetOrderBook fetches a depth snapshot for a canonical symbol.
func (c *RESTClient) GetOrderBook(ctx context.Context, symbol string) (*types.OrderBookSnapshot, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", c.venueSymbol(symbol)).
		SetResult(&result).
		Get("/orderbook")
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	return &types.OrderBookSnapshot{
		Exchange:   c.name,
		Symbol:     symbol,
		Bids:       types.ParseLevels(result.Bids),
		Asks:       types.ParseLevels(result.Asks),
		LastUpdate: time.Now().UTC(),
	}, nil
}

// GetPrice fetches the last trade price for a canonical symbol.
func (c *RESTClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var result tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", c.venueSymbol(symbol)).
		SetResult(&result).
		Get("/ticker")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get price %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get price %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return result.Price, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trading endpoints
// ————————————————————————————————————————————————————————————————————————

// PlaceMarketOrder submits a market order and returns the venue's fill report.
func (c *RESTClient) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal) (*types.OrderResponse, error) {
	return c.placeOrder(ctx, orderRequest{
		Symbol:   c.venueSymbol(symbol),
		Side:     string(side),
		Type:     "MARKET",
		Quantity: qty.String(),
	})
}

// PlaceLimitOrder submits a limit order at the given price.
func (c *RESTClient) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal) (*types.OrderResponse, error) {
	return c.placeOrder(ctx, orderRequest{
		Symbol:   c.venueSymbol(symbol),
		Side:     string(side),
		Type:     "LIMIT",
		Quantity: qty.String(),
		Price:    price.String(),
	})
}

func (c *RESTClient) placeOrder(ctx context.Context, req orderRequest) (*types.OrderResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers := c.signer.Headers("POST", "/orders", string(body))

	var result orderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", req.Type, req.Side, req.Symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("place %s %s %s: status %d: %s",
			req.Type, req.Side, req.Symbol, resp.StatusCode(), resp.String())
	}

	return result.toOrderResponse(), nil
}

// GetOrderStatus looks up an order by ID.
func (c *RESTClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/orders/" + orderID
	headers := c.signer.Headers("GET", path, "")

	var result orderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", c.venueSymbol(symbol)).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	return result.toOrderResponse(), nil
}

// CancelOrder cancels an open order by ID.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) (*types.OrderResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/orders/" + orderID
	headers := c.signer.Headers("DELETE", path, "")

	var result orderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("symbol", c.venueSymbol(symbol)).
		SetResult(&result).
		Delete(path)
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}

	c.logger.Info("order cancelled", "order_id", orderID, "symbol", symbol)
	return result.toOrderResponse(), nil
}

// ————————————————————————————————————————————————————————————————————————
// Account endpoints
// ————————————————————————————————————————————————————————————————————————

// GetBalances fetches all spot balances.
func (c *RESTClient) GetBalances(ctx context.Context) ([]types.Balance, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	headers := c.signer.Headers("GET", "/account/balances", "")

	var result balancesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/account/balances")
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balances: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Balances, nil
}

// GetSpotFees fetches the account's maker/taker fee schedule in percent.
func (c *RESTClient) GetSpotFees(ctx context.Context) (*types.FeeSchedule, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	headers := c.signer.Headers("GET", "/account/fees", "")

	var result feesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/account/fees")
	if err != nil {
		return nil, fmt.Errorf("get fees: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get fees: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &types.FeeSchedule{Maker: result.Maker, Taker: result.Taker}, nil
}

// Withdraw requests an on-chain transfer out and returns the withdrawal ID.
func (c *RESTClient) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (string, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return "", err
	}

	payload := struct {
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
		Address string `json:"address"`
	}{Asset: asset, Amount: amount.String(), Address: address}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal withdrawal: %w", err)
	}
	headers := c.signer.Headers("POST", "/withdrawals", string(body))

	var result withdrawalResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/withdrawals")
	if err != nil {
		return "", fmt.Errorf("withdraw %s: %w", asset, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("withdraw %s: status %d: %s", asset, resp.StatusCode(), resp.String())
	}

	c.logger.Info("withdrawal submitted", "asset", asset, "amount", amount, "id", result.ID)
	return result.ID, nil
}

// GetDepositAddress fetches the deposit address for an asset.
func (c *RESTClient) GetDepositAddress(ctx context.Context, asset string) (string, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return "", err
	}

	headers := c.signer.Headers("GET", "/deposit-address", "")

	var result depositAddressResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset", asset).
		SetResult(&result).
		Get("/deposit-address")
	if err != nil {
		return "", fmt.Errorf("get deposit address %s: %w", asset, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("get deposit address %s: status %d: %s", asset, resp.StatusCode(), resp.String())
	}
	return result.Address, nil
}

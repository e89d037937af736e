// Package papertrade provides a Go SDK for the papertrade-server API.
package papertrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"papertrade/internal/httpapi"
)

// Re-exported wire types so SDK users do not import internal packages.
type (
	SubmitOrderRequest  = httpapi.SubmitOrderRequest
	TrailingStopRequest = httpapi.TrailingStopRequest
	ModifyOrderRequest  = httpapi.ModifyOrderRequest
	Order               = httpapi.OrderJSON
	SubmitOrderResult   = httpapi.SubmitOrderResponse
	CancelOrderResult   = httpapi.CancelOrderResponse
	LiquidateResult     = httpapi.LiquidateResponse
	Position            = httpapi.PositionJSON
	Account             = httpapi.AccountResponse
)

// APIError is a non-2xx API response. Kind carries the server's failure
// classification (validation, not_found, market_closed, broker_reject,
// timeout).
type APIError struct {
	StatusCode int
	Kind       string
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("papertrade api: %s (%d): %s", e.Kind, e.StatusCode, e.Detail)
}

// Client is an HTTP client for the papertrade-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new papertrade API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitOrder submits a market, limit, bracket, or OTO/OCO order.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*SubmitOrderResult, error) {
	var out SubmitOrderResult
	if err := c.do(ctx, http.MethodPost, "/api/orders", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PlaceTrailingStop submits a trailing-stop order.
func (c *Client) PlaceTrailingStop(ctx context.Context, req TrailingStopRequest) (*SubmitOrderResult, error) {
	var out SubmitOrderResult
	if err := c.do(ctx, http.MethodPost, "/api/orders/trailing", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModifyOrder changes the price or quantity of an open order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, req ModifyOrderRequest) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodPatch, "/api/orders/"+url.PathEscape(orderID), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels an open order and reports the state it ended in.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*CancelOrderResult, error) {
	var out CancelOrderResult
	if err := c.do(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder retrieves a single order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var out Order
	if err := c.do(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrders lists orders in a view ("open", "closed", or "all"), optionally
// narrowed to one symbol.
func (c *Client) GetOrders(ctx context.Context, view, symbol string) ([]Order, error) {
	q := url.Values{}
	if view != "" {
		q.Set("view", view)
	}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	path := "/api/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out httpapi.OrdersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// GetPositions retrieves all open positions with P&L.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	var out httpapi.PortfolioResponse
	if err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// GetPosition retrieves the open position for one symbol.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	var out httpapi.PortfolioResponse
	if err := c.do(ctx, http.MethodGet, "/api/positions/"+url.PathEscape(symbol), nil, &out); err != nil {
		return nil, err
	}
	if len(out.Positions) == 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Kind: "not_found", Detail: "no open position"}
	}
	return &out.Positions[0], nil
}

// LiquidatePosition cancels the symbol's open orders and closes the
// position. The result reports per-order cancel outcomes.
func (c *Client) LiquidatePosition(ctx context.Context, symbol string) (*LiquidateResult, error) {
	var out LiquidateResult
	if err := c.do(ctx, http.MethodDelete, "/api/positions/"+url.PathEscape(symbol), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAccount retrieves the account snapshot.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodGet, "/api/account", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp httpapi.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Kind: "internal", Detail: resp.Status}
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Kind:       errResp.Error.Kind,
			Detail:     errResp.Error.Detail,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx answer from a node.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsAPIError reports whether err came back from the node rather than the
// network.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

type Client struct {
	BaseURL    string
	AdminToken string
	HTTP       *http.Client
}

func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: adminToken,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

func (c *Client) Balance(ctx context.Context, account string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(account)+"/balance", nil, &out)
	return out, err
}

func (c *Client) Entries(ctx context.Context, account string, limit int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/accounts/%s/entries?limit=%d", url.PathEscape(account), limit), nil, &out)
	return out, err
}

func (c *Client) Top(ctx context.Context, page int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/accounts/top?page=%d", page), nil, &out)
	return out, err
}

func (c *Client) Transfer(ctx context.Context, from, to, amount string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/transfers", map[string]any{
		"from":   from,
		"to":     to,
		"amount": amount,
	}, &out)
	return out, err
}

// Adjust runs an operator balance change. op is one of deposit, withdraw, set.
func (c *Client) Adjust(ctx context.Context, op, account, amount string) (map[string]any, error) {
	switch op {
	case "deposit", "withdraw", "set":
	default:
		return nil, fmt.Errorf("unknown balance operation %q", op)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(account)+"/"+op, map[string]any{
		"amount": amount,
	}, &out)
	return out, err
}

func (c *Client) Items(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/items", nil, &out)
	return out, err
}

func (c *Client) Item(ctx context.Context, itemID string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(itemID), nil, &out)
	return out, err
}

func (c *Client) Popular(ctx context.Context, limit int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/items/popular?limit=%d", limit), nil, &out)
	return out, err
}

func (c *Client) PriceHistory(ctx context.Context, itemID string, limit int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/items/%s/history?limit=%d", url.PathEscape(itemID), limit), nil, &out)
	return out, err
}

func (c *Client) SetPrice(ctx context.Context, itemID, buy, sell string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPut, "/v1/items/"+url.PathEscape(itemID)+"/price", map[string]any{
		"buy":  buy,
		"sell": sell,
	}, &out)
	return out, err
}

func (c *Client) Trade(ctx context.Context, account, itemID, side string, units int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/trades", map[string]any{
		"account": account,
		"item_id": itemID,
		"side":    side,
		"units":   units,
	}, &out)
	return out, err
}

// Admin triggers a node action: decay, reload, sync or global-reload.
func (c *Client) Admin(ctx context.Context, action string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/"+url.PathEscape(action), nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminToken)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorMessage(raw []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}

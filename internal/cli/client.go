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
	"strconv"
	"strings"
	"time"

	"flagplant/internal/auth"
)

// APIError is a structured error envelope returned by the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step"`
	Field   string `json:"field"`
}

func (e *APIError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("api %d %s (step %s): %s", e.Status, e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// IsAPIError reports whether err came back from the server rather than the network.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// HasCode reports whether err is an API error with the given code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Envelope is the versioned response body.
type Envelope struct {
	Version int             `json:"version"`
	Kind    string          `json:"kind"`
	Rows    json.RawMessage `json:"rows"`
	Error   *APIError       `json:"error"`
}

// Decode unmarshals the rows into out.
func (e Envelope) Decode(out any) error {
	if len(e.Rows) == 0 {
		return nil
	}
	return json.Unmarshal(e.Rows, out)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	env, err := c.Do(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, "")
	if err != nil {
		return out, err
	}
	return out, env.Decode(&out)
}

func (c *Client) Signup(ctx context.Context, email, password, username string) (auth.Session, error) {
	var out auth.Session
	env, err := c.Do(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
		"username": username,
	}, "")
	if err != nil {
		return out, err
	}
	return out, env.Decode(&out)
}

func (c *Client) Get(ctx context.Context, token, path string, query url.Values) (Envelope, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.Do(ctx, http.MethodGet, path, token, nil, "")
}

func (c *Client) PlaceOrder(ctx context.Context, token, side, playerID, flags, tradeDate, idem string) (Envelope, error) {
	body := map[string]any{
		"player_id":    playerID,
		"flags_amount": flags,
	}
	if tradeDate != "" {
		body["trade_date"] = tradeDate
	}
	return c.Do(ctx, http.MethodPost, OrderPath(side), token, body, idem)
}

func OrderPath(side string) string {
	return "/v1/orders/" + url.PathEscape(side)
}

func (c *Client) CancelOrder(ctx context.Context, token, orderID string) (Envelope, error) {
	return c.Do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(orderID), token, nil, "")
}

func (c *Client) RunClose(ctx context.Context, token, tradeDate string, force bool) (Envelope, error) {
	q := url.Values{}
	if tradeDate != "" {
		q.Set("trade_date", tradeDate)
	}
	if force {
		q.Set("force", strconv.FormatBool(force))
	}
	return c.post(ctx, token, "/v1/admin/close", q, nil)
}

func (c *Client) Clear(ctx context.Context, token, side, tradeDate string) (Envelope, error) {
	return c.post(ctx, token, "/v1/admin/clear/"+url.PathEscape(side), dateQuery("trade_date", tradeDate), nil)
}

func (c *Client) ApplyRepricing(ctx context.Context, token, tradeDate string) (Envelope, error) {
	return c.post(ctx, token, "/v1/admin/repricing/apply", dateQuery("trade_date", tradeDate), nil)
}

func (c *Client) PublishWinners(ctx context.Context, token, date string) (Envelope, error) {
	return c.post(ctx, token, "/v1/admin/winners/publish", dateQuery("date", date), nil)
}

func (c *Client) OverridePrice(ctx context.Context, token, playerID, price, reason string) (Envelope, error) {
	return c.post(ctx, token, "/v1/admin/players/"+url.PathEscape(playerID)+"/price", nil, map[string]any{
		"new_price": price,
		"reason":    reason,
	})
}

func (c *Client) post(ctx context.Context, token, path string, q url.Values, body map[string]any) (Envelope, error) {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.Do(ctx, http.MethodPost, path, token, body, "")
}

func dateQuery(name, date string) url.Values {
	q := url.Values{}
	if date != "" {
		q.Set(name, date)
	}
	return q
}

// Do sends one request and decodes the envelope. Non-2xx responses come
// back as *APIError.
func (c *Client) Do(ctx context.Context, method, path, accessToken string, in map[string]any, idem string) (Envelope, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return Envelope{}, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return Envelope{}, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Envelope{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return Envelope{}, &APIError{Status: resp.StatusCode, Code: "http", Message: strings.TrimSpace(string(raw))}
		}
		return Envelope{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if env.Error == nil {
			env.Error = &APIError{Code: "http", Message: http.StatusText(resp.StatusCode)}
		}
		env.Error.Status = resp.StatusCode
		return env, env.Error
	}
	return env, nil
}

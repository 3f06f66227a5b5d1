package ledger

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

	"github.com/gameocoder/attendance/internal/attendance"
)

// Client is the Ledger as seen from an edge device: every call becomes
// an HTTP request to the central API, which runs the real semantics.
// Transport failures come back as errors so the sync engine retries;
// a Rejected outcome is a successful request with a negative answer.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// NewClient creates a ledger client for the central API base URL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("ledger API URL is required")
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ledger API URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: parsed,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) resolve(endpoint string) string {
	return c.baseURL.String() + "/api/" + strings.TrimLeft(endpoint, "/")
}

// doJSON performs a request with an optional JSON body and unmarshals
// the JSON response into result.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, requestBody, result any) error {
	var bodyReader io.Reader
	if requestBody != nil {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("could not marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(endpoint), bodyReader)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger API %s %s failed with status %d: %s",
			method, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("could not unmarshal response: %w", err)
	}
	return nil
}

// Apply implements Ledger.
func (c *Client) Apply(ctx context.Context, d *attendance.AttendanceDecision) (Result, error) {
	var res Result
	if err := c.doJSON(ctx, http.MethodPost, "attendance/apply", d, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}

// batchRequest mirrors the server's bulk sync payload.
type batchRequest struct {
	Deliveries []Delivery `json:"deliveries"`
}

type batchResponse struct {
	Results []Result `json:"results"`
}

// ApplyBatch implements Ledger.
func (c *Client) ApplyBatch(ctx context.Context, batch []Delivery) ([]Result, error) {
	var resp batchResponse
	if err := c.doJSON(ctx, http.MethodPost, "attendance/sync", batchRequest{Deliveries: batch}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(batch) {
		return nil, fmt.Errorf("ledger API returned %d results for %d deliveries", len(resp.Results), len(batch))
	}
	return resp.Results, nil
}

type rowsResponse struct {
	Rows []Row `json:"rows"`
}

// Rows implements Ledger.
func (c *Client) Rows(ctx context.Context, sessionID string) ([]Row, error) {
	var resp rowsResponse
	if err := c.doJSON(ctx, http.MethodGet, "attendance/"+url.PathEscape(sessionID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// OpenSession implements Ledger.
func (c *Client) OpenSession(ctx context.Context, w attendance.SessionWindow) error {
	return c.doJSON(ctx, http.MethodPost, "sessions", w, nil)
}

type closeRequest struct {
	ClosedAt time.Time `json:"closed_at"`
}

// CloseSession implements Ledger.
func (c *Client) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	return c.doJSON(ctx, http.MethodPost,
		"sessions/"+url.PathEscape(sessionID)+"/close", closeRequest{ClosedAt: closedAt}, nil)
}

// Session implements Ledger. A 404 maps to (nil, nil) like the store
// implementations.
func (c *Client) Session(ctx context.Context, sessionID string) (*attendance.SessionWindow, error) {
	var w attendance.SessionWindow
	err := c.doJSON(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID), nil, &w)
	if err != nil {
		if strings.Contains(err.Error(), "status 404") {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

type sessionsResponse struct {
	Sessions []attendance.SessionWindow `json:"sessions"`
}

// ActiveSessions implements Ledger.
func (c *Client) ActiveSessions(ctx context.Context) ([]attendance.SessionWindow, error) {
	var resp sessionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "sessions/active", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

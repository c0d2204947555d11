package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agentrails/agentpay"
)

// HTTPClient talks to a facilitator service over HTTP.
type HTTPClient struct {
	// BaseURL is the facilitator endpoint, without trailing slash.
	BaseURL string

	// Client is the underlying HTTP client. http.DefaultClient when nil.
	Client *http.Client

	// Timeouts bound verify and settle calls.
	Timeouts agentpay.TimeoutConfig

	// Authorization is a static Authorization header value.
	Authorization string

	// AuthorizationProvider supplies a per-request Authorization header
	// value. Takes precedence over Authorization when set.
	AuthorizationProvider AuthorizationProvider
}

// NewHTTPClient creates a facilitator client with default timeouts.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		BaseURL:  baseURL,
		Client:   &http.Client{},
		Timeouts: agentpay.DefaultTimeouts,
	}
}

// errorBody is the facilitator's error response shape.
type errorBody struct {
	Error string `json:"error"`
}

// Settle implements Facilitator by POSTing the request to /settle.
func (c *HTTPClient) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	timeout := c.Timeouts.SettleTimeout
	if timeout <= 0 {
		timeout = agentpay.DefaultTimeouts.SettleTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/settle", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.setAuthorization(httpReq); err != nil {
		return nil, err
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrFacilitatorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
			return nil, fmt.Errorf("%w: status %d: %s", agentpay.ErrSettlementFailed, resp.StatusCode, eb.Error)
		}
		return nil, fmt.Errorf("%w: status %d", agentpay.ErrSettlementFailed, resp.StatusCode)
	}

	var settleResp SettleResponse
	if err := json.NewDecoder(resp.Body).Decode(&settleResp); err != nil {
		return nil, fmt.Errorf("%w: invalid response body: %v", agentpay.ErrSettlementFailed, err)
	}
	if settleResp.TransactionHash == "" {
		return nil, fmt.Errorf("%w: facilitator returned no transaction hash", agentpay.ErrSettlementFailed)
	}
	return &settleResp, nil
}

func (c *HTTPClient) setAuthorization(req *http.Request) error {
	if c.AuthorizationProvider != nil {
		value, err := c.AuthorizationProvider()
		if err != nil {
			return fmt.Errorf("authorization provider: %w", err)
		}
		req.Header.Set("Authorization", value)
		return nil
	}
	if c.Authorization != "" {
		req.Header.Set("Authorization", c.Authorization)
	}
	return nil
}

package freightcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPAPIClient is the production APIClient.
type HTTPAPIClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration // per HTTP round trip
	PollInterval time.Duration // between polls of asynchronous operations
	PollTimeout  time.Duration // overall wait for an asynchronous operation
	HTTPClient   *http.Client  // optional, replaces the default client
}

// NewHTTPAPIClient creates a new HTTP API client.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPAPIClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   hc,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
	}
}

type rateRequestAccepted struct {
	RequestID string `json:"request_id"`
}

// GetRates posts the rate request, then polls GET /rate/{request_id} until
// the result is complete. A rate result with status "error" is returned as a
// content rejection (APIError with Status 0).
func (c *HTTPAPIClient) GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error) {
	var accepted rateRequestAccepted
	if err := c.do(ctx, http.MethodPost, "/rate", req, &accepted, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}

	var result RatesResponse
	err := c.poll(ctx, "/rate/"+accepted.RequestID, &result, func() (bool, error) {
		switch result.Status {
		case "complete":
			return true, nil
		case "pending":
			return false, nil
		case "error":
			msg := strings.Join(result.Errors, "; ")
			return false, &APIError{Code: "RATE_ERROR", Message: msg}
		}
		return false, &APIError{Status: http.StatusBadGateway, Code: "UNKNOWN_STATUS", Message: "unknown rate status " + result.Status}
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateShipment books a shipment and polls until it leaves the pending state.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	var result ShipmentResponse
	if err := c.do(ctx, http.MethodPost, "/shipment", req, &result, http.StatusOK, http.StatusCreated, http.StatusAccepted); err != nil {
		return nil, err
	}
	if result.Status != "pending" && result.Status != "processing" {
		return &result, nil
	}

	id := result.ID
	err := c.poll(ctx, "/shipment/"+id, &result, func() (bool, error) {
		switch result.Status {
		case "pending", "processing":
			return false, nil
		case "error", "failed":
			return false, &APIError{Code: "SHIPMENT_ERROR", Message: "shipment " + id + " failed"}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelShipment voids a shipment. An empty 2xx body counts as success.
func (c *HTTPAPIClient) CancelShipment(ctx context.Context, shipmentID string) (*CancelResponse, error) {
	var result CancelResponse
	if err := c.do(ctx, http.MethodDelete, "/shipment/"+shipmentID, nil, &result, http.StatusOK, http.StatusNoContent); err != nil {
		return nil, err
	}
	if result.ShipmentID == "" {
		result.ShipmentID = shipmentID
	}
	if result.Status == "" {
		result.Status = "cancelled"
	}
	return &result, nil
}

// GetTracking returns the tracking events of a shipment.
func (c *HTTPAPIClient) GetTracking(ctx context.Context, shipmentID string) (*TrackingResponse, error) {
	var result TrackingResponse
	if err := c.do(ctx, http.MethodGet, "/shipment/"+shipmentID+"/tracking-events", nil, &result, http.StatusOK); err != nil {
		return nil, err
	}
	result.ShipmentID = shipmentID
	return &result, nil
}

// poll re-fetches path into out every pollInterval until done reports true,
// done fails, or the poll timeout elapses.
func (c *HTTPAPIClient) poll(ctx context.Context, path string, out any, done func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := c.do(ctx, http.MethodGet, path, nil, out, http.StatusOK); err != nil {
			return err
		}
		ok, err := done()
		if err != nil || ok {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// do sends body as JSON and decodes the response into out when the status is
// one of accept. Other statuses become an *APIError.
func (c *HTTPAPIClient) do(ctx context.Context, method, path string, body, out any, accept ...int) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("User-Agent", "shipgate/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	accepted := false
	for _, s := range accept {
		if resp.StatusCode == s {
			accepted = true
			break
		}
	}
	if !accepted {
		return parseError(resp)
	}

	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func parseError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(raw, apiErr); err == nil && (apiErr.Code != "" || apiErr.Message != "") {
		apiErr.Status = resp.StatusCode
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return apiErr
	}

	var simple struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &simple); err == nil && simple.Error != "" {
		msg = simple.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: msg}
}

var _ APIClient = (*HTTPAPIClient)(nil)

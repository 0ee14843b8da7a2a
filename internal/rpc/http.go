package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPClient is the JSON-RPC-over-HTTP Client used against Bitcoin Core and
// Ethereum nodes. It fails over across configured endpoints in round-robin
// order, skipping endpoints whose circuit is open.
type HTTPClient struct {
	endpoints     []string
	currentIndex  int
	healthTracker HealthTracker
	httpClient    *http.Client
	requestID     atomic.Int64
	mu            sync.RWMutex

	basicAuthUser string
	basicAuthPass string
}

// NewHTTPClient builds an HTTPClient. If tracker is nil, a default
// circuit-breaker tracker is created.
func NewHTTPClient(endpoints []string, timeout time.Duration, tracker HealthTracker) (*HTTPClient, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpc: at least one endpoint is required")
	}
	if tracker == nil {
		tracker = NewHealthTracker()
	}
	return &HTTPClient{
		endpoints:     endpoints,
		healthTracker: tracker,
		httpClient:    &http.Client{Timeout: timeout},
	}, nil
}

// WithBasicAuth sets the credentials sent with every request, for nodes
// (Bitcoin Core in particular) that gate their JSON-RPC port behind HTTP
// basic auth.
func (c *HTTPClient) WithBasicAuth(user, pass string) *HTTPClient {
	c.basicAuthUser = user
	c.basicAuthPass = pass
	return c
}

func (c *HTTPClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := Request{Method: method, Params: params}

	var lastErr error
	attempted := make(map[string]bool)

	for len(attempted) < len(c.endpoints) {
		endpoint := c.nextHealthyEndpoint(attempted)
		if endpoint == "" {
			break
		}
		attempted[endpoint] = true

		result, err := c.callEndpoint(ctx, endpoint, req)
		if err == nil {
			return result, nil
		}
		if err == ErrEmptyResponse {
			// Not a transport fault: the node answered, it just has nothing
			// yet. Don't try other endpoints — they're on the same chain.
			return nil, ErrEmptyResponse
		}
		lastErr = err
	}

	return nil, fmt.Errorf("rpc: all endpoints failed: %w", lastErr)
}

func (c *HTTPClient) CallBatch(ctx context.Context, requests []Request) ([]json.RawMessage, error) {
	if len(requests) == 0 {
		return []json.RawMessage{}, nil
	}

	var lastErr error
	attempted := make(map[string]bool)

	for len(attempted) < len(c.endpoints) {
		endpoint := c.nextHealthyEndpoint(attempted)
		if endpoint == "" {
			break
		}
		attempted[endpoint] = true

		results, err := c.callBatchEndpoint(ctx, endpoint, requests)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("rpc: all endpoints failed for batch: %w", lastErr)
}

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) callEndpoint(ctx context.Context, endpoint string, req Request) (json.RawMessage, error) {
	start := time.Now()

	reqID := c.requestID.Add(1)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  req.Method,
		"params":  req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.basicAuthUser != "" {
		httpReq.SetBasicAuth(c.basicAuthUser, c.basicAuthPass)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("rpc: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("rpc: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.healthTracker.RecordFailure(endpoint, fmt.Errorf("http %d", resp.StatusCode))
		return nil, fmt.Errorf("rpc: http %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("rpc: decode response: %w", err)
	}

	if rpcResp.Error != nil {
		c.healthTracker.RecordFailure(endpoint, rpcResp.Error)
		return nil, fmt.Errorf("rpc: node error: %w", rpcResp.Error)
	}

	c.healthTracker.RecordSuccess(endpoint, time.Since(start).Milliseconds())

	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil, ErrEmptyResponse
	}
	return rpcResp.Result, nil
}

func (c *HTTPClient) callBatchEndpoint(ctx context.Context, endpoint string, requests []Request) ([]json.RawMessage, error) {
	start := time.Now()

	batch := make([]map[string]interface{}, len(requests))
	for i, req := range requests {
		reqID := c.requestID.Add(1)
		batch[i] = map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      reqID,
			"method":  req.Method,
			"params":  req.Params,
		}
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal batch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: build batch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.basicAuthUser != "" {
		httpReq.SetBasicAuth(c.basicAuthUser, c.basicAuthPass)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("rpc: http batch request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("rpc: read batch response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.healthTracker.RecordFailure(endpoint, fmt.Errorf("http %d", resp.StatusCode))
		return nil, fmt.Errorf("rpc: http %d", resp.StatusCode)
	}

	var batchResp []Response
	if err := json.Unmarshal(respBody, &batchResp); err != nil {
		c.healthTracker.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("rpc: decode batch response: %w", err)
	}

	results := make([]json.RawMessage, len(batchResp))
	for i, r := range batchResp {
		if r.Error != nil || len(r.Result) == 0 {
			results[i] = nil
			continue
		}
		results[i] = r.Result
	}

	c.healthTracker.RecordSuccess(endpoint, time.Since(start).Milliseconds())
	return results, nil
}

func (c *HTTPClient) nextHealthyEndpoint(attempted map[string]bool) string {
	c.mu.Lock() // writes currentIndex
	defer c.mu.Unlock()

	for i := 0; i < len(c.endpoints); i++ {
		idx := (c.currentIndex + i) % len(c.endpoints)
		endpoint := c.endpoints[idx]
		if attempted[endpoint] {
			continue
		}
		if c.healthTracker.IsHealthy(endpoint) {
			c.currentIndex = (idx + 1) % len(c.endpoints)
			return endpoint
		}
	}

	for _, endpoint := range c.endpoints {
		if !attempted[endpoint] {
			return endpoint
		}
	}
	return ""
}

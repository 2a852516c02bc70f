// Package upstream implements the JSON-RPC 1.0 client used to talk to the
// coin daemon: getblocktemplate, submitblock, getblock, getblockchaininfo,
// validateaddress.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/config"
	"github.com/kawpowd/stratum/internal/errs"
)

// Client is a JSON-RPC 1.0 HTTP client with Basic-Auth, matching the coin
// daemon's RPC server.
type Client struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
	logger     *zap.Logger

	cfg config.UpstreamConfig

	mu          sync.RWMutex
	lastErr     error
	lastErrAt   time.Time
	lastSuccess time.Time
}

// New builds an upstream RPC client from configuration.
func New(cfg config.UpstreamConfig, logger *zap.Logger) *Client {
	return &Client{
		url:      fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		user:     cfg.User,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.Named("rpc"),
		cfg:    cfg,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// nanFixup is the byte-level pre-parse tolerance for the non-standard
// `nan`/`-nan` tokens some coin daemons emit in getblocktemplate responses,
// which are not valid JSON numbers.
var nanFixup = regexp.MustCompile(`:\s*-?nan\b`)

// Call issues a single JSON-RPC request and unmarshals the result into out.
// Transport failures are retried per the configured backoff; auth failures
// and RPC-level {error.code} responses are never retried.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	var lastErr error
	delay := c.cfg.RetryDelay

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		err := c.callOnce(ctx, method, params, out)
		if err == nil {
			c.recordSuccess()
			return nil
		}

		lastErr = err
		c.recordError(err)

		var uerr *errs.UpstreamError
		if ue, ok := err.(*errs.UpstreamError); ok {
			uerr = ue
		}
		if uerr != nil && !uerr.Retryable() {
			return err
		}

		if attempt == c.cfg.RetryAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if max := 30 * time.Second; delay > max {
			delay = max
		}
	}

	return lastErr
}

func (c *Client) callOnce(ctx context.Context, method string, params []interface{}, out interface{}) error {
	reqBody := rpcRequest{
		JSONRPC: "1.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return &errs.UpstreamError{Kind: errs.UpstreamTransport, Method: method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return &errs.UpstreamError{Kind: errs.UpstreamTransport, Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &errs.UpstreamError{Kind: errs.UpstreamTransport, Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.UpstreamError{Kind: errs.UpstreamTransport, Method: method, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &errs.UpstreamError{
			Kind:   errs.UpstreamAuth,
			Method: method,
			Err:    fmt.Errorf("http %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return &errs.UpstreamError{
			Kind:   errs.UpstreamTransport,
			Method: method,
			Err:    fmt.Errorf("http %d", resp.StatusCode),
		}
	}

	body = nanFixup.ReplaceAll(body, []byte(":0"))

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return &errs.UpstreamError{Kind: errs.UpstreamTransport, Method: method, Err: err}
	}

	if rpcResp.Error != nil {
		return &errs.UpstreamError{
			Kind:   errs.UpstreamLogical,
			Method: method,
			Err:    fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message),
		}
	}

	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return &errs.UpstreamError{Kind: errs.UpstreamTransport, Method: method, Err: err}
		}
	}

	return nil
}

func (c *Client) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.lastErrAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.lastErr = nil
	c.lastSuccess = time.Now()
	c.mu.Unlock()
}

// Status reports the current health of the upstream RPC connection.
type Status struct {
	Connected   bool
	LastSuccess time.Time
	LastError   error
	LastErrorAt time.Time
}

// GetStatus returns a snapshot of the RPC connection's health, reflecting
// the outcome of the most recent Call. The job manager's rpc-disconnected
// gauge is driven by its own count of failed polls, not by this snapshot.
func (c *Client) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Connected:   c.lastErr == nil && !c.lastSuccess.IsZero(),
		LastSuccess: c.lastSuccess,
		LastError:   c.lastErr,
		LastErrorAt: c.lastErrAt,
	}
}

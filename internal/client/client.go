// Package client implements the daemon's resilient connector (spec §4.J):
// a fresh connection per request, retried on transient connect failures,
// with a monotonically increasing request id.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/zarvent/v2m-daemon/internal/resilience"
)

const readBufferSize = 4096

// connectRetryConfig implements spec §4.J's fixed retry policy: 10 total
// attempts at a fixed 500ms delay. resilience.NoJitter and a BaseDelay
// equal to MaxDelay turn resilience.Retry's exponential backoff into a
// constant one; MaxRetries is 9 since Retry already counts the first
// attempt separately.
func connectRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:   9,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		JitterFactor: resilience.NoJitter,
		IsRetryable:  isRetryableConnectError,
	}
}

// RpcError wraps a JSON-RPC error object surfaced by the daemon.
type RpcError struct {
	Code    int
	Message string
	Data    any
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client issues requests to the daemon over its Unix socket, opening a
// fresh connection for every call (spec §4.J "opens a fresh connection
// per request").
type Client struct {
	socketPath string

	mu     sync.Mutex
	nextID int64
}

// New constructs a Client bound to socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type wireResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	} `json:"error"`
}

// call sends method with the given params (marshaled if non-nil) and
// returns the raw result payload. Connection failures are retried per the
// fixed policy; the original error is reraised after the final attempt
// (spec §4.J "reraising the original error").
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.newRequestID()

	var paramsRaw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("client: encode params: %w", err)
		}
		paramsRaw = encoded
	}

	body, err := json.Marshal(wireRequest{JSONRPC: "2.0", Method: method, Params: paramsRaw, ID: id})
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}

	var raw []byte
	err = resilience.Retry(ctx, connectRetryConfig(), func() error {
		data, dialErr := c.roundTrip(ctx, body)
		if dialErr != nil {
			return dialErr
		}
		raw = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, &RpcError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
	}
	return resp.Result, nil
}

func (c *Client) newRequestID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// roundTrip performs one dial-write-read-close cycle over a fresh
// connection.
func (c *Client) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write(body); err != nil {
		return nil, err
	}

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// isRetryableConnectError reports whether a dial/roundtrip failure looks
// like connect-refused / file-not-found / connection-reset — the
// transient shapes a daemon restart produces.
func isRetryableConnectError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, os.ErrNotExist)
}

// Connect implements the SDK's health check: ping the daemon and confirm
// the expected "pong" reply, swallowing any failure into false (spec
// §4.J "connect() is ping returning pong, with errors swallowed").
func (c *Client) Connect(ctx context.Context) bool {
	reply, err := c.Ping(ctx)
	if err != nil {
		return false
	}
	return reply == "pong"
}

// Ping calls the ping method.
func (c *Client) Ping(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "ping", nil)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("client: decode ping result: %w", err)
	}
	return s, nil
}

// StartCapture calls start_capture.
func (c *Client) StartCapture(ctx context.Context) error {
	_, err := c.call(ctx, "start_capture", nil)
	return err
}

// StopCapture calls stop_capture and returns the transcribed text.
func (c *Client) StopCapture(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "stop_capture", nil)
	if err != nil {
		return "", err
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("client: decode stop_capture result: %w", err)
	}
	return result.Text, nil
}

// TranscribeResult is transcribe's composite result (spec §6).
type TranscribeResult struct {
	Text        string
	Original    string
	HasOriginal bool
}

// Transcribe calls transcribe with the given use_llm flag.
func (c *Client) Transcribe(ctx context.Context, useLLM bool) (TranscribeResult, error) {
	raw, err := c.call(ctx, "transcribe", map[string]bool{"use_llm": useLLM})
	if err != nil {
		return TranscribeResult{}, err
	}
	var result struct {
		Text     string  `json:"text"`
		Original *string `json:"original"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return TranscribeResult{}, fmt.Errorf("client: decode transcribe result: %w", err)
	}
	out := TranscribeResult{Text: result.Text}
	if result.Original != nil {
		out.Original = *result.Original
		out.HasOriginal = true
	}
	return out, nil
}

// Status is get_status's result (spec §6).
type Status struct {
	Running   bool
	Recording bool
}

// GetStatus calls get_status.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	raw, err := c.call(ctx, "get_status", nil)
	if err != nil {
		return Status{}, err
	}
	var result Status
	if err := json.Unmarshal(raw, &result); err != nil {
		return Status{}, fmt.Errorf("client: decode get_status result: %w", err)
	}
	return result, nil
}

// Shutdown calls shutdown.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.call(ctx, "shutdown", nil)
	return err
}

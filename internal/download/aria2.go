package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single RPC round trip.
const DefaultTimeout = 10 * time.Second

// requestID is sent with every call; responses are matched by connection.
const requestID = "koala"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// Aria2 is a JSON-RPC over HTTP client for the aria2 daemon.
type Aria2 struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option is a functional option for configuring the aria2 client.
type Option func(*Aria2)

// WithLogger sets the logger for the client.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aria2) {
		a.logger = logger
	}
}

// WithSecret sets the RPC secret sent as the first "token:" parameter.
func WithSecret(secret string) Option {
	return func(a *Aria2) {
		a.secret = secret
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Aria2) {
		a.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. Its Timeout is used as the per-call timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Aria2) {
		a.httpClient = c
	}
}

// NewAria2 creates a client for the JSON-RPC endpoint at url.
func NewAria2(url string, opts ...Option) *Aria2 {
	a := &Aria2{
		url:        url,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke performs one JSON-RPC call and returns the raw result. Every failure
// is an *RPCError.
func (a *Aria2) Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if a.secret != "" {
		params = append([]any{"token:" + a.secret}, params...)
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: requestID, Method: method, Params: params})
	if err != nil {
		return nil, &RPCError{Method: method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, &RPCError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &RPCError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &RPCError{Method: method, Err: fmt.Errorf("read response: %w", err)}
	}

	var out rpcResponse
	if err = json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode/100 != 2 {
			return nil, &RPCError{Method: method, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}
		return nil, &RPCError{Method: method, Err: fmt.Errorf("decode response: %w", err)}
	}

	// aria2 answers remote errors with a 4xx status and an error object.
	if out.Error != nil {
		return nil, &RPCError{Method: method, Code: out.Error.Code, Message: out.Error.Message}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &RPCError{Method: method, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	a.logger.Trace().Str("method", method).Int("bytes", len(data)).Msg("aria2 call")

	return out.Result, nil
}

// TellActive lists downloading jobs.
func (a *Aria2) TellActive(ctx context.Context) ([]Job, error) {
	const method = "aria2.tellActive"
	raw, err := a.Invoke(ctx, method, jobKeys)
	if err != nil {
		return nil, err
	}
	return decodeJobs(method, raw)
}

// TellWaiting lists queued and paused jobs.
func (a *Aria2) TellWaiting(ctx context.Context, offset, num int) ([]Job, error) {
	const method = "aria2.tellWaiting"
	raw, err := a.Invoke(ctx, method, offset, num, jobKeys)
	if err != nil {
		return nil, err
	}
	return decodeJobs(method, raw)
}

// TellStopped lists completed, failed and removed jobs still held by the daemon.
func (a *Aria2) TellStopped(ctx context.Context, offset, num int) ([]Job, error) {
	const method = "aria2.tellStopped"
	raw, err := a.Invoke(ctx, method, offset, num, jobKeys)
	if err != nil {
		return nil, err
	}
	return decodeJobs(method, raw)
}

// AddURI queues uri with dir as the download directory.
func (a *Aria2) AddURI(ctx context.Context, uri, dir string) (string, error) {
	const method = "aria2.addUri"
	raw, err := a.Invoke(ctx, method, []string{uri}, map[string]string{"dir": dir})
	if err != nil {
		return "", err
	}

	var gid string
	if err = json.Unmarshal(raw, &gid); err != nil {
		return "", &RPCError{Method: method, Err: fmt.Errorf("decode gid: %w", err)}
	}
	return gid, nil
}

// Remove stops a job. The daemon keeps its result until RemoveDownloadResult.
func (a *Aria2) Remove(ctx context.Context, gid string) error {
	_, err := a.Invoke(ctx, "aria2.remove", gid)
	return err
}

// RemoveDownloadResult drops a stopped job from the daemon's memory.
func (a *Aria2) RemoveDownloadResult(ctx context.Context, gid string) error {
	_, err := a.Invoke(ctx, "aria2.removeDownloadResult", gid)
	return err
}

package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/plugbridge/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

// Starting a bridge waits for the child's handshake, so it gets a longer
// budget than other calls.
const (
	defaultUnaryTimeout = 10 * time.Second
	startTimeout        = 30 * time.Second
)

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

var ErrBridgeIDRequired = errors.New("bridge id is required")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &resp, 0)
	return resp, err
}

func (c *Client) ListBridges(ctx context.Context, activeOnly bool) (api.BridgesEnvelope, error) {
	var query url.Values
	if activeOnly {
		query = url.Values{"active": []string{"true"}}
	}
	var env api.BridgesEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/bridges", query, nil, &env, 0)
	return env, err
}

func (c *Client) GetBridge(ctx context.Context, bridgeID string) (api.BridgeEnvelope, error) {
	path, err := bridgePath(bridgeID, "")
	if err != nil {
		return api.BridgeEnvelope{}, err
	}
	var env api.BridgeEnvelope
	err = c.do(ctx, http.MethodGet, path, nil, nil, &env, 0)
	return env, err
}

func (c *Client) StartBridge(ctx context.Context, req api.StartBridgeRequest) (api.BridgeEnvelope, error) {
	var env api.BridgeEnvelope
	err := c.do(ctx, http.MethodPost, "/v1/bridges", nil, req, &env, startTimeout)
	return env, err
}

func (c *Client) StopBridge(ctx context.Context, bridgeID string) (api.StopBridgeResponse, error) {
	path, err := bridgePath(bridgeID, "")
	if err != nil {
		return api.StopBridgeResponse{}, err
	}
	var resp api.StopBridgeResponse
	err = c.do(ctx, http.MethodDelete, path, nil, nil, &resp, startTimeout)
	return resp, err
}

func (c *Client) SetControl(ctx context.Context, bridgeID string, req api.ControlRequest) (api.AcceptedResponse, error) {
	return c.post(ctx, bridgeID, "control", req)
}

func (c *Client) SetProgram(ctx context.Context, bridgeID string, req api.ProgramRequest) (api.AcceptedResponse, error) {
	return c.post(ctx, bridgeID, "program", req)
}

func (c *Client) SendNote(ctx context.Context, bridgeID string, req api.NoteRequest) (api.AcceptedResponse, error) {
	return c.post(ctx, bridgeID, "notes", req)
}

// UI sends show, hide or focus to the bridge's child.
func (c *Client) UI(ctx context.Context, bridgeID, action string) (api.AcceptedResponse, error) {
	switch action {
	case "show", "hide", "focus":
	default:
		return api.AcceptedResponse{}, fmt.Errorf("unknown ui action %q", action)
	}
	return c.post(ctx, bridgeID, action, nil)
}

type NotificationsOptions struct {
	After int64
	Limit int
}

func (c *Client) ListNotifications(ctx context.Context, bridgeID string, opts NotificationsOptions) (api.NotificationsEnvelope, error) {
	path, err := bridgePath(bridgeID, "notifications")
	if err != nil {
		return api.NotificationsEnvelope{}, err
	}
	query := url.Values{}
	if opts.After > 0 {
		query.Set("after", strconv.FormatInt(opts.After, 10))
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	var env api.NotificationsEnvelope
	err = c.do(ctx, http.MethodGet, path, query, nil, &env, 0)
	return env, err
}

type FollowOptions struct {
	After           int64
	Limit           int
	PollInterval    time.Duration
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

// FollowNotifications pages through a bridge's notifications and keeps
// polling for new ones, resuming from the last cursor after transient
// errors. It returns when ctx ends, onItem fails or a non-retryable error
// occurs.
func (c *Client) FollowNotifications(ctx context.Context, bridgeID string, opts FollowOptions, onItem func(api.NotificationItem) error) error {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	cursor := opts.After
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := c.ListNotifications(ctx, bridgeID, NotificationsOptions{After: cursor, Limit: opts.Limit})
		if err != nil {
			if opts.Once {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
			if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = minBackoff
		if page.NextCursor > cursor {
			cursor = page.NextCursor
		}
		for _, item := range page.Items {
			if onItem == nil {
				continue
			}
			if err := onItem(item); err != nil {
				return err
			}
		}
		if opts.Once {
			return nil
		}
		// A full page means more may be waiting.
		if opts.Limit > 0 && len(page.Items) >= opts.Limit {
			continue
		}
		if err := sleepWithContext(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func bridgePath(bridgeID, action string) (string, error) {
	id := strings.TrimSpace(bridgeID)
	if id == "" {
		return "", ErrBridgeIDRequired
	}
	path := "/v1/bridges/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path, nil
}

func (c *Client) post(ctx context.Context, bridgeID, action string, req any) (api.AcceptedResponse, error) {
	path, err := bridgePath(bridgeID, action)
	if err != nil {
		return api.AcceptedResponse{}, err
	}
	var resp api.AcceptedResponse
	err = c.do(ctx, http.MethodPost, path, nil, req, &resp, 0)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, timeout time.Duration) error {
	payload, err := c.request(ctx, method, path, query, body, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, timeout time.Duration) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	if timeout <= 0 {
		timeout = c.unaryTimeout
	}
	reqCtx := ctx
	if timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > timeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package client talks to a driver's control surface.
package client

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

	"loaddriver/internal/runner"
	"loaddriver/internal/storage"
	"loaddriver/internal/traffic"
)

// ErrNotReady is returned by WaitReady when the port never accepted a
// connection.
var ErrNotReady = errors.New("driver not ready")

// ErrNoExperiment is returned by Status when the driver has never run one.
var ErrNoExperiment = errors.New("no experiment has been started")

// StatusError is a non-success response that maps to no sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Client is a control surface client. The zero HTTPClient uses a client with
// a 30 second timeout; abort waits for teardown so it must not be short.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client for addr, which may be "host:port" or a full URL.
func New(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 4
	return &Client{
		BaseURL:    strings.TrimRight(addr, "/"),
		HTTPClient: &http.Client{Transport: t, Timeout: 30 * time.Second},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Submit posts spec to POST /experiment.
func (c *Client) Submit(ctx context.Context, spec *traffic.TrafficSpec) (runner.Status, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return runner.Status{}, fmt.Errorf("encode spec: %w", err)
	}
	var st runner.Status
	err = c.do(ctx, http.MethodPost, "/experiment", body, http.StatusCreated, &st)
	return st, err
}

// Abort stops the running experiment and returns its final status.
func (c *Client) Abort(ctx context.Context) (runner.Status, error) {
	var st runner.Status
	err := c.do(ctx, http.MethodDelete, "/experiment", nil, http.StatusOK, &st)
	return st, err
}

// Status returns the current or last experiment.
func (c *Client) Status(ctx context.Context) (runner.Status, error) {
	var st runner.Status
	err := c.do(ctx, http.MethodGet, "/experiment", nil, http.StatusOK, &st)
	if errors.Is(err, runner.ErrNotRunning) {
		return st, ErrNoExperiment
	}
	return st, err
}

// History lists finished experiments, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]storage.HistoryItem, error) {
	path := "/experiments"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var items []storage.HistoryItem
	err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &items)
	return items, err
}

// HistoryItem fetches one finished experiment.
func (c *Client) HistoryItem(ctx context.Context, id string) (*storage.HistoryItem, error) {
	var item storage.HistoryItem
	err := c.do(ctx, http.MethodGet, "/experiments/"+url.PathEscape(id), nil, http.StatusOK, &item)
	if errors.Is(err, runner.ErrNotRunning) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Stop hits the legacy /stop hook.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/stop", nil, http.StatusOK, nil)
}

// WaitReady polls the control port with plain TCP connects every 250ms until
// one succeeds or timeout passes.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := d.DialContext(ctx, "tcp", host)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s", ErrNotReady, host, timeout)
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != want {
		return responseError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func responseError(code int, data []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}

	switch code {
	case http.StatusConflict:
		return wrap(runner.ErrAlreadyRunning, msg)
	case http.StatusNotFound:
		return wrap(runner.ErrNotRunning, msg)
	case http.StatusBadRequest:
		return wrap(traffic.ErrConfiguration, msg)
	}
	return &StatusError{Code: code, Message: msg}
}

// wrap attaches the server's message to sentinel without repeating the
// sentinel's own text.
func wrap(sentinel error, msg string) error {
	rest := strings.TrimPrefix(msg, sentinel.Error())
	switch {
	case rest == "":
		return sentinel
	case rest != msg:
		return fmt.Errorf("%w%s", sentinel, rest)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

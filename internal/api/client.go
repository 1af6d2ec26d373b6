// Package api provides the remote method call capability used by every
// component that talks to the platform.
//
// A call is a dotted method name plus a flat parameter mapping. Responses are
// returned as read-only gjson views over the "response" field; non-zero error
// codes come back as *Error.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/keepmind9/vkbot/pkg/constants"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Caller invokes remote methods
type Caller interface {
	Call(ctx context.Context, method string, params Params) (gjson.Result, error)
}

// CallerFunc adapts a function to Caller
type CallerFunc func(ctx context.Context, method string, params Params) (gjson.Result, error)

// Call implements Caller
func (f CallerFunc) Call(ctx context.Context, method string, params Params) (gjson.Result, error) {
	return f(ctx, method, params)
}

// ClientConfig configures a Client
type ClientConfig struct {
	Token      string
	Version    string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls remote methods over HTTP. The underlying http.Client is
// created on first use and shared by all concurrent callers.
type Client struct {
	mu         sync.Mutex
	cfg        ClientConfig
	httpClient *http.Client
	closed     bool
}

// NewClient creates a new Client, filling defaults for empty fields
func NewClient(cfg ClientConfig) *Client {
	if cfg.Version == "" {
		cfg.Version = constants.DefaultAPIVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultAPIBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = constants.DefaultAPITimeout
	}
	return &Client{cfg: cfg, httpClient: cfg.HTTPClient}
}

func (c *Client) session() (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.cfg.Timeout}
	}
	return c.httpClient, nil
}

// Call implements Caller
func (c *Client) Call(ctx context.Context, method string, params Params) (gjson.Result, error) {
	hc, err := c.session()
	if err != nil {
		return gjson.Result{}, err
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("access_token", c.cfg.Token)
	form.Set("v", c.cfg.Version)

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := hc.Do(req)
	if err != nil {
		if c.isClosed() {
			return gjson.Result{}, ErrClosed
		}
		return gjson.Result{}, fmt.Errorf("failed to call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s returned http status %d", method, resp.StatusCode)
	}

	return parseResponse(method, body)
}

func parseResponse(method string, body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%s returned invalid json", method)
	}
	root := gjson.Parse(string(body))

	if e := root.Get("error"); e.Exists() {
		apiErr := &Error{
			Method:  method,
			Code:    int(e.Get("error_code").Int()),
			Message: e.Get("error_msg").String(),
		}
		logger.WithFields(logrus.Fields{
			"method": method,
			"code":   apiErr.Code,
			"error":  apiErr.Message,
		}).Debug("api-call-failed")
		return gjson.Result{}, apiErr
	}

	response := root.Get("response")
	if !response.Exists() {
		return gjson.Result{}, fmt.Errorf("%s returned neither response nor error", method)
	}
	return response, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close releases idle connections; later calls fail with ErrClosed
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown servers or operations.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the control panel.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client talks to a running devpanel over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no overall timeout; event streams stay open
	stream *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const DefaultBaseURL = "http://127.0.0.1:7788/api"

// DefaultConfig returns default client configuration. Aggregate operations
// wait for every server, so the timeout is generous.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 5 * time.Minute,
	}
}

// New creates a new devpanel API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		stream:  &http.Client{Transport: transport},
	}
}

// IsReachable checks if the control panel is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/servers", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("devpanel unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Snapshot lists every server in registration order.
func (c *Client) Snapshot(ctx context.Context) ([]ServerStatus, error) {
	var out []ServerStatus
	err := c.do(ctx, http.MethodGet, "/servers", &out)
	return out, err
}

// Server returns the detail view of one server.
func (c *Client) Server(ctx context.Context, name string) (ServerDetail, error) {
	var out ServerDetail
	err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(name), &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, name string) (Result, error) {
	var out Result
	err := c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(name)+"/start", &out)
	return out, err
}

func (c *Client) Stop(ctx context.Context, name string) (Result, error) {
	var out Result
	err := c.do(ctx, http.MethodPost, "/servers/"+url.PathEscape(name)+"/stop", &out)
	return out, err
}

// StartAll starts every server in weight order and waits for the outcome.
func (c *Client) StartAll(ctx context.Context) (AggregateResult, error) {
	var out AggregateResult
	err := c.do(ctx, http.MethodPost, "/servers/start-all", &out)
	return out, err
}

// StopAll stops every server in reverse weight order and waits for the outcome.
func (c *Client) StopAll(ctx context.Context) (AggregateResult, error) {
	var out AggregateResult
	err := c.do(ctx, http.MethodPost, "/servers/stop-all", &out)
	return out, err
}

// StartAllAsync queues start-all and returns its operation id.
func (c *Client) StartAllAsync(ctx context.Context) (Accepted, error) {
	var out Accepted
	err := c.do(ctx, http.MethodPost, "/servers/start-all?async=true", &out)
	return out, err
}

// StopAllAsync queues stop-all and returns its operation id.
func (c *Client) StopAllAsync(ctx context.Context) (Accepted, error) {
	var out Accepted
	err := c.do(ctx, http.MethodPost, "/servers/stop-all?async=true", &out)
	return out, err
}

// Operation fetches the result of an async operation. done is false while
// it is still running.
func (c *Client) Operation(ctx context.Context, id string) (res AggregateResult, done bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/operations/"+url.PathEscape(id), nil)
	if err != nil {
		return res, false, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return res, false, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusAccepted:
		return res, false, nil
	case http.StatusOK:
		err = json.NewDecoder(resp.Body).Decode(&res)
		return res, err == nil, err
	}
	return res, false, c.apiError(resp)
}

// Tail returns the last n captured output lines of a server.
func (c *Client) Tail(ctx context.Context, name string, n int) ([]Line, error) {
	var out []Line
	err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(name)+"/output?lines="+strconv.Itoa(n), &out)
	return out, err
}

// Reload asks the control panel to re-read its configuration.
func (c *Client) Reload(ctx context.Context) ([]ServerStatus, error) {
	var out []ServerStatus
	err := c.do(ctx, http.MethodPost, "/reload", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) apiError(resp *http.Response) error {
	var er ErrorResponse
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, &er); err != nil {
		er.Error = strings.TrimSpace(string(b))
	}
	return &APIError{Status: resp.StatusCode, Message: er.Error}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

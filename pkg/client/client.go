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
	"path/filepath"
	"time"
)

// ErrNotTerminated is returned by Outcome while the group is still running.
var ErrNotTerminated = errors.New("group has not terminated")

// Client talks to the control API of a running service group
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	cfg     Config
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// CACert is a PEM file trusted for https BaseURLs, e.g. the tls_ca.crt
	// written next to an auto-generated server certificate.
	CACert     string
	ServerName string
	SkipVerify bool
	// Token is sent as a bearer token; otherwise Username/Password use basic auth.
	Token    string
	Username string
	Password string
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new control API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.SkipVerify || config.ServerName != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		cfg:     config,
	}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.SkipVerify {
		// #nosec G402 explicitly requested for self-signed development setups
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.ServerName != "" {
		tlsConfig.ServerName = config.ServerName
	}
	if config.CACert != "" {
		if err := loadCACert(tlsConfig, config.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(filepath.Clean(caCertPath))
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

// IsReachable checks if the control API is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Control API unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	ok := resp.StatusCode == http.StatusOK
	c.logger.Debug("Control API reachability check", "reachable", ok, "status", resp.StatusCode)
	return ok
}

// Status returns the current group snapshot.
func (c *Client) Status(ctx context.Context) (*GroupStatus, error) {
	var st GroupStatus
	if err := c.getJSON(ctx, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Service returns the state of one member.
func (c *Client) Service(ctx context.Context, name string) (*ServiceStatus, error) {
	var st ServiceStatus
	if err := c.getJSON(ctx, "/services/"+url.PathEscape(name), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Stop requests an explicit shutdown. It returns once the request is accepted,
// not when the group has terminated; poll Outcome for that.
func (c *Client) Stop(ctx context.Context) error {
	c.logger.Debug("Requesting group stop")
	resp, err := c.do(ctx, http.MethodPost, "/stop")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		return c.handleErrorResponse(resp)
	}
	return nil
}

// Outcome returns the terminal outcome, or ErrNotTerminated while the group is still running.
func (c *Client) Outcome(ctx context.Context) (*Outcome, error) {
	resp, err := c.do(ctx, http.MethodGet, "/outcome")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	switch resp.StatusCode {
	case http.StatusOK:
		var out Outcome
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
		return &out, nil
	case http.StatusConflict:
		return nil, ErrNotTerminated
	default:
		return nil, c.handleErrorResponse(resp)
	}
}

// WaitOutcome polls Outcome every interval until the group terminates or ctx is done.
func (c *Client) WaitOutcome(ctx context.Context, interval time.Duration) (*Outcome, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		out, err := c.Outcome(ctx)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrNotTerminated) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs an HTTP request with common error handling
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", u)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}

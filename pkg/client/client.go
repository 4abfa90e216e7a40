// Package client talks to a running botvisor daemon over its HTTP API.
package client

import (
	"bytes"
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

const defaultBaseURL = "http://127.0.0.1:8080/api"

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the daemon.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// Client provides HTTP client functionality to communicate with the botvisor daemon
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // bearer token minted by `botvisor token`
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a new botvisor API client.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("client TLS: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bots", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	// 401/403 still mean a daemon answered
	isReachable := resp.StatusCode != http.StatusNotFound
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// ListBots returns every registered worker sorted by id.
func (c *Client) ListBots(ctx context.Context) ([]Bot, error) {
	var out []Bot
	err := c.do(ctx, http.MethodGet, "/bots", nil, &out)
	return out, err
}

// GetBot returns one worker.
func (c *Client) GetBot(ctx context.Context, id string) (*Bot, error) {
	var out Bot
	if err := c.do(ctx, http.MethodGet, botPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateBot registers a worker. The daemon assigns an id when spec.ID is empty.
func (c *Client) CreateBot(ctx context.Context, spec BotSpec) (*Bot, error) {
	c.logger.Debug("Registering bot", "id", spec.ID, "name", spec.Name)
	var out Bot
	if err := c.do(ctx, http.MethodPost, "/bots", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateBot replaces a worker's launch spec.
func (c *Client) UpdateBot(ctx context.Context, id string, spec BotSpec) (*Bot, error) {
	var out Bot
	if err := c.do(ctx, http.MethodPut, botPath(id, ""), spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteBot stops and removes a worker.
func (c *Client) DeleteBot(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, botPath(id, ""), nil, nil)
}

// Start starts a worker and returns its status after the request completes.
func (c *Client) Start(ctx context.Context, id string) (*Bot, error) {
	return c.control(ctx, id, "start")
}

// Stop stops a worker.
func (c *Client) Stop(ctx context.Context, id string) (*Bot, error) {
	return c.control(ctx, id, "stop")
}

// Restart stops then starts a worker.
func (c *Client) Restart(ctx context.Context, id string) (*Bot, error) {
	return c.control(ctx, id, "restart")
}

func (c *Client) control(ctx context.Context, id, op string) (*Bot, error) {
	c.logger.Debug("Bot control", "id", id, "op", op)
	var out controlResponse
	if err := c.do(ctx, http.MethodPost, botPath(id, op), nil, &out); err != nil {
		return nil, err
	}
	return out.Bot, nil
}

// Logs returns up to limit records, newest first. Zero uses the daemon default.
func (c *Client) Logs(ctx context.Context, id string, limit int) ([]LogRecord, error) {
	var out []LogRecord
	err := c.do(ctx, http.MethodGet, withLimit(botPath(id, "logs"), limit), nil, &out)
	return out, err
}

// ClearLogs empties a worker's log buffer.
func (c *Client) ClearLogs(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, botPath(id, "logs"), nil, nil)
}

// Activities returns the audit trail, newest first.
func (c *Client) Activities(ctx context.Context, limit int) ([]Activity, error) {
	var out []Activity
	err := c.do(ctx, http.MethodGet, withLimit("/activities", limit), nil, &out)
	return out, err
}

// Stats returns the latest host sample.
func (c *Client) Stats(ctx context.Context) (*SystemStats, error) {
	var out SystemStats
	if err := c.do(ctx, http.MethodGet, "/system/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatsHistory returns retained host samples, oldest first.
func (c *Client) StatsHistory(ctx context.Context, limit int) ([]SystemStats, error) {
	var out []SystemStats
	err := c.do(ctx, http.MethodGet, withLimit("/system/stats/history", limit), nil, &out)
	return out, err
}

// Schedules lists the daemon's cron entries.
func (c *Client) Schedules(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := c.do(ctx, http.MethodGet, "/schedules", nil, &out)
	return out, err
}

func botPath(id, op string) string {
	p := "/bots/" + url.PathEscape(id)
	if op != "" {
		p += "/" + op
	}
	return p
}

func withLimit(p string, limit int) string {
	if limit <= 0 {
		return p
	}
	return p + "?limit=" + strconv.Itoa(limit)
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if t := config.TLS; t != nil {
		tlsConfig.InsecureSkipVerify = t.SkipVerify
		tlsConfig.ServerName = t.ServerName

		if t.CACert != "" {
			if err := loadCACert(tlsConfig, t.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if t.ClientCert != "" && t.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(t.ClientCert, t.ClientKey)
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

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do sends body as JSON when non-nil and decodes a 2xx response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}

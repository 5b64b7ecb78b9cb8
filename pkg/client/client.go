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
	"time"
)

// ErrNotFound is returned when the service or alert addressed does not exist.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the fleet API.
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

// Is lets errors.Is(err, ErrNotFound) match 404 answers.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client talks to the fleetmon operator API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // Bearer token, required when the server has a JWT secret
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
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
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks whether the monitor answers its health route.
func (c *Client) IsReachable(ctx context.Context) bool {
	var h struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		c.logger.Debug("monitor unreachable", "error", err)
		return false
	}
	return h.Status == "ok"
}

func (c *Client) ListServices(ctx context.Context) ([]Service, error) {
	var out []Service
	err := c.do(ctx, http.MethodGet, "/services", nil, &out)
	return out, err
}

func (c *Client) GetService(ctx context.Context, id string) (Service, error) {
	var out Service
	err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(id), nil, &out)
	return out, err
}

// RegisterService adds a service or replaces the definition of an existing one.
func (c *Client) RegisterService(ctx context.Context, req RegisterRequest) (Service, error) {
	c.logger.Debug("registering service", "id", req.ID, "endpoint", req.Endpoint)
	var out Service
	err := c.do(ctx, http.MethodPost, "/services", req, &out)
	return out, err
}

// DeregisterService stops monitoring id. It reports whether id was registered;
// removing an unknown id is not an error.
func (c *Client) DeregisterService(ctx context.Context, id string) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/services/"+url.PathEscape(id), nil, &out)
	return out.Removed, err
}

// ProbeService asks the monitor to probe id right away and returns the result.
func (c *Client) ProbeService(ctx context.Context, id string) (Service, error) {
	var out Service
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(id)+"/probe", nil, &out)
	return out, err
}

// RaiseAlert records an operator alert against a service.
func (c *Client) RaiseAlert(ctx context.Context, serviceID, severity, message string) (Alert, error) {
	var out Alert
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(serviceID)+"/alerts", raiseRequest{Severity: severity, Message: message}, &out)
	return out, err
}

func (c *Client) ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	v := url.Values{}
	if q.Severity != "" {
		v.Set("severity", q.Severity)
	}
	if q.Unacknowledged {
		v.Set("unacknowledged", "true")
	}
	if q.ServiceID != "" {
		v.Set("service", q.ServiceID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/alerts"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []Alert
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) GetAlert(ctx context.Context, id string) (Alert, error) {
	var out Alert
	err := c.do(ctx, http.MethodGet, "/alerts/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Acknowledge marks an alert acknowledged. Unknown ids yield an error matching ErrNotFound.
func (c *Client) Acknowledge(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/alerts/"+url.PathEscape(id)+"/ack", nil, nil)
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := c.do(ctx, http.MethodGet, "/snapshot", nil, &out)
	return out, err
}

// RecoveryCandidates lists services whose uptime is below the recovery threshold.
func (c *Client) RecoveryCandidates(ctx context.Context) ([]string, error) {
	var out recoveryResponse
	err := c.do(ctx, http.MethodGet, "/recovery", nil, &out)
	return out.Candidates, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	// Handle insecure mode (skip verification)
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

		// Load CA certificate if provided
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

// do sends body as JSON and decodes a 2xx answer into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Message = er.Error
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.Message)
	return apiErr
}

// Package metricsrc provides rate-limited clients for the metric backends the
// handlers read from: the Prometheus HTTP API and the InfluxDB 1.x query API.
package metricsrc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config holds configuration for a metrics backend client.
type Config struct {
	URL       string        // Base URL of the backend
	Database  string        // InfluxDB database name (Influx only)
	Username  string        // Optional basic auth user
	Password  string        // Optional basic auth password
	Timeout   time.Duration // HTTP timeout (default: 10s)
	RateLimit int           // Requests per minute (default: 600)
}

// maxErrorBody caps how much of an error response is echoed into errors.
const maxErrorBody = 512

type httpClient struct {
	cfg         Config
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

func newHTTPClient(cfg Config, component string, logger *slog.Logger) httpClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 600 // 10 per second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	return httpClient{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/60.0), 1),
		logger:      logger.With("component", component),
	}
}

// get issues a rate-limited GET and returns the body of a 200 response.
func (c *httpClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

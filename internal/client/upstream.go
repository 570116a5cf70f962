// Package client provides the upstream HTTP client for model deployments.
package client

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dial-proxy-go/internal/config"
	"dial-proxy-go/internal/metrics"
	"dial-proxy-go/internal/model"
)

// UpstreamClient sends chat requests to deployment endpoints.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			// Covers reading the body too, so streamed completions share the limit.
			Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Send executes a prepared upstream request. The caller must close the
// returned body. Canceling ur.Ctx, for example when the client disconnects,
// cancels the upstream call.
func (c *UpstreamClient) Send(ur *model.UpstreamRequest) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ur.Ctx, ur.Method, ur.URL, bytes.NewReader(ur.Body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = ur.Header
	req.ContentLength = int64(len(ur.Body))

	c.logger.Debug("upstream request",
		"deployment", ur.Deployment,
		"host", req.URL.Host,
		"bytes", len(ur.Body),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // closed by the caller via ProxyResponse
	c.observe(ur.Deployment, time.Since(start), resp)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// observe records latency for every attempt and the status for answered ones.
func (c *UpstreamClient) observe(deployment string, d time.Duration, resp *http.Response) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(deployment).Observe(d.Seconds())
	if resp != nil {
		c.metrics.UpstreamResponses.WithLabelValues(deployment, strconv.Itoa(resp.StatusCode)).Inc()
	}
}

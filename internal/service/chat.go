// Package service implements the gateway flow around the request pipeline:
// deployment lookup, body parsing, pipeline execution and upstream forwarding.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dial-proxy-go/internal/client"
	"dial-proxy-go/internal/config"
	"dial-proxy-go/internal/metrics"
	"dial-proxy-go/internal/model"
	"dial-proxy-go/internal/pipeline"
)

var (
	// ErrMissingAPIKey is returned when no API key is available from config or request header.
	ErrMissingAPIKey = errors.New("API key required: set upstream.api_key in config or send Api-Key header")

	// ErrUnknownDeployment is returned when the requested deployment is not configured.
	ErrUnknownDeployment = errors.New("unknown deployment")

	// ErrMalformedBody is returned when the request body is not a JSON object.
	ErrMalformedBody = errors.New("malformed request body")

	// ErrPipelineAborted wraps the error of the step that stopped the pipeline.
	ErrPipelineAborted = errors.New("request pipeline aborted")
)

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
}

// forwardableResponseHeaders are the only response headers forwarded to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"Retry-After":      true,
	"X-Request-Id":     true,
}

const userAgent = "dial-proxy-go/1.0"

// Exchange is the result of a forwarded request: the context the pipeline
// produced and the upstream response to relay.
type Exchange struct {
	Context  *model.ProxyContext
	Response *model.ProxyResponse
}

// ChatService runs the request pipeline and forwards chat requests upstream.
type ChatService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	chains  pipeline.Chains
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewChatService creates a ChatService. Every deployment must have a chain,
// and when upstream.allowed_hosts is set every endpoint host must be listed.
// The metrics parameter is optional.
func NewChatService(c *client.UpstreamClient, cfg *config.Config, chains pipeline.Chains, m *metrics.Metrics, logger *slog.Logger) (*ChatService, error) {
	allowed := make(map[string]bool, len(cfg.Upstream.AllowedHosts))
	for _, h := range cfg.Upstream.AllowedHosts {
		allowed[strings.ToLower(h)] = true
	}

	for _, name := range cfg.DeploymentNames() {
		u, err := url.Parse(cfg.Deployments[name].Endpoint)
		if err != nil {
			return nil, fmt.Errorf("deployment %s: parse endpoint: %w", name, err)
		}
		if len(allowed) > 0 && !allowed[strings.ToLower(u.Hostname())] {
			return nil, fmt.Errorf("deployment %s: upstream host %q is not in the allowlist", name, u.Hostname())
		}
		if _, ok := chains[name]; !ok {
			return nil, fmt.Errorf("deployment %s: no pipeline configured", name)
		}
	}

	return &ChatService{
		client:  c,
		cfg:     cfg,
		chains:  chains,
		metrics: m,
		tracer:  otel.Tracer("dial-proxy-go/internal/service"),
		logger:  logger.With("component", "chat_service"),
	}, nil
}

// Forward parses the request, runs the deployment's pipeline and, if it
// completes, sends the rewritten body upstream. The caller is responsible
// for closing the response body.
//
// When the pipeline aborts, the returned error wraps ErrPipelineAborted and
// the failing step's error; nothing is sent upstream.
func (s *ChatService) Forward(cr *model.ChatRequest) (*Exchange, error) {
	dep, ok := s.cfg.Deployments[cr.Deployment]
	chain := s.chains[cr.Deployment]
	if !ok || chain == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeployment, cr.Deployment)
	}

	apiKey := s.resolveAPIKey(dep, cr.Header)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	doc, err := model.ParseDocument(cr.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}

	pc := model.NewProxyContext(cr.RequestID, cr.Deployment)
	if ex := s.runPipeline(cr.Ctx, chain, doc, pc); ex.State == pipeline.Aborted {
		return nil, fmt.Errorf("%w: %w", ErrPipelineAborted, ex.Err)
	}

	body, err := doc.Encode()
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"deployment", cr.Deployment,
		"request_id", cr.RequestID,
		"streaming", pc.IsStreamingRequest(),
		"prompt_tokens", pc.PromptTokens(),
	)

	resp, err := s.client.Send(&model.UpstreamRequest{
		Ctx:        cr.Ctx,
		Deployment: cr.Deployment,
		Method:     http.MethodPost,
		URL:        dep.Endpoint,
		Header:     s.buildRequestHeaders(cr.Header, apiKey, cr.RequestID),
		Body:       body,
	})
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	resp.Header = s.filterResponseHeaders(resp.Header)

	s.recordForward(pc)
	return &Exchange{Context: pc, Response: resp}, nil
}

// runPipeline executes the chain inside a span and records its outcome.
func (s *ChatService) runPipeline(ctx context.Context, chain *pipeline.Chain, doc model.Document, pc *model.ProxyContext) pipeline.Execution {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := s.tracer.Start(ctx, "pipeline",
		trace.WithAttributes(
			attribute.String("dial.deployment", pc.Deployment),
			attribute.StringSlice("dial.pipeline.steps", chain.Names()),
		),
	)
	defer span.End()

	ex := chain.Execute(doc, pc)

	span.SetAttributes(attribute.String("dial.pipeline.outcome", ex.State.String()))
	if ex.State == pipeline.Aborted {
		span.SetAttributes(attribute.String("dial.pipeline.failed_step", ex.Step))
		span.RecordError(ex.Err)
		span.SetStatus(codes.Error, "pipeline aborted")

		s.logger.Info("request rejected by pipeline",
			"deployment", pc.Deployment,
			"request_id", pc.RequestID,
			"step", ex.Step,
			"err", ex.Err,
		)
	}

	if s.metrics != nil {
		s.metrics.PipelineRuns.WithLabelValues(pc.Deployment, ex.State.String()).Inc()
		if ex.State == pipeline.Aborted {
			s.metrics.PipelineStepFailures.WithLabelValues(ex.Step).Inc()
		}
	}
	return ex
}

func (s *ChatService) recordForward(pc *model.ProxyContext) {
	if s.metrics == nil {
		return
	}
	mode := "buffered"
	if pc.IsStreamingRequest() {
		mode = "streamed"
	}
	s.metrics.RelayMode.WithLabelValues(mode).Inc()
	if n := pc.PromptTokens(); n > 0 {
		s.metrics.PromptTokens.WithLabelValues(pc.Deployment).Observe(float64(n))
	}
}

// resolveAPIKey returns the deployment key, then the global key, falling back
// to the client's Api-Key header.
func (s *ChatService) resolveAPIKey(dep config.DeploymentConfig, header http.Header) string {
	if dep.APIKey != "" {
		return dep.APIKey
	}
	if s.cfg.Upstream.APIKey != "" {
		return s.cfg.Upstream.APIKey
	}
	return header.Get("Api-Key")
}

func (s *ChatService) buildRequestHeaders(src http.Header, apiKey, requestID string) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	// Forward any X-Dial-* headers
	for key, vals := range src {
		if strings.HasPrefix(strings.ToLower(key), "x-dial-") {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	dst.Set("Content-Type", "application/json")
	dst.Set("Api-Key", apiKey)
	dst.Set("User-Agent", userAgent)
	if requestID != "" {
		dst.Set("X-Request-Id", requestID)
	}
	return dst
}

func (s *ChatService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

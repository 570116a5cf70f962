package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"dial-proxy-go/internal/config"
	"dial-proxy-go/internal/model"
	"dial-proxy-go/internal/pipeline"
	"dial-proxy-go/internal/service"
)

// secretPattern matches API keys and bearer tokens embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)(api-key[=:]\s*|bearer\s+)[^&\s"]+`)

// errResponseTooLarge is returned when a buffered upstream body exceeds upstream.max_response_bytes.
var errResponseTooLarge = errors.New("upstream response exceeds max_response_bytes")

// ChatHandler serves chat completion requests for configured deployments.
type ChatHandler struct {
	service          *service.ChatService
	maxResponseBytes int64
	logger           *slog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(svc *service.ChatService, cfg *config.Config, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		service:          svc,
		maxResponseBytes: cfg.Upstream.MaxResponseBytes,
		logger:           logger.With("component", "chat_handler"),
	}
}

// Handle runs the deployment pipeline over the request and relays the upstream
// response, streamed or buffered depending on what the client asked for.
func (h *ChatHandler) Handle(c echo.Context) error {
	req := c.Request()

	cr := &model.ChatRequest{
		Ctx:        req.Context(),
		RequestID:  c.Response().Header().Get(echo.HeaderXRequestID),
		Deployment: c.Param("deployment"),
		Header:     req.Header,
		Body:       req.Body,
	}

	ex, err := h.service.Forward(cr)
	if err != nil {
		return h.mapError(c, cr, err)
	}
	defer func() { _ = ex.Response.Body.Close() }()

	if ex.Context.IsStreamingRequest() {
		h.relayStreamed(c, ex)
		return nil
	}
	return h.relayBuffered(c, ex)
}

// relayStreamed copies the upstream body chunk by chunk, flushing after each
// write so server-sent events reach the client as they arrive.
func (h *ChatHandler) relayStreamed(c echo.Context, ex *service.Exchange) {
	resp := c.Response()
	copyHeaders(resp.Header(), ex.Response.Header)
	resp.Header().Del(echo.HeaderContentLength)
	resp.WriteHeader(ex.Response.StatusCode)
	resp.Flush()

	buf := make([]byte, 32*1024)
	for {
		n, err := ex.Response.Body.Read(buf)
		if n > 0 {
			if _, werr := resp.Write(buf[:n]); werr != nil {
				h.logger.Warn("client write failed during stream",
					"err", werr,
					"request_id", ex.Context.RequestID,
				)
				return
			}
			resp.Flush()
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Status is already sent; the client sees a truncated stream.
			h.logger.Error("streaming response body",
				"err", sanitizeError(err),
				"deployment", ex.Context.Deployment,
				"request_id", ex.Context.RequestID,
			)
			return
		}
	}
}

// relayBuffered reads the whole upstream body and writes it with an exact
// Content-Length.
func (h *ChatHandler) relayBuffered(c echo.Context, ex *service.Exchange) error {
	body, err := readLimited(ex.Response.Body, h.maxResponseBytes)
	if err != nil {
		h.logger.Error("buffering response body",
			"err", sanitizeError(err),
			"deployment", ex.Context.Deployment,
			"request_id", ex.Context.RequestID,
		)
		if errors.Is(err, errResponseTooLarge) {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "upstream response too large",
			})
		}
		return h.mapError(c, nil, err)
	}

	resp := c.Response()
	copyHeaders(resp.Header(), ex.Response.Header)
	resp.Header().Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
	resp.WriteHeader(ex.Response.StatusCode)
	if _, err := resp.Write(body); err != nil {
		h.logger.Warn("client write failed", "err", err, "request_id", ex.Context.RequestID)
	}
	return nil
}

// readLimited reads r fully, failing once more than limit bytes arrive.
// A limit of 0 or less means no limit.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errResponseTooLarge
	}
	return body, nil
}

func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

func (h *ChatHandler) mapError(c echo.Context, cr *model.ChatRequest, err error) error {
	attrs := []any{"err", sanitizeError(err), "path", c.Request().URL.Path}
	if cr != nil {
		attrs = append(attrs, "deployment", cr.Deployment, "request_id", cr.RequestID)
	}

	var stepErr *pipeline.StepError
	switch {
	case errors.Is(err, service.ErrUnknownDeployment):
		h.logger.Info("unknown deployment", attrs...)
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("deployment %q is not configured", cr.Deployment),
		})

	case errors.Is(err, service.ErrMalformedBody):
		h.logger.Info("malformed request body", attrs...)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body must be a JSON object",
		})

	case errors.Is(err, service.ErrMissingAPIKey):
		h.logger.Info("missing api key", attrs...)
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": "API key required: set upstream.api_key in config or send Api-Key header",
		})

	case errors.As(err, &stepErr):
		return c.JSON(stepErr.Status, map[string]string{
			"error": stepErr.Message,
			"step":  stepErr.Step,
		})

	case errors.Is(err, service.ErrPipelineAborted):
		h.logger.Error("pipeline failed", attrs...)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "request processing failed",
		})
	}

	h.logger.Error("proxy error", attrs...)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts API keys and bearer tokens from error messages.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

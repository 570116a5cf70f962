package model

import "time"

// ProxyContext is the per-request record shared by pipeline steps and the
// forwarding logic. A new ProxyContext is created for every request and is
// never reused.
type ProxyContext struct {
	RequestID  string
	Deployment string
	StartedAt  time.Time

	streaming    bool
	promptTokens int
}

// NewProxyContext creates the context for a single request.
func NewProxyContext(requestID, deployment string) *ProxyContext {
	return &ProxyContext{
		RequestID:  requestID,
		Deployment: deployment,
		StartedAt:  time.Now(),
	}
}

// SetStreamingRequest records whether the client asked for a streamed response.
func (c *ProxyContext) SetStreamingRequest(streaming bool) {
	c.streaming = streaming
}

// IsStreamingRequest reports whether the response should be relayed incrementally.
// It is false until a step sets it.
func (c *ProxyContext) IsStreamingRequest() bool {
	return c.streaming
}

// SetPromptTokens records the estimated prompt size.
func (c *ProxyContext) SetPromptTokens(n int) {
	c.promptTokens = n
}

// PromptTokens returns the estimated prompt size, or 0 if it was never counted.
func (c *ProxyContext) PromptTokens() int {
	return c.promptTokens
}

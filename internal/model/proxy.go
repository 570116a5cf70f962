// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ChatRequest represents a client chat completion request addressed to a deployment.
type ChatRequest struct {
	Ctx        context.Context
	RequestID  string
	Deployment string
	Header     http.Header
	Body       io.Reader
}

// UpstreamRequest is a prepared request ready to be sent to a deployment endpoint.
type UpstreamRequest struct {
	Ctx        context.Context
	Deployment string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
}

// ProxyResponse represents the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

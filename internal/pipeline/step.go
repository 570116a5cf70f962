// Package pipeline runs ordered request transformation steps against a parsed
// chat request before it is forwarded upstream.
//
// A Step inspects or rewrites the request document and may record decisions on
// the request's model.ProxyContext. Steps are produced per request by a Factory
// bound to that request's context; the ordered list of factories (a Chain) is
// built once at startup and shared read-only by all requests.
//
// Steps run strictly in order. The first step to return an error aborts the
// run and that error is returned as is. Mutations made by earlier steps are
// kept.
package pipeline

import (
	"fmt"
	"net/http"

	"dial-proxy-go/internal/model"
)

// Step is one self-contained inspection or transformation of a request.
// A step must not perform network or disk I/O.
type Step interface {
	Apply(doc model.Document) error
}

// StepFunc adapts a function to the Step interface.
type StepFunc func(doc model.Document) error

// Apply calls f(doc).
func (f StepFunc) Apply(doc model.Document) error {
	return f(doc)
}

// Factory creates a Step bound to a single request's context.
type Factory func(pc *model.ProxyContext) Step

// StepError is the failure a step returns when the request cannot proceed.
// Status is the HTTP status the gateway should answer with.
type StepError struct {
	Step    string
	Status  int
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %s: %s", e.Step, e.Message)
}

// Reject builds a StepError. A zero status means 400 Bad Request.
func Reject(step string, status int, format string, args ...any) error {
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &StepError{
		Step:    step,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
	}
}

var noop = StepFunc(func(model.Document) error { return nil })

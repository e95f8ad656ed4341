package provider

import (
	"context"
	"encoding/json"
	"net/url"
	"time"
)

// DefaultTimeout bounds every provider call made by the engine.
const DefaultTimeout = 10 * time.Second

// Call describes a single downstream provider request.
type Call struct {
	Provider Provider
	Endpoint string

	// Query is sent as URL query string.
	Query url.Values

	// Body, when non-nil, is JSON encoded and sent with POST.
	Body any

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// Response is the outcome of a provider call. Failures are reported as data
// through Success and Err so that callers can record the outcome before
// deciding what to do next.
type Response struct {
	Success      bool
	StatusCode   int
	ResponseTime time.Duration
	Payload      json.RawMessage
	Err          error
}

// Adapter is the downstream contract to a provider client.
type Adapter interface {
	Do(ctx context.Context, call Call) Response
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, call Call) Response

// Do implements Adapter.
func (f AdapterFunc) Do(ctx context.Context, call Call) Response {
	return f(ctx, call)
}

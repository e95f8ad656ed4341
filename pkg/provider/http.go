package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for provider calls.
var (
	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquota_provider_requests_total",
		Help: "Total provider requests by provider, endpoint and status",
	}, []string{"provider", "endpoint", "status"})

	providerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoquota_provider_request_duration_seconds",
		Help:    "Provider request duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"provider"})

	providerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquota_provider_errors_total",
		Help: "Total provider errors by provider and class",
	}, []string{"provider", "class"})
)

// Endpoint is the connection data for a single provider.
type Endpoint struct {
	BaseURL string
	APIKey  string

	// KeyParam is the query parameter carrying the API key. When empty the key
	// is sent in the Authorization header.
	KeyParam string

	// Timeout applies to calls that carry no timeout of their own.
	Timeout time.Duration
}

// HTTPAdapter is the HTTP implementation of Adapter. It performs exactly one
// attempt per call; blocked or failed calls are never retried here.
type HTTPAdapter struct {
	httpClient *http.Client
	endpoints  map[Provider]Endpoint
	userAgent  string
	logger     zerolog.Logger
}

// NewHTTPAdapter creates an adapter for the given provider endpoints.
func NewHTTPAdapter(endpoints map[Provider]Endpoint, userAgent string, logger zerolog.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		httpClient: &http.Client{},
		endpoints:  endpoints,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (a *HTTPAdapter) SetHTTPClient(client *http.Client) {
	a.httpClient = client
}

// Configured reports whether an endpoint with an API key exists for p.
func (a *HTTPAdapter) Configured(p Provider) bool {
	ep, ok := a.endpoints[p]
	return ok && ep.BaseURL != "" && ep.APIKey != ""
}

// Do implements Adapter.
func (a *HTTPAdapter) Do(ctx context.Context, call Call) Response {
	start := time.Now()
	resp := a.do(ctx, call)
	resp.ResponseTime = time.Since(start)

	providerRequestDuration.WithLabelValues(string(call.Provider)).Observe(resp.ResponseTime.Seconds())

	status := fmt.Sprintf("%d", resp.StatusCode)
	if resp.StatusCode == 0 {
		status = "network_error"
	}
	providerRequestsTotal.WithLabelValues(string(call.Provider), call.Endpoint, status).Inc()

	if resp.Err != nil {
		class := ErrorClassNetwork
		if perr, ok := resp.Err.(*Error); ok {
			class = perr.Class
		}
		providerErrorsTotal.WithLabelValues(string(call.Provider), string(class)).Inc()
		a.logger.Warn().
			Err(resp.Err).
			Str("provider", string(call.Provider)).
			Str("endpoint", call.Endpoint).
			Str("error_class", string(class)).
			Dur("duration", resp.ResponseTime).
			Msg("Provider call failed")
	} else {
		a.logger.Debug().
			Str("provider", string(call.Provider)).
			Str("endpoint", call.Endpoint).
			Dur("duration", resp.ResponseTime).
			Msg("Provider call succeeded")
	}

	return resp
}

func (a *HTTPAdapter) do(ctx context.Context, call Call) Response {
	ep, ok := a.endpoints[call.Provider]
	if !ok || ep.BaseURL == "" {
		return Response{Err: &Error{
			Provider: call.Provider,
			Endpoint: call.Endpoint,
			Class:    ErrorClassClient,
			Message:  "no endpoint configured",
		}}
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = ep.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := a.newRequest(ctx, ep, call)
	if err != nil {
		return Response{Err: &Error{
			Provider: call.Provider,
			Endpoint: call.Endpoint,
			Class:    ErrorClassClient,
			Message:  "build request",
			Err:      err,
		}}
	}

	httpResp, err := a.httpClient.Do(req)
	if err != nil {
		return Response{Err: &Error{
			Provider: call.Provider,
			Endpoint: call.Endpoint,
			Class:    classifyTransportError(err),
			Message:  "request failed",
			Err:      err,
		}}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{StatusCode: httpResp.StatusCode, Err: &Error{
			Provider:   call.Provider,
			Endpoint:   call.Endpoint,
			StatusCode: httpResp.StatusCode,
			Class:      classifyTransportError(err),
			Message:    "read body",
			Err:        err,
		}}
	}

	if class := classifyStatus(httpResp.StatusCode); class != "" {
		return Response{StatusCode: httpResp.StatusCode, Err: &Error{
			Provider:   call.Provider,
			Endpoint:   call.Endpoint,
			StatusCode: httpResp.StatusCode,
			Class:      class,
			Message:    httpResp.Status,
		}}
	}

	if !json.Valid(body) {
		return Response{StatusCode: httpResp.StatusCode, Err: &Error{
			Provider:   call.Provider,
			Endpoint:   call.Endpoint,
			StatusCode: httpResp.StatusCode,
			Class:      ErrorClassMalformed,
			Message:    "response is not valid JSON",
		}}
	}

	return Response{
		Success:    true,
		StatusCode: httpResp.StatusCode,
		Payload:    body,
	}
}

func (a *HTTPAdapter) newRequest(ctx context.Context, ep Endpoint, call Call) (*http.Request, error) {
	target := strings.TrimRight(ep.BaseURL, "/") + "/" + strings.TrimLeft(call.Endpoint, "/")

	query := call.Query
	if ep.KeyParam != "" && ep.APIKey != "" {
		query = cloneValues(query)
		query.Set(ep.KeyParam, ep.APIKey)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	method := http.MethodGet
	var body io.Reader
	if call.Body != nil {
		data, err := json.Marshal(call.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		method = http.MethodPost
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ep.KeyParam == "" && ep.APIKey != "" {
		req.Header.Set("Authorization", ep.APIKey)
	}

	return req, nil
}

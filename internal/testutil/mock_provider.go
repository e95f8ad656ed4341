// Package testutil provides testing utilities for the geoquota engine.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock provider endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockProvider is a configurable mock provider server for testing.
type MockProvider struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	requestCount int
	lastQuery    url.Values
	lastHeader   http.Header
	lastMethod   string
}

// NewMockProvider creates a new mock provider server.
func NewMockProvider() *MockProvider {
	mock := &MockProvider{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastQuery = r.URL.Query()
		mock.lastHeader = r.Header.Clone()
		mock.lastMethod = r.Method
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "not found"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.lastQuery = nil
	m.lastHeader = nil
	m.lastMethod = ""
}

// SetHandler sets a custom handler for a specific path.
func (m *MockProvider) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockProvider) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// RequestCount returns the number of requests made to the server.
func (m *MockProvider) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// LastQuery returns the query string of the most recent request.
func (m *MockProvider) LastQuery() url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastQuery
}

// LastHeader returns the headers of the most recent request.
func (m *MockProvider) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// LastMethod returns the HTTP method of the most recent request.
func (m *MockProvider) LastMethod() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMethod
}

// NewJSONResponse creates a 200 OK JSON response.
func NewJSONResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "rate limit exceeded"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// Canned provider payloads shared by tests.
const (
	MapsGeocodeBody = `{"status":"OK","results":[{"formatted_address":"Alexanderplatz 1, 10178 Berlin, Germany",` +
		`"geometry":{"location":{"lat":52.5219,"lng":13.4132},"location_type":"ROOFTOP"}}]}`

	NominatimBody = `[{"lat":"52.5219","lon":"13.4132","display_name":"Alexanderplatz, Mitte, Berlin","importance":0.82}]`

	MapsDirectionsBody = `{"status":"OK","routes":[{"overview_polyline":{"points":"abc"},"legs":[` +
		`{"distance":{"value":1500},"duration":{"value":300},"duration_in_traffic":{"value":420},` +
		`"start_address":"A","end_address":"B","start_location":{"lat":52.52,"lng":13.40},"end_location":{"lat":52.53,"lng":13.41}},` +
		`{"distance":{"value":2500},"duration":{"value":600},` +
		`"start_address":"B","end_address":"C","start_location":{"lat":52.53,"lng":13.41},"end_location":{"lat":52.54,"lng":13.42}}]}]}`

	RouterDirectionsBody = `{"routes":[{"summary":{"distance":4200,"duration":960},"geometry":"xyz",` +
		`"segments":[{"distance":4200,"duration":960}]}]}`
)

package discord

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// recordedCall is a request observed by scriptedTransport.
type recordedCall struct {
	Method        string
	Path          string
	Authorization string
	UserAgent     string
	Body          []byte
}

// scriptedResponse is a canned reply for one route.
type scriptedResponse struct {
	Status int
	Body   string
	Err    error
}

// scriptedTransport is a programmable http.RoundTripper standing in for the
// Discord API. Routes are keyed by "METHOD /path/suffix" and matched against
// the end of the request path, so the API version prefix does not matter.
type scriptedTransport struct {
	routes map[string]scriptedResponse
	calls  []recordedCall
	mu     sync.Mutex
}

func newScriptedTransport(routes map[string]scriptedResponse) *scriptedTransport {
	return &scriptedTransport{routes: routes}
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body) //nolint:errcheck // test double
		req.Body.Close()               //nolint:errcheck,gosec // test double
	}

	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{
		Method:        req.Method,
		Path:          req.URL.Path,
		Authorization: req.Header.Get("Authorization"),
		UserAgent:     req.Header.Get("User-Agent"),
		Body:          body,
	})
	s.mu.Unlock()

	resp, ok := s.lookup(req.Method, req.URL.Path)
	if !ok {
		resp = scriptedResponse{Status: http.StatusNotFound, Body: `{"message":"Unknown route","code":0}`}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	return &http.Response{
		StatusCode: resp.Status,
		Status:     http.StatusText(resp.Status),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Request:    req,
	}, nil
}

func (s *scriptedTransport) lookup(method, path string) (scriptedResponse, bool) {
	for key, resp := range s.routes {
		m, suffix, _ := strings.Cut(key, " ")
		if m == method && strings.HasSuffix(path, suffix) {
			return resp, true
		}
	}
	return scriptedResponse{}, false
}

// Calls returns a snapshot of the recorded requests.
func (s *scriptedTransport) Calls() []recordedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Sequence returns "METHOD path" for each recorded request.
func (s *scriptedTransport) Sequence() []string {
	calls := s.Calls()
	seq := make([]string, len(calls))
	for i, c := range calls {
		seq[i] = c.Method + " " + c.Path
	}
	return seq
}

// countingMemo is a map-backed Memoizer that counts lookups.
type countingMemo[V any] struct {
	values map[string]V
	hits   atomic.Int32
	mu     sync.Mutex
}

func newCountingMemo[V any]() *countingMemo[V] {
	return &countingMemo[V]{values: make(map[string]V)}
}

func (m *countingMemo[V]) Do(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error) {
	m.mu.Lock()
	if v, ok := m.values[key]; ok {
		m.mu.Unlock()
		m.hits.Add(1)
		return v, nil
	}
	m.mu.Unlock()

	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}

	m.mu.Lock()
	m.values[key] = v
	m.mu.Unlock()
	return v, nil
}

// Package backend is the JSON client for the AdaKings REST API. It is the
// only place the API cache talks to the network.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"resty.dev/v3"

	"github.com/adakings/apicache/internal/circuitbreaker"
	"github.com/adakings/apicache/internal/metrics"
)

// ErrNetworkUnavailable is returned when the backend cannot be reached,
// either because the client is offline or because the transport failed.
var ErrNetworkUnavailable = errors.New("network unavailable")

// ErrCircuitOpen is returned when the backend circuit breaker rejects a call.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// HTTPError is a non-2xx backend response. The body is kept verbatim and
// never parsed.
type HTTPError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP error %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Status)
}

// Fetcher performs a single backend call and returns the decoded JSON body.
type Fetcher interface {
	Do(ctx context.Context, method, endpoint string, params map[string]any, body json.RawMessage) (json.RawMessage, error)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HealthPath string
	Breaker    *circuitbreaker.CircuitBreaker
	// HTTPClient overrides the underlying transport (tests).
	HTTPClient *http.Client
}

// Client is a Fetcher backed by resty.
type Client struct {
	rc         *resty.Client
	breaker    *circuitbreaker.CircuitBreaker
	healthPath string
}

// New builds a Client. A non-empty token is sent as a bearer credential on
// every request.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("backend base URL is required")
	}
	hc := &http.Client{}
	if opts.HTTPClient != nil {
		*hc = *opts.HTTPClient
	}
	if opts.Token != "" {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"})
		hc.Transport = &oauth2.Transport{Source: src, Base: base}
	}
	if opts.Timeout > 0 {
		hc.Timeout = opts.Timeout
	}

	rc := resty.NewWithClient(hc)
	rc.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	rc.SetHeader("Accept", "application/json")

	health := opts.HealthPath
	if health == "" {
		health = "/api/health/"
	}
	return &Client{rc: rc, breaker: opts.Breaker, healthPath: health}, nil
}

// Do implements Fetcher. Transport failures wrap ErrNetworkUnavailable;
// non-2xx responses are returned as *HTTPError.
func (c *Client) Do(ctx context.Context, method, endpoint string, params map[string]any, body json.RawMessage) (json.RawMessage, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	var out json.RawMessage
	call := func() error {
		var err error
		out, err = c.execute(ctx, method, endpoint, params, body)
		return err
	}
	if c.breaker == nil {
		return out, call()
	}
	if err := c.breaker.Do(call, countsAgainstBackend); err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			metrics.NetworkRequests.WithLabelValues("circuit_open").Inc()
			return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) execute(ctx context.Context, method, endpoint string, params map[string]any, body json.RawMessage) (json.RawMessage, error) {
	req := c.rc.R().SetContext(ctx)
	if len(params) > 0 {
		req.SetQueryParamsFromValues(queryParams(params))
	}
	if len(body) > 0 {
		req.SetHeader("Content-Type", "application/json").SetBody([]byte(body))
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		metrics.NetworkRequests.WithLabelValues("network_error").Inc()
		return nil, fmt.Errorf("%s %s: %w: %w", method, endpoint, ErrNetworkUnavailable, err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		metrics.NetworkRequests.WithLabelValues("http_error").Inc()
		return nil, &HTTPError{
			Method:     method,
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode(),
			Status:     http.StatusText(resp.StatusCode()),
			Body:       resp.String(),
		}
	}
	metrics.NetworkRequests.WithLabelValues("ok").Inc()

	raw := strings.TrimSpace(resp.String())
	if raw == "" {
		return json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("%s %s: response is not valid JSON", method, endpoint)
	}
	return json.RawMessage(raw), nil
}

// Ping calls the health endpoint and reports whether the backend answered
// with a 2xx status. The circuit breaker is bypassed.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.rc.R().SetContext(ctx).Get(c.healthPath)
	if err != nil {
		return fmt.Errorf("ping: %w: %w", ErrNetworkUnavailable, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return &HTTPError{
			Method:     http.MethodGet,
			Endpoint:   c.healthPath,
			StatusCode: resp.StatusCode(),
			Status:     http.StatusText(resp.StatusCode()),
		}
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.rc.Close()
}

// countsAgainstBackend reports whether err should trip the breaker:
// transport failures and 5xx responses do; 4xx and caller cancellation do not.
func countsAgainstBackend(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500
	}
	return true
}

func queryParams(params map[string]any) url.Values {
	out := make(url.Values, len(params))
	for k, v := range params {
		switch v := v.(type) {
		case nil:
			continue
		case []string:
			out[k] = append(out[k], v...)
		case []any:
			for _, e := range v {
				if e != nil {
					out.Add(k, queryValue(e))
				}
			}
		default:
			out.Set(k, queryValue(v))
		}
	}
	return out
}

// queryValue renders a scalar param. Strings go out verbatim, everything
// else in its JSON form.
func queryValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.Trim(string(b), `"`)
}

package bayeux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultReadTimeout is the long-poll read timeout. CometD servers hold a
// /meta/connect open for about 110 seconds, so the client must wait longer.
const DefaultReadTimeout = 120 * time.Second

// Transport moves batches of Bayeux messages to the server and returns the
// server's replies.
type Transport interface {
	Send(ctx context.Context, msgs []*Message) ([]*Message, error)
}

// Middleware wraps a Transport with additional behavior.
type Middleware func(Transport) Transport

// HeaderProvider returns headers to include in requests.
// Called for each request.
type HeaderProvider func(ctx context.Context) (http.Header, error)

// StaticHeaders returns a HeaderProvider that always yields h.
func StaticHeaders(h http.Header) HeaderProvider {
	return func(context.Context) (http.Header, error) {
		return h, nil
	}
}

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Client is the underlying HTTP client. Default: a client whose timeout
	// is ReadTimeout.
	Client *http.Client

	// ReadTimeout bounds each request, including long-poll connects.
	// Default: DefaultReadTimeout.
	ReadTimeout time.Duration

	// Headers provides headers to include in all requests.
	Headers HeaderProvider
}

// HTTPTransport implements Transport with HTTP POST long-polling.
type HTTPTransport struct {
	endpoint    string
	client      *http.Client
	readTimeout time.Duration
	headers     HeaderProvider
}

// NewHTTPTransport creates a transport that posts to endpoint.
// Pass nil for cfg to use defaults.
func NewHTTPTransport(endpoint string, cfg *HTTPConfig) *HTTPTransport {
	t := &HTTPTransport{
		endpoint:    strings.TrimRight(endpoint, "/"),
		readTimeout: DefaultReadTimeout,
	}

	if cfg != nil {
		if cfg.ReadTimeout > 0 {
			t.readTimeout = cfg.ReadTimeout
		}
		t.client = cfg.Client
		t.headers = cfg.Headers
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: t.readTimeout}
	}

	return t
}

// Endpoint returns the URL messages are posted to.
func (t *HTTPTransport) Endpoint() string {
	return t.endpoint
}

// Send posts msgs as a JSON array and decodes the reply batch.
func (t *HTTPTransport) Send(ctx context.Context, msgs []*Message) ([]*Message, error) {
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")

	if t.headers != nil {
		headers, err := t.headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("get headers: %w", err)
		}
		for key, values := range headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var replies []*Message
	if err := json.Unmarshal(data, &replies); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return replies, nil
}

// Close releases idle connections held by the underlying HTTP client.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// HTTPError is returned when the server answers with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// WithLogging wraps a transport with request/response logging.
//
// Example:
//
//	t := WithLogging(slog.Default())(NewHTTPTransport(endpoint, nil))
func WithLogging(logger *slog.Logger) Middleware {
	return func(next Transport) Transport {
		return &loggingTransport{next: next, logger: logger}
	}
}

type loggingTransport struct {
	next   Transport
	logger *slog.Logger
}

func (t *loggingTransport) Send(ctx context.Context, msgs []*Message) ([]*Message, error) {
	start := time.Now()
	replies, err := t.next.Send(ctx, msgs)
	duration := time.Since(start)

	channels := make([]string, 0, len(msgs))
	for _, m := range msgs {
		channels = append(channels, m.Channel)
	}

	if err != nil {
		t.logger.DebugContext(ctx, "bayeux send failed",
			"channels", channels,
			"duration", duration,
			"error", err,
		)
	} else {
		t.logger.DebugContext(ctx, "bayeux send",
			"channels", channels,
			"replies", len(replies),
			"duration", duration,
		)
	}
	return replies, err
}

// Close forwards to the wrapped transport when it supports closing.
func (t *loggingTransport) Close() error {
	if c, ok := t.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Chain combines multiple middleware into a single middleware.
// Middleware is applied in order: Chain(a, b, c)(t) == a(b(c(t))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next Transport) Transport {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Package transport is the single choke point every service calls
// through: it composes authentication, tracing, the retry policy and
// HTTP/SSE execution.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/icube-dev/traego/internal/auth"
	"github.com/icube-dev/traego/internal/config"
	"github.com/icube-dev/traego/internal/domain"
	"github.com/icube-dev/traego/internal/retry"
	"github.com/icube-dev/traego/internal/sse"
	"github.com/icube-dev/traego/internal/trace"
)

// Request is one logical operation to execute.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Kind   trace.Kind

	// Timeout overrides the configured per-call timeout when > 0.
	Timeout time.Duration

	// Anonymous skips the credential pre-flight; used by login, which
	// by definition runs without a token.
	Anonymous bool
}

// Transport executes authenticated, retried, traced HTTP exchanges.
type Transport struct {
	cfg     *config.Config
	auth    *auth.Manager
	tracer  *trace.Tracer
	client  *http.Client
	sleeper retry.Sleeper
	logger  *slog.Logger
	pool    *Pool
	now     func() time.Time
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithSleeper replaces the backoff sleeper, for tests.
func WithSleeper(s retry.Sleeper) Option {
	return func(t *Transport) { t.sleeper = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// New creates a Transport. The default HTTP client is instrumented
// with OpenTelemetry; per-call timeouts come from contexts rather than
// a client-wide deadline so streaming calls stay open.
func New(cfg *config.Config, am *auth.Manager, tr *trace.Tracer, opts ...Option) *Transport {
	t := &Transport{
		cfg:    cfg,
		auth:   am,
		tracer: tr,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		sleeper: retry.RealSleeper{},
		logger:  slog.Default(),
		pool:    NewPool(cfg.PoolSize),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ensureAuthorized implements the pre-flight credential policy: a
// token past expiry forces a blocking refresh; a token inside the
// refresh window refreshes proactively, where failure only warns
// because the current token may still work.
func (t *Transport) ensureAuthorized(ctx context.Context) error {
	now := t.now()
	if t.auth.IsValid(now) {
		if t.auth.NeedsRefresh(now, t.cfg.RefreshThreshold) {
			if _, err := t.auth.Refresh(ctx, now); err != nil {
				t.logger.Warn("proactive token refresh failed, continuing with current token",
					slog.String("error", err.Error()))
			}
		}
		return nil
	}

	creds := t.auth.Credentials()
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return &domain.AuthError{Kind: domain.AuthMissingToken, Message: "no token configured"}
	}

	if _, err := t.auth.Refresh(ctx, now); err != nil {
		return err
	}
	return nil
}

// buildRequest assembles the full URL and merged header set.
func (t *Transport) buildRequest(ctx context.Context, req Request, body []byte) (*http.Request, error) {
	full := t.cfg.BaseURL + req.Path
	if len(req.Query) > 0 {
		full += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, full, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range t.auth.Headers() {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (t *Transport) timeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return t.cfg.Timeout
}

// Execute runs a non-streaming call: validate credentials, trace,
// retry transient failures with exponential backoff, and decode the
// response envelope.
func (t *Transport) Execute(ctx context.Context, req Request) (*domain.Envelope, error) {
	if !req.Anonymous {
		if err := t.ensureAuthorized(ctx); err != nil {
			return nil, err
		}
	}

	ctx, handle := t.tracer.Start(ctx, req.Kind, req.Method, req.Path)
	if t.cfg.EnableLogging {
		t.logger.Info("execute request",
			slog.String("kind", string(req.Kind)),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("trace_id", handle.TraceID))
	}

	if err := t.pool.Acquire(ctx); err != nil {
		t.tracer.Finish(ctx, handle, trace.StatusError, "pool wait canceled")
		return nil, &domain.TransportError{Op: "pool acquire", Err: err}
	}
	defer t.pool.Release()

	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			t.tracer.Finish(ctx, handle, trace.StatusError, "marshal body")
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	machine := retry.NewMachine(retry.Policy{
		MaxRetries: t.cfg.MaxRetries,
		Delay:      t.cfg.RetryDelay,
		Factor:     t.cfg.BackoffFactor,
	})
	machine.Begin()

	var (
		env     *domain.Envelope
		lastErr error
	)
	for !machine.Done() {
		switch machine.State() {
		case retry.StateAttempting:
			var class retry.Class
			env, class, lastErr = t.attempt(ctx, req, body, handle.TraceID)
			machine.Observe(class)

		case retry.StateRetryWait:
			delay := machine.Delay()
			if t.cfg.EnableLogging {
				t.logger.Warn("transient failure, backing off",
					slog.String("trace_id", handle.TraceID),
					slog.Int("attempt", machine.Attempt()),
					slog.Duration("delay", delay),
					slog.String("error", lastErr.Error()))
			}
			if err := t.sleeper.Sleep(ctx, delay); err != nil {
				t.tracer.Finish(ctx, handle, trace.StatusError, "canceled during backoff")
				return nil, &domain.TransportError{Op: "backoff wait", Err: err}
			}
			machine.Wake()
		}
	}

	if machine.State() == retry.StateSuccess {
		summary := env.ResponseMetadata.RequestID
		if summary == "" {
			summary = fmt.Sprintf("%d bytes", len(env.Result))
		}
		t.tracer.Finish(ctx, handle, trace.StatusSuccess, summary)
		return env, nil
	}

	status := trace.StatusFailure
	if errors.Is(lastErr, context.DeadlineExceeded) {
		status = trace.StatusTimeout
	}
	t.tracer.Finish(ctx, handle, status, lastErr.Error())

	var apiErr *domain.APIError
	if errors.As(lastErr, &apiErr) && apiErr.RequestID == "" {
		apiErr.RequestID = handle.TraceID
	}
	return nil, lastErr
}

// attempt runs one HTTP exchange and classifies its outcome for the
// retry machine.
func (t *Transport) attempt(ctx context.Context, req Request, body []byte, traceID string) (*domain.Envelope, retry.Class, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.timeout(req))
	defer cancel()

	httpReq, err := t.buildRequest(attemptCtx, req, body)
	if err != nil {
		return nil, retry.ClassFatal, fmt.Errorf("build request: %w", err)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		// A canceled parent context is not transient; everything else
		// before a status line is, including the attempt timeout.
		if ctx.Err() != nil {
			return nil, retry.ClassFatal, &domain.TransportError{Op: "request", Err: ctx.Err()}
		}
		return nil, retry.ClassRetriable, &domain.TransportError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.ClassRetriable, &domain.TransportError{Op: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := domain.ParseAPIError(resp.StatusCode, respBody)
		if apiErr.RequestID == "" {
			apiErr.RequestID = traceID
		}
		if apiErr.Retriable() {
			return nil, retry.ClassRetriable, apiErr
		}
		return nil, retry.ClassFatal, apiErr
	}

	env, err := domain.ParseEnvelope(respBody)
	if err != nil {
		// Malformed body on a 2xx: not worth retrying.
		return nil, retry.ClassFatal, err
	}
	return env, retry.ClassSuccess, nil
}

// ExecuteStream opens an SSE call. Retries never apply mid-stream: a
// dropped connection ends the chunk sequence with a failure record,
// and the caller re-invokes the call to retry.
func (t *Transport) ExecuteStream(ctx context.Context, req Request) (*sse.Stream, error) {
	if !req.Anonymous {
		if err := t.ensureAuthorized(ctx); err != nil {
			return nil, err
		}
	}

	ctx, handle := t.tracer.Start(ctx, req.Kind, req.Method, req.Path)
	if t.cfg.EnableLogging {
		t.logger.Info("execute streaming request",
			slog.String("kind", string(req.Kind)),
			slog.String("path", req.Path),
			slog.String("trace_id", handle.TraceID))
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			t.tracer.Finish(ctx, handle, trace.StatusError, "marshal body")
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	// The timeout bounds connection establishment and response headers.
	// A deadline over the whole stream would cut long generations short,
	// so once headers arrive the stream runs until the server ends it or
	// the caller cancels.
	streamCtx, cancel := context.WithCancel(ctx)
	headerTimer := time.AfterFunc(t.timeout(req), cancel)

	httpReq, err := t.buildRequest(streamCtx, req, body)
	if err != nil {
		headerTimer.Stop()
		cancel()
		t.tracer.Finish(ctx, handle, trace.StatusError, "build request")
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	timedOut := !headerTimer.Stop()
	if err != nil {
		cancel()
		if timedOut && ctx.Err() == nil {
			t.tracer.Finish(ctx, handle, trace.StatusTimeout, "no response headers before timeout")
			return nil, &domain.TransportError{Op: "await response headers", Err: context.DeadlineExceeded}
		}
		t.tracer.Finish(ctx, handle, trace.StatusFailure, err.Error())
		return nil, &domain.TransportError{Op: "open stream", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		apiErr := domain.ParseAPIError(resp.StatusCode, respBody)
		if apiErr.RequestID == "" {
			apiErr.RequestID = handle.TraceID
		}
		t.tracer.Finish(ctx, handle, trace.StatusFailure, apiErr.Error())
		return nil, apiErr
	}

	stream := sse.Decode(resp.Body, sse.WithDoneFunc(func(st *sse.Stream) {
		cancel()
		if err := st.Err(); err != nil {
			t.tracer.Finish(ctx, handle, trace.StatusFailure, err.Error())
			return
		}
		t.tracer.Finish(ctx, handle, trace.StatusSuccess, "stream complete")
	}))
	return stream, nil
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/icube-dev/traego/internal/auth"
	"github.com/icube-dev/traego/internal/config"
	"github.com/icube-dev/traego/internal/domain"
	"github.com/icube-dev/traego/internal/trace"
)

// fakeSleeper records requested delays and returns immediately.
type fakeSleeper struct {
	mu     chan struct{}
	delays []time.Duration
	err    error
}

func newFakeSleeper() *fakeSleeper {
	return &fakeSleeper{mu: make(chan struct{}, 1)}
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu <- struct{}{}
	s.delays = append(s.delays, d)
	<-s.mu
	return s.err
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.MaxRetries = 2
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.BackoffFactor = 2.0
	cfg.Timeout = 5 * time.Second
	cfg.EnableLogging = false
	return &cfg
}

// newTestStack wires a transport against srv with a token valid far
// into the future.
func newTestStack(srv *httptest.Server, cfg *config.Config) (*Transport, *auth.Manager, *trace.Tracer, *fakeSleeper) {
	am := auth.NewManager(cfg.BaseURL, cfg.UserAgent(), "", auth.WithHTTPClient(srv.Client()))
	am.UpdateTokenInfo("test-access", time.Now().Add(24*time.Hour))

	tracer := trace.New()
	sleeper := newFakeSleeper()
	tp := New(cfg, am, tracer, WithHTTPClient(srv.Client()), WithSleeper(sleeper))
	return tp, am, tracer, sleeper
}

func envelopeBody(requestID string, result any) []byte {
	raw, _ := json.Marshal(result)
	out, _ := json.Marshal(map[string]any{
		"ResponseMetadata": map[string]string{"RequestId": requestID},
		"Result":           json.RawMessage(raw),
	})
	return out
}

func TestExecute_Success(t *testing.T) {
	var gotAuth, gotCloudIDE, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCloudIDE = r.Header.Get("x-cloudide-token")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write(envelopeBody("req-1", map[string]any{"ok": true}))
	}))
	defer srv.Close()

	tp, _, tracer, _ := newTestStack(srv, testConfig(srv.URL))

	env, err := tp.Execute(context.Background(), Request{
		Method: "POST", Path: "/model/list", Kind: trace.KindModel,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if env.ResponseMetadata.RequestID != "req-1" {
		t.Errorf("RequestID = %q", env.ResponseMetadata.RequestID)
	}
	if gotAuth != "Bearer test-access" || gotCloudIDE != "test-access" {
		t.Errorf("auth headers = %q / %q", gotAuth, gotCloudIDE)
	}
	if gotUA != "Trae-CN/3.3.11" {
		t.Errorf("User-Agent = %q", gotUA)
	}

	hist := tracer.History()
	if len(hist) != 1 || hist[0].Status != trace.StatusSuccess {
		t.Errorf("history = %+v", hist)
	}
	if hist[0].Kind != trace.KindModel || hist[0].Path != "/model/list" {
		t.Errorf("record = %+v", hist[0])
	}
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message": "upstream hiccup"}`))
			return
		}
		_, _ = w.Write(envelopeBody("req-2", map[string]any{}))
	}))
	defer srv.Close()

	tp, _, tracer, sleeper := newTestStack(srv, testConfig(srv.URL))

	if _, err := tp.Execute(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != want[0] || sleeper.delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", sleeper.delays, want)
	}

	// One record per logical call, not per attempt.
	if hist := tracer.History(); len(hist) != 1 || hist[0].Status != trace.StatusSuccess {
		t.Errorf("history = %+v", hist)
	}
}

func TestExecute_FatalClientErrorSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error_code": "ERR_QUOTA_EXCEEDED", "message": "quota exhausted"}`))
	}))
	defer srv.Close()

	tp, _, tracer, sleeper := newTestStack(srv, testConfig(srv.URL))

	_, err := tp.Execute(context.Background(), Request{Method: "POST", Path: "/chat/completions", Kind: trace.KindChat})
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != 403 || apiErr.ErrorCode != "ERR_QUOTA_EXCEEDED" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want exactly 1 for a non-retriable status", calls.Load())
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("delays = %v, want none", sleeper.delays)
	}
	if hist := tracer.History(); len(hist) != 1 || hist[0].Status != trace.StatusFailure {
		t.Errorf("history = %+v", hist)
	}
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error_code": "ERR_RATE_LIMITED", "message": "slow down"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	tp, _, _, _ := newTestStack(srv, cfg)

	_, err := tp.Execute(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther})
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 429 {
		t.Fatalf("err = %v, want rate limit APIError", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 (initial + 1 retry)", calls.Load())
	}
	if apiErr.RequestID == "" {
		t.Error("RequestID not backfilled from the trace id")
	}
}

func TestExecute_ExpiredTokenRefreshesFirst(t *testing.T) {
	var refreshes, endpointCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":     "fresh-access",
			"expiredAt": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/p", func(w http.ResponseWriter, r *http.Request) {
		endpointCalls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer fresh-access" {
			t.Errorf("endpoint saw Authorization = %q, want the refreshed token", got)
		}
		_, _ = w.Write(envelopeBody("req-3", map[string]any{}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	am := auth.NewManager(cfg.BaseURL, cfg.UserAgent(), "", auth.WithHTTPClient(srv.Client()))
	am.UpdateTokenInfo("stale-access", time.Now().Add(-time.Minute),
		auth.WithRefreshToken("good-refresh", time.Now().Add(24*time.Hour)))

	tp := New(cfg, am, trace.New(), WithHTTPClient(srv.Client()), WithSleeper(newFakeSleeper()))

	if _, err := tp.Execute(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if refreshes.Load() != 1 || endpointCalls.Load() != 1 {
		t.Errorf("refreshes = %d, endpoint calls = %d, want 1 and 1", refreshes.Load(), endpointCalls.Load())
	}
}

func TestExecute_BothTokensExpiredFailsWithoutHTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	am := auth.NewManager(cfg.BaseURL, cfg.UserAgent(), "", auth.WithHTTPClient(srv.Client()))
	am.UpdateTokenInfo("stale", time.Now().Add(-time.Hour),
		auth.WithRefreshToken("also-stale", time.Now().Add(-time.Minute)))

	tp := New(cfg, am, trace.New(), WithHTTPClient(srv.Client()))

	_, err := tp.Execute(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther})
	if !domain.IsAuthError(err, domain.AuthRefreshExpired) {
		t.Fatalf("err = %v, want AuthError{RefreshExpired}", err)
	}
	if calls.Load() != 0 {
		t.Errorf("calls = %d, want 0 when both tokens are expired", calls.Load())
	}
}

func TestExecute_NoTokensAtAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	am := auth.NewManager(cfg.BaseURL, cfg.UserAgent(), "")
	tp := New(cfg, am, trace.New(), WithHTTPClient(srv.Client()))

	_, err := tp.Execute(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther})
	if !domain.IsAuthError(err, domain.AuthMissingToken) {
		t.Fatalf("err = %v, want AuthError{MissingToken}", err)
	}
}

func TestExecute_ProactiveRefreshFailureOnlyWarns(t *testing.T) {
	var refreshes, endpointCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/p", func(w http.ResponseWriter, r *http.Request) {
		endpointCalls.Add(1)
		_, _ = w.Write(envelopeBody("req-4", map[string]any{}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RefreshThreshold = 10 * time.Minute
	am := auth.NewManager(cfg.BaseURL, cfg.UserAgent(), "", auth.WithHTTPClient(srv.Client()))
	// Valid but inside the proactive window.
	am.UpdateTokenInfo("closing-access", time.Now().Add(2*time.Minute),
		auth.WithRefreshToken("refresh", time.Now().Add(24*time.Hour)))

	tp := New(cfg, am, trace.New(), WithHTTPClient(srv.Client()), WithSleeper(newFakeSleeper()))

	if _, err := tp.Execute(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther}); err != nil {
		t.Fatalf("Execute: %v, want success despite failed proactive refresh", err)
	}
	if refreshes.Load() != 1 || endpointCalls.Load() != 1 {
		t.Errorf("refreshes = %d, endpoint calls = %d", refreshes.Load(), endpointCalls.Load())
	}
}

func TestExecute_AnonymousSkipsCredentialCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelopeBody("req-5", map[string]string{"token": "t"}))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	am := auth.NewManager(cfg.BaseURL, cfg.UserAgent(), "")
	tp := New(cfg, am, trace.New(), WithHTTPClient(srv.Client()))

	_, err := tp.Execute(context.Background(), Request{
		Method: "POST", Path: "/auth/login", Kind: trace.KindUser, Anonymous: true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecute_CanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tp, _, tracer, sleeper := newTestStack(srv, testConfig(srv.URL))
	sleeper.err = context.Canceled

	_, err := tp.Execute(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther})
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if hist := tracer.History(); len(hist) != 1 || hist[0].Status != trace.StatusError {
		t.Errorf("history = %+v", hist)
	}
}

func TestExecuteStream_DeliversChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n"))
		fl.Flush()
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n"))
		fl.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		fl.Flush()
	}))
	defer srv.Close()

	tp, _, tracer, _ := newTestStack(srv, testConfig(srv.URL))

	stream, err := tp.ExecuteStream(context.Background(), Request{
		Method: "POST", Path: "/chat/completions", Kind: trace.KindChat,
	})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var content string
	for c := range stream.Chunks() {
		content += c.Content
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream Err: %v", err)
	}
	if content != "hello" {
		t.Errorf("content = %q, want hello", content)
	}

	// The trace finishes after the chunk channel closes; give the done
	// callback a moment.
	waitFor(t, func() bool {
		hist := tracer.History()
		return len(hist) == 1 && hist[0].Status == trace.StatusSuccess
	})
}

func TestExecuteStream_TimeoutAwaitingHeaders(t *testing.T) {
	// A server that never writes response headers must not block the
	// caller past the per-request timeout.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	tp, _, tracer, _ := newTestStack(srv, testConfig(srv.URL))

	start := time.Now()
	_, err := tp.ExecuteStream(context.Background(), Request{
		Method: "POST", Path: "/chat/completions", Kind: trace.KindChat,
		Timeout: 100 * time.Millisecond,
	})
	elapsed := time.Since(start)

	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want it to wrap DeadlineExceeded", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("ExecuteStream returned after %v, want roughly the 100ms timeout", elapsed)
	}
	if hist := tracer.History(); len(hist) != 1 || hist[0].Status != trace.StatusTimeout {
		t.Errorf("history = %+v, want one timeout record", hist)
	}
}

func TestExecuteStream_TimeoutDoesNotCutRunningStream(t *testing.T) {
	// Once headers have arrived the timeout no longer applies; a stream
	// longer than the timeout still completes.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"slow\"}}]}\n\n"))
		fl.Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
		fl.Flush()
	}))
	defer srv.Close()

	tp, _, _, _ := newTestStack(srv, testConfig(srv.URL))

	stream, err := tp.ExecuteStream(context.Background(), Request{
		Method: "POST", Path: "/chat/completions", Kind: trace.KindChat,
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var content string
	for c := range stream.Chunks() {
		content += c.Content
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream Err: %v", err)
	}
	if content != "slow" {
		t.Errorf("content = %q, want slow", content)
	}
}

func TestExecuteStream_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message": "overloaded"}`))
	}))
	defer srv.Close()

	tp, _, tracer, _ := newTestStack(srv, testConfig(srv.URL))

	_, err := tp.ExecuteStream(context.Background(), Request{
		Method: "POST", Path: "/chat/completions", Kind: trace.KindChat,
	})
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 503 {
		t.Fatalf("err = %v, want 503 APIError", err)
	}
	if hist := tracer.History(); len(hist) != 1 || hist[0].Status != trace.StatusFailure {
		t.Errorf("history = %+v", hist)
	}
}

func TestExecuteAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelopeBody("req-6", map[string]any{}))
	}))
	defer srv.Close()

	tp, _, _, _ := newTestStack(srv, testConfig(srv.URL))

	res := <-tp.ExecuteAsync(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther})
	if res.Err != nil {
		t.Fatalf("async err: %v", res.Err)
	}
	if res.Envelope.ResponseMetadata.RequestID != "req-6" {
		t.Errorf("RequestID = %q", res.Envelope.ResponseMetadata.RequestID)
	}
}

func TestExecute_ConcurrentCallsAllTraced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(envelopeBody("req", map[string]any{}))
	}))
	defer srv.Close()

	tp, _, tracer, _ := newTestStack(srv, testConfig(srv.URL))

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := tp.Execute(context.Background(), Request{Method: "GET", Path: "/p", Kind: trace.KindOther})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	hist := tracer.History()
	if len(hist) != n {
		t.Fatalf("history = %d records, want %d", len(hist), n)
	}
	seen := make(map[string]bool, n)
	for _, rec := range hist {
		if seen[rec.TraceID] {
			t.Fatalf("duplicate trace id %q", rec.TraceID)
		}
		seen[rec.TraceID] = true
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

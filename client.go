// Package traego is a Go client for the Trae CN cloud API. It covers
// the transport and authentication layer — authenticated, retried,
// traced REST and SSE exchanges — plus typed services for the model
// catalog, user profile, chat and solo mode.
package traego

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/icube-dev/traego/internal/auth"
	"github.com/icube-dev/traego/internal/config"
	"github.com/icube-dev/traego/internal/debug"
	"github.com/icube-dev/traego/internal/services"
	"github.com/icube-dev/traego/internal/storage/sqlite"
	"github.com/icube-dev/traego/internal/trace"
	"github.com/icube-dev/traego/internal/transport"
)

// Config re-exports the configuration type.
type Config = config.Config

// LoadConfig builds a Config from defaults, an optional YAML file and
// TRAE_-prefixed environment variables.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config { return config.Default() }

// Client is one independent client instance. Multiple clients can
// coexist in a process; nothing is process-global.
type Client struct {
	Auth      *auth.Manager
	Tracer    *trace.Tracer
	Transport *transport.Transport
	Models    *services.Models
	ICube     *services.ICube
	Chat      *services.Chat
	Solo      *services.Solo

	cfg    *Config
	logger *slog.Logger
	store  *sqlite.Store
	debug  *debug.Server
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	logger     *slog.Logger
	httpClient *http.Client
}

// WithLogger sets the structured logger used by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithHTTPClient replaces the HTTP client for both the transport and
// the refresh exchange; tests use this to point at fixtures.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// New assembles a Client: credential manager, tracer (with optional
// sqlite sink), transport and the typed services.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	authOpts := []auth.Option{auth.WithLogger(o.logger)}
	if o.httpClient != nil {
		authOpts = append(authOpts, auth.WithHTTPClient(o.httpClient))
	}
	am := auth.NewManager(cfg.BaseURL, cfg.UserAgent(), cfg.Token, authOpts...)

	traceOpts := []trace.Option{trace.WithMaxHistory(cfg.MaxHistory)}
	var store *sqlite.Store
	if cfg.HistoryPath != "" {
		var err error
		store, err = sqlite.New(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		traceOpts = append(traceOpts, trace.WithSink(store))
	}
	tracer := trace.New(traceOpts...)

	tpOpts := []transport.Option{transport.WithLogger(o.logger)}
	if o.httpClient != nil {
		tpOpts = append(tpOpts, transport.WithHTTPClient(o.httpClient))
	}
	tp := transport.New(cfg, am, tracer, tpOpts...)

	models, err := services.NewModels(tp, o.logger)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	c := &Client{
		Auth:      am,
		Tracer:    tracer,
		Transport: tp,
		Models:    models,
		ICube:     services.NewICube(tp, am),
		Chat:      services.NewChat(tp, models),
		Solo:      services.NewSolo(tp),
		cfg:       cfg,
		logger:    o.logger,
		store:     store,
	}

	if cfg.DebugAddr != "" {
		c.debug = debug.New(cfg.DebugAddr, tracer, o.logger)
		go func() {
			if err := c.debug.Start(); err != nil {
				o.logger.Error("debug server failed", slog.String("error", err.Error()))
			}
		}()
	}
	return c, nil
}

// loginResponse covers the flat and enveloped login reply shapes.
type loginResponse struct {
	Token            string `json:"token"`
	ExpiredAt        string `json:"expiredAt"`
	RefreshToken     string `json:"refreshToken"`
	RefreshExpiredAt string `json:"refreshExpiredAt"`
}

// Authenticate exchanges a username and password for a token pair.
func (c *Client) Authenticate(ctx context.Context, username, password string) error {
	env, err := c.Transport.Execute(ctx, transport.Request{
		Method: "POST",
		Path:   "/auth/login",
		Body: map[string]string{
			"username": username,
			"password": password,
		},
		Kind:      trace.KindUser,
		Anonymous: true,
	})
	if err != nil {
		return err
	}

	var lr loginResponse
	if err := env.Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("login response carried no token")
	}

	var opts []auth.UpdateOption
	if lr.RefreshToken != "" {
		opts = append(opts, auth.WithRefreshToken(lr.RefreshToken, auth.ParseWireTime(lr.RefreshExpiredAt)))
	}
	c.Auth.UpdateTokenInfo(lr.Token, auth.ParseWireTime(lr.ExpiredAt), opts...)
	return nil
}

// RefreshToken forces a refresh exchange now.
func (c *Client) RefreshToken(ctx context.Context) error {
	_, err := c.Auth.Refresh(ctx, time.Now())
	return err
}

// PerformanceReport aggregates the request history.
func (c *Client) PerformanceReport() trace.Report {
	return c.Tracer.Report()
}

// History returns the request records in completion order.
func (c *Client) History() []trace.Record {
	return c.Tracer.History()
}

// Close releases the client's resources: the debug server and the
// history store. In-flight streams are unaffected.
func (c *Client) Close() error {
	if c.debug != nil {
		_ = c.debug.Shutdown(context.Background())
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// Package client provides the Portier login client: a cookie store, an HTTP
// client bound to it, and the cached session state of the login flow.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	portier "github.com/mpwsh/portier-client"
	"github.com/mpwsh/portier-client/errors"
	"github.com/mpwsh/portier-client/exchange"
	"github.com/mpwsh/portier-client/metrics"
	"github.com/mpwsh/portier-client/store"
)

// Client drives the login flow for one session and keeps it in a persistent
// cookie store. Operations are meant to be called sequentially by one caller.
//
// The cached session is set at construction from the stored session cookie
// and afterwards changes only through Login, Confirm and Logout.
type Client struct {
	cfg        portier.Config
	store      *store.Store
	httpClient *http.Client
	exchanger  *exchange.Exchanger
	logger     *slog.Logger

	mu      sync.Mutex
	session portier.Session
}

type options struct {
	logger         *slog.Logger
	httpClient     *http.Client
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient uses a copy of base for all requests. Its Jar is replaced by
// the cookie store; transport, timeout and redirect policy are kept.
func WithHTTPClient(base *http.Client) Option {
	return func(o *options) { o.httpClient = base }
}

// WithMetricsRegisterer registers the exchange metrics with reg. Clients
// sharing a registerer share the collectors.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTracerProvider sets the provider for exchange spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// New validates cfg, opens the cookie store at cfg.StorePath and restores the
// session if an unexpired session cookie is stored.
// Returns an error wrapping errors.ErrConfig or errors.ErrStoreCorrupt when
// the configuration or the store file is invalid.
func New(cfg portier.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(cfg.StorePath, o.logger)
	if err != nil {
		return nil, fmt.Errorf("open cookie store: %w", err)
	}

	httpClient := &http.Client{}
	if o.httpClient != nil {
		base := *o.httpClient
		httpClient = &base
	}
	httpClient.Jar = st.Jar()

	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, err
	}
	exOpts := []exchange.Option{
		exchange.WithLogger(o.logger),
		exchange.WithMetrics(m),
	}
	if o.tracerProvider != nil {
		exOpts = append(exOpts, exchange.WithTracerProvider(o.tracerProvider))
	}
	ex, err := exchange.New(httpClient, cfg.RPCAddr, cfg.BrokerAddr, exOpts...)
	if err != nil {
		return nil, fmt.Errorf("create exchanger: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		store:      st,
		httpClient: httpClient,
		exchanger:  ex,
		logger:     o.logger,
	}

	for _, path := range c.sessionCookiePaths() {
		if id, ok := st.Lookup(cfg.SessionCookieDomain, path, cfg.SessionCookieName); ok {
			c.session = portier.NewConfirmed(id)
			c.logger.Debug("restored session",
				slog.String("store", cfg.StorePath),
				slog.String("cookie", cfg.SessionCookieName),
				slog.String("path", path))
			break
		}
	}

	return c, nil
}

// sessionCookiePaths lists where the session cookie may be stored: the RPC
// base path first, then the root.
func (c *Client) sessionCookiePaths() []string {
	if p := c.cfg.SessionCookiePath(); p != "/" {
		return []string{p, "/"}
	}
	return []string{"/"}
}

// Config returns the client configuration.
func (c *Client) Config() portier.Config {
	return c.cfg
}

// Store returns the cookie store backing the HTTP client.
func (c *Client) Store() *store.Store {
	return c.store
}

// HTTPClient returns the HTTP client bound to the cookie store.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Session returns the cached session, or nil if there is none.
func (c *Client) Session() portier.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) setSession(s portier.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// Login requests a one-time code for email. On success the cached session
// is replaced by the new pending session; on failure it is left untouched.
func (c *Client) Login(ctx context.Context, email string) error {
	pending, err := c.exchanger.Login(ctx, email)
	if err != nil {
		return err
	}
	c.setSession(pending)
	c.logger.Debug("login code requested", slog.String("email", email))
	c.logger.Info("login code requested")
	return nil
}

// Confirm verifies code with the broker and claims the resulting identity
// token at the RPC service. The cached session becomes Confirmed only when
// both exchanges succeed; if the claim fails the session stays Pending and
// the identity token is discarded.
// Returns errors.ErrNoActiveSession if there is no pending session.
func (c *Client) Confirm(ctx context.Context, code string) error {
	current := c.Session()
	pending, ok := current.(portier.Pending)
	if !ok {
		if current == nil {
			return errors.ErrNoActiveSession
		}
		return fmt.Errorf("%w: session already %s", errors.ErrNoActiveSession, portier.StateOf(current))
	}

	verified, err := c.exchanger.Confirm(ctx, pending, code)
	if err != nil {
		return err
	}
	if claims := verified.Claims; claims != nil {
		c.logger.Debug("identity verified",
			slog.String("email", claims.Email),
			slog.String("issuer", claims.Issuer))
		if claims.Expired(time.Now()) {
			c.logger.Warn("identity token already expired",
				slog.Time("expiry", claims.Expiry))
		}
	}

	confirmed, err := c.exchanger.Claim(ctx, verified.IDToken)
	if err != nil {
		return err
	}
	c.setSession(confirmed)
	c.logger.Info("session confirmed")
	return nil
}

// WhoAmI returns the user data of the confirmed session. It never changes
// the cached session; a failure means the caller should log in again.
func (c *Client) WhoAmI(ctx context.Context) (portier.UserData, error) {
	switch s := c.Session().(type) {
	case portier.Confirmed:
		return c.exchanger.WhoAmI(ctx, s)
	case portier.Pending:
		return portier.UserData{}, errors.ErrNotConfirmed
	default:
		return portier.UserData{}, errors.ErrNoActiveSession
	}
}

// Unsaved reports whether the cookie jar differs from the store file.
func (c *Client) Unsaved() bool {
	return c.store.Modified()
}

// SaveSession writes the cookie jar to the store file. It must be called
// after Confirm for the session to survive a restart, and after Logout for
// the eviction to be persisted.
func (c *Client) SaveSession() error {
	return c.store.Save()
}

// Logout ends the session at the RPC service. On success the cached session
// is cleared and the session cookie is removed from the jar; on failure
// local state is left untouched.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.exchanger.Logout(ctx); err != nil {
		return err
	}
	c.setSession(nil)
	for _, path := range c.sessionCookiePaths() {
		if c.store.Remove(c.cfg.SessionCookieDomain, path, c.cfg.SessionCookieName) {
			c.logger.Debug("evicted session cookie",
				slog.String("cookie", c.cfg.SessionCookieName),
				slog.String("path", path))
		}
	}
	c.logger.Info("logged out")
	return nil
}

// Close releases idle connections. The store needs no closing; unsaved
// changes are discarded with a warning.
func (c *Client) Close() error {
	if c.store.Modified() {
		c.logger.Warn("discarding unsaved cookie changes", slog.String("store", c.cfg.StorePath))
	}
	c.httpClient.CloseIdleConnections()
	return nil
}

var _ portier.Agent = (*Client)(nil)

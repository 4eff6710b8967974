// Package exchange implements the network exchanges of the Portier login flow.
//
// Each operation is exactly one HTTP request and response against the RPC
// service or the broker. Nothing is retried; a failed exchange is returned
// to the caller as an *errors.ExchangeError naming the stage.
package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	portiererrors "github.com/mpwsh/portier-client/errors"
	"github.com/mpwsh/portier-client/metrics"
)

const (
	tracerName = "github.com/mpwsh/portier-client/exchange"

	// maxBodySize bounds response bodies; larger ones fail the exchange.
	maxBodySize = 1 << 20

	// RequestIDHeader carries the per-exchange correlation id.
	RequestIDHeader = "X-Request-Id"
)

var errResponseTooLarge = fmt.Errorf("response exceeds %d bytes", maxBodySize)

// Exchanger performs the login flow exchanges over an HTTP client.
// Cookies are handled entirely by the client's jar.
type Exchanger struct {
	client  *http.Client
	rpc     *url.URL
	broker  *url.URL
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures an Exchanger.
type Option func(*Exchanger)

// WithLogger sets the logger. nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exchanger) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records every exchange in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Exchanger) { e.metrics = m }
}

// WithTracerProvider sets the provider spans are created from.
// The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Exchanger) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates an Exchanger for the given RPC and broker base addresses.
func New(client *http.Client, rpcAddr, brokerAddr string, opts ...Option) (*Exchanger, error) {
	if client == nil {
		client = http.DefaultClient
	}
	rpc, err := url.Parse(rpcAddr)
	if err != nil {
		return nil, fmt.Errorf("parse rpc address: %w", err)
	}
	broker, err := url.Parse(brokerAddr)
	if err != nil {
		return nil, fmt.Errorf("parse broker address: %w", err)
	}

	e := &Exchanger{
		client: client,
		rpc:    rpc,
		broker: broker,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// request describes one exchange.
type request struct {
	stage    portiererrors.Stage
	method   string
	endpoint string
	form     url.Values
}

// exchange sends req and hands a 2xx response body to decode.
// Transport, status and decode failures are wrapped in an *errors.ExchangeError.
func (e *Exchanger) exchange(ctx context.Context, req request, decode func(body []byte) error) (err error) {
	requestID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "portier."+string(req.stage),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.method),
			attribute.String("url.full", req.endpoint),
			attribute.String("portier.request_id", requestID),
		))

	start := time.Now()
	status := 0
	defer func() {
		e.metrics.Observe(string(req.stage), time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Debug("exchange failed",
				slog.String("stage", string(req.stage)),
				slog.String("request_id", requestID),
				slog.Int("status", status),
				slog.String("error", err.Error()))
		}
		span.End()
	}()

	var body io.Reader
	if req.form != nil {
		body = strings.NewReader(req.form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.endpoint, body)
	if err != nil {
		return &portiererrors.ExchangeError{Stage: req.stage, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, requestID)
	if req.form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	e.logger.Debug("sending request",
		slog.String("stage", string(req.stage)),
		slog.String("method", req.method),
		slog.String("url", req.endpoint),
		slog.String("request_id", requestID))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return &portiererrors.ExchangeError{Stage: req.stage, Err: fmt.Errorf("send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	status = resp.StatusCode
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return &portiererrors.ExchangeError{Stage: req.stage, StatusCode: status, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(data) > maxBodySize {
		return &portiererrors.ExchangeError{Stage: req.stage, StatusCode: status, Err: errResponseTooLarge}
	}

	if status < 200 || status > 299 {
		return &portiererrors.ExchangeError{Stage: req.stage, StatusCode: status, Err: portiererrors.StatusError(status)}
	}

	if decode != nil {
		if err := decode(data); err != nil {
			return &portiererrors.ExchangeError{Stage: req.stage, StatusCode: status, Err: err}
		}
	}

	e.logger.Debug("exchange complete",
		slog.String("stage", string(req.stage)),
		slog.String("request_id", requestID),
		slog.Int("status", status))
	return nil
}

func (e *Exchanger) rpcURL(name string) string {
	return e.rpc.JoinPath(name).String()
}

func (e *Exchanger) brokerURL(name string) string {
	return e.broker.JoinPath(name).String()
}

// Package authority talks to the tax authority's SOAP service over mutual TLS.
package authority

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"verifactu/internal/chain/models"
	"verifactu/internal/platform/metrics"
	"verifactu/internal/record"
	"verifactu/pkg/platform/circuit"
)

const (
	EndpointSandbox    = "https://prewww1.aeat.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/VerifactuSOAP"
	EndpointProduction = "https://www1.agenciatributaria.gob.es/wlpl/TIKE-CONT/ws/SistemaFacturacion/VerifactuSOAP"

	actionSubmit = "SuministroFactura"
	actionQuery  = "ConsultaFactuSistemaFacturacion"

	maxResponseBytes = 10 << 20
	maxQueryPages    = 100
)

// Endpoint returns the fixed SOAP endpoint of env.
func Endpoint(env models.Environment) string {
	if env == models.EnvironmentProduction {
		return EndpointProduction
	}
	return EndpointSandbox
}

// Identity is a client certificate usable for mTLS.
type Identity interface {
	TLSCertificate() tls.Certificate
}

type Config struct {
	Environment      models.Environment
	SubmitURL        string
	Timeout          time.Duration
	CAFile           string
	FailureThreshold int
	Cooldown         time.Duration
}

// Client submits records and queries the authority. It never retries; a
// circuit breaker short-circuits calls while the endpoint keeps failing to
// connect.
type Client struct {
	url     string
	timeout time.Duration
	roots   *x509.CertPool
	breaker *circuit.Breaker
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithRootCAs replaces the system roots used to verify the authority.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) {
		c.roots = pool
	}
}

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	url := cfg.SubmitURL
	if url == "" {
		url = Endpoint(cfg.Environment)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breakerOpts := []circuit.Option{}
	if cfg.FailureThreshold > 0 {
		breakerOpts = append(breakerOpts, circuit.WithFailureThreshold(cfg.FailureThreshold))
	}
	if cfg.Cooldown > 0 {
		breakerOpts = append(breakerOpts, circuit.WithCooldown(cfg.Cooldown))
	}

	c := &Client{
		url:     url,
		timeout: timeout,
		breaker: circuit.New("aeat", breakerOpts...),
		logger:  slog.Default(),
		tracer:  otel.Tracer("verifactu/authority"),
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read authority CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("authority CA file %s has no certificates", cfg.CAFile)
		}
		c.roots = pool
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) URL() string {
	return c.url
}

// Submit posts an enveloped RegFactuSistemaFacturacion document. Rejections
// and SOAP faults are results; transport failures are errors.
func (c *Client) Submit(ctx context.Context, envelope []byte, id Identity) (*SubmissionResult, error) {
	ctx, span := c.tracer.Start(ctx, "authority.Submit", trace.WithAttributes(attribute.String("authority.url", c.url)))
	defer span.End()

	start := time.Now()
	status, body, err := c.post(ctx, actionSubmit, envelope, id)
	elapsed := time.Since(start)
	c.metrics.ObserveAuthorityLatency("submit", elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))

	result, err := ParseSubmissionResponse(body)
	if err != nil {
		var ae *Error
		if !errors.As(err, &ae) {
			ae = newError(CategoryParse, "unreadable response", err)
		}
		if status != http.StatusOK {
			ae = &Error{Category: CategoryHTTPStatus, Message: "unexpected HTTP status", StatusCode: status, Err: err,
				Retryable: status >= 500}
		}
		ae.Raw = body
		c.logger.WarnContext(ctx, "authority answer not understood",
			"category", string(ae.Category),
			"http_status", status,
			"bytes", len(body),
		)
		span.SetStatus(codes.Error, string(ae.Category))
		return nil, ae.domain()
	}
	result.HTTPStatus = status
	result.Duration = elapsed
	span.SetAttributes(attribute.String("authority.status", result.Status), attribute.String("authority.outcome", string(result.Kind)))

	c.logger.InfoContext(ctx, "authority submission answered",
		"status", result.Status,
		"outcome", string(result.Kind),
		"csv", result.CSV,
		"http_status", status,
		"heuristic", result.Heuristic,
		"duration_ms", elapsed.Milliseconds(),
	)
	return result, nil
}

// Query lists the taxpayer's records for period, following pagination.
func (c *Client) Query(ctx context.Context, nif, name string, period models.Period, id Identity) ([]AuthorityRecord, error) {
	ctx, span := c.tracer.Start(ctx, "authority.Query", trace.WithAttributes(
		attribute.String("authority.nif", nif),
		attribute.String("authority.period", period.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() { c.metrics.ObserveAuthorityLatency("query", time.Since(start)) }()

	var (
		all  []AuthorityRecord
		page *record.PageKey
	)
	for i := 0; i < maxQueryPages; i++ {
		req, err := record.BuildQueryRequest(nif, name, period, page)
		if err != nil {
			return nil, err
		}
		status, body, err := c.post(ctx, actionQuery, req, id)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if status != http.StatusOK {
			ae := &Error{Category: CategoryHTTPStatus, Message: "unexpected HTTP status", StatusCode: status, Retryable: status >= 500, Raw: body}
			return nil, ae.domain()
		}
		p, err := parseQueryResponse(body)
		if err != nil {
			var ae *Error
			if errors.As(err, &ae) {
				ae.Raw = body
				return nil, ae.domain()
			}
			return nil, err
		}
		all = append(all, p.records...)
		if !p.more || len(p.records) == 0 {
			span.SetAttributes(attribute.Int("authority.records", len(all)))
			return all, nil
		}
		last := p.records[len(p.records)-1]
		page = &record.PageKey{IssuerNIF: last.IssuerNIF, DocumentNumber: last.DocumentNumber, DocumentDate: last.DocumentDate}
	}
	return nil, newError(CategoryParse, "query pagination did not terminate", nil).domain()
}

// post sends one SOAP request and returns the status and body. Only failures
// to obtain an answer are errors.
func (c *Client) post(ctx context.Context, action string, payload []byte, id Identity) (int, []byte, error) {
	if !c.breaker.Allow() {
		return 0, nil, newError(CategoryConnection, "authority circuit is open", nil).domain()
	}

	cert := id.TLSCertificate()
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			RootCAs:      c.roots,
		},
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
	}
	defer transport.CloseIdleConnections()
	httpClient := &http.Client{Transport: transport, Timeout: c.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build authority request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, err := httpClient.Do(req)
	if err != nil {
		ae := classify(ctx, err)
		if ae.Category != CategoryCertificate {
			c.recordFailure(ctx)
		}
		c.logger.WarnContext(ctx, "authority request failed", "action", action, "category", string(ae.Category), "error", err.Error())
		return 0, nil, ae.domain()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.recordFailure(ctx)
		return 0, nil, classify(ctx, err).domain()
	}
	if resp.StatusCode >= 500 && len(body) == 0 {
		c.recordFailure(ctx)
	} else {
		c.recordSuccess(ctx)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) recordFailure(ctx context.Context) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "authority circuit opened", "breaker", c.breaker.Name())
	}
}

func (c *Client) recordSuccess(ctx context.Context) {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "authority circuit closed", "breaker", c.breaker.Name())
	}
}

func classify(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(CategoryTimeout, "authority did not answer in time", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(CategoryTimeout, "authority did not answer in time", err)
	}

	var (
		verifyErr   *tls.CertificateVerificationError
		unknownCA   x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		alertErr    tls.AlertError
	)
	switch {
	case errors.As(err, &verifyErr), errors.As(err, &unknownCA), errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr), errors.As(err, &alertErr):
		return newError(CategoryCertificate, "TLS handshake with the authority failed", err)
	}
	return newError(CategoryConnection, "authority unreachable", err)
}

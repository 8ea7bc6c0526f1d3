package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"verifactu/internal/chain/models"
	dErrors "verifactu/pkg/domain-errors"
)

type staticIdentity struct {
	cert tls.Certificate
}

func (s staticIdentity) TLSCertificate() tls.Certificate {
	return s.cert
}

func newIdentity(t *testing.T) staticIdentity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "TEST CLIENT - Z0117657V"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return staticIdentity{cert: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}}
}

type ClientSuite struct {
	suite.Suite
	identity staticIdentity
	handler  http.HandlerFunc
	server   *httptest.Server
	// clientCerts counts requests that presented a client certificate.
	clientCerts atomic.Int32
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.identity = newIdentity(s.T())
	s.clientCerts.Store(0)
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	s.server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			s.clientCerts.Add(1)
		}
		s.handler(w, r)
	}))
	s.server.TLS = &tls.Config{ClientAuth: tls.RequireAnyClientCert}
	s.server.StartTLS()
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func (s *ClientSuite) client(cfg Config) *Client {
	if cfg.SubmitURL == "" {
		cfg.SubmitURL = s.server.URL
	}
	pool := x509.NewCertPool()
	pool.AddCert(s.server.Certificate())
	c, err := NewClient(cfg, WithRootCAs(pool))
	s.Require().NoError(err)
	return c
}

func (s *ClientSuite) TestSubmitAccepted() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal("SuministroFactura", r.Header.Get("SOAPAction"))
		s.Contains(r.Header.Get("Content-Type"), "text/xml")
		body, _ := io.ReadAll(r.Body)
		s.Equal("<envelope/>", string(body))
		_, _ = w.Write(response("Correcto", ""))
	}

	result, err := s.client(Config{}).Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Require().NoError(err)
	s.Equal(OutcomeAccepted, result.Kind)
	s.Equal("A-YDSW8NLFLANWPM", result.CSV)
	s.Equal(http.StatusOK, result.HTTPStatus)
	s.EqualValues(1, s.clientCerts.Load())
}

func (s *ClientSuite) TestSubmitRejectedIsAResult() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(response("Incorrecto", incorrectLine))
	}

	result, err := s.client(Config{}).Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Require().NoError(err)
	s.Equal(OutcomeRejected, result.Kind)
	s.Equal([]string{"4102"}, result.ErrorCodes())
}

func (s *ClientSuite) TestSubmitSOAPFaultOnServerError() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(soap(`<env:Fault><faultcode>env:Server</faultcode><faultstring>Error interno</faultstring></env:Fault>`))
	}

	result, err := s.client(Config{}).Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Require().NoError(err)
	s.Equal(OutcomeTransportFailed, result.Kind)
	s.Equal(StatusSOAPFault, result.Status)
	s.Equal("Error interno", result.FaultMessage)
	s.Equal(http.StatusInternalServerError, result.HTTPStatus)
}

func (s *ClientSuite) TestSubmitUnavailableWithoutBody() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_, err := s.client(Config{}).Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Require().Error(err)
	s.Equal(dErrors.CodeTransportUnavailable, dErrors.CodeOf(err))
	category, _ := CategoryOf(err)
	s.Equal(CategoryHTTPStatus, category)
	s.True(IsRetryable(err))
}

func (s *ClientSuite) TestSubmitClientErrorIsProtocol() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}

	_, err := s.client(Config{}).Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Equal(dErrors.CodeProtocol, dErrors.CodeOf(err))
	s.False(IsRetryable(err))
	s.Equal("bad request", string(RawResponseOf(err)))
}

func (s *ClientSuite) TestSubmitIndentedAnswer() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(indentedResponse))
	}

	result, err := s.client(Config{}).Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Require().NoError(err)
	s.Equal(OutcomeRejected, result.Kind)
	s.Equal([]string{"1100"}, result.ErrorCodes())
	s.Equal(indentedResponse, string(result.RawResponse))
}

func (s *ClientSuite) TestSubmitMalformedAnswerKeepsBody() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>maintenance"))
	}

	_, err := s.client(Config{}).Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Equal(dErrors.CodeProtocol, dErrors.CodeOf(err))
	s.Equal("<html><body>maintenance", string(RawResponseOf(err)))
}

func (s *ClientSuite) TestSubmitTimeout() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}

	_, err := s.client(Config{Timeout: 50 * time.Millisecond}).Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Require().Error(err)
	s.Equal(dErrors.CodeTransportTimeout, dErrors.CodeOf(err))
	s.True(IsRetryable(err))
}

func (s *ClientSuite) TestSubmitUntrustedServerIsCertificateError() {
	c, err := NewClient(Config{SubmitURL: s.server.URL, FailureThreshold: 1})
	s.Require().NoError(err)

	_, err = c.Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Require().Error(err)
	s.Equal(dErrors.CodeInvalidCertificate, dErrors.CodeOf(err))
	s.False(c.breaker.IsOpen(), "certificate problems do not trip the breaker")
}

func (s *ClientSuite) TestBreakerOpensAfterConnectionFailures() {
	url := s.server.URL
	s.server.Close()
	c := s.client(Config{SubmitURL: url, FailureThreshold: 2, Cooldown: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := c.Submit(context.Background(), []byte("<envelope/>"), s.identity)
		category, _ := CategoryOf(err)
		s.Equal(CategoryConnection, category)
	}
	s.True(c.breaker.IsOpen())

	_, err := c.Submit(context.Background(), []byte("<envelope/>"), s.identity)
	s.Require().Error(err)
	s.Contains(err.Error(), "circuit is open")
	s.Equal(dErrors.CodeTransportUnavailable, dErrors.CodeOf(err))
}

func (s *ClientSuite) TestQueryFollowsPagination() {
	var calls atomic.Int32
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal("ConsultaFactuSistemaFacturacion", r.Header.Get("SOAPAction"))
		body, _ := io.ReadAll(r.Body)
		if calls.Add(1) == 1 {
			s.NotContains(string(body), "ClavePaginacion")
			_, _ = w.Write(queryResponse(true,
				queryRecord("A-1", "01-01-2026", "H1", ""),
				queryRecord("A-2", "02-01-2026", "H2", "H1"),
			))
			return
		}
		s.Contains(string(body), "ClavePaginacion")
		s.True(strings.Contains(string(body), "A-2"))
		_, _ = w.Write(queryResponse(false, queryRecord("A-3", "03-01-2026", "H3", "H2")))
	}

	records, err := s.client(Config{}).Query(context.Background(), "Z0117657V", "Empresa Test", models.NewPeriod(2026, time.January), s.identity)
	s.Require().NoError(err)
	s.Len(records, 3)
	s.Equal("H3", records[2].Hash)
	s.EqualValues(2, calls.Load())
}

func (s *ClientSuite) TestQueryInvalidPeriod() {
	_, err := s.client(Config{}).Query(context.Background(), "Z0117657V", "", models.NewPeriod(2026, 13), s.identity)
	s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
}

func TestEndpoint(t *testing.T) {
	if Endpoint(models.EnvironmentProduction) != EndpointProduction {
		t.Fatal("production endpoint")
	}
	if Endpoint(models.EnvironmentSandbox) != EndpointSandbox {
		t.Fatal("sandbox endpoint")
	}
}

// Package vault keeps owners' PKCS12 client certificates encrypted at rest and
// hands them out as short-lived Credentials.
package vault

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"verifactu/internal/certificate/models"
	"verifactu/internal/platform/metrics"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/platform/sentinel"
	"verifactu/pkg/requestcontext"
)

const insecureDevSecret = "verifactu-insecure-development-secret"

var ErrMasterSecretMissing = dErrors.New(dErrors.CodeMasterSecretMissing, "certificate master secret is not configured")

// InvalidCertificateError reports an upload that is not a readable PKCS12
// bundle for the given password.
type InvalidCertificateError struct {
	Reason string
	Err    error
}

func (e *InvalidCertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid certificate: %s: %v", e.Reason, e.Err)
	}
	return "invalid certificate: " + e.Reason
}

func (e *InvalidCertificateError) Unwrap() error {
	return e.Err
}

type Store interface {
	Upsert(ctx context.Context, rec *models.CertificateRecord) error
	FindActive(ctx context.Context, ownerID string) (*models.CertificateRecord, error)
	Delete(ctx context.Context, ownerID string) error
	MarkUsed(ctx context.Context, ownerID string, at time.Time) error
}

type Config struct {
	MasterSecret           string
	Iterations             int
	AllowInsecureDevSecret bool
	Production             bool
}

type Vault struct {
	store      Store
	secret     []byte
	iterations int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Vault)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) {
		v.metrics = m
	}
}

// New builds a Vault. Without a master secret it fails, unless the insecure
// development secret is explicitly allowed outside production.
func New(cfg Config, store Store, opts ...Option) (*Vault, error) {
	v := &Vault{
		store:      store,
		iterations: cfg.Iterations,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.iterations == 0 {
		v.iterations = DefaultIterations
	}
	if v.iterations < MinIterations {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("vault iterations must be at least %d", MinIterations))
	}

	switch {
	case cfg.MasterSecret != "":
		v.secret = []byte(cfg.MasterSecret)
	case cfg.Production:
		return nil, ErrMasterSecretMissing
	case cfg.AllowInsecureDevSecret:
		v.logger.Warn("certificate vault is using the insecure development secret")
		v.secret = []byte(insecureDevSecret)
	default:
		return nil, ErrMasterSecretMissing
	}
	return v, nil
}

func aad(ownerID, purpose string) []byte {
	return []byte(ownerID + "|" + purpose)
}

// Store validates and encrypts a PKCS12 bundle and makes it the owner's
// certificate. Expired certificates are stored and reported as expired.
func (v *Vault) Store(ctx context.Context, ownerID string, certBytes []byte, password string) (*models.CertificateRecord, error) {
	ownerID = models.NormalizeOwnerID(ownerID)
	if ownerID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "owner id is required")
	}
	if len(certBytes) == 0 {
		return nil, dErrors.Wrap(&InvalidCertificateError{Reason: "empty upload"}, dErrors.CodeInvalidCertificate, "certificate file is empty")
	}

	_, leaf, _, err := pkcs12.DecodeChain(certBytes, password)
	if err != nil {
		v.metrics.IncCertificateOperation("store", "invalid")
		return nil, dErrors.Wrap(&InvalidCertificateError{Reason: "cannot decode PKCS12", Err: err}, dErrors.CodeInvalidCertificate,
			"certificate could not be read, check the file and password")
	}
	meta := extractMetadata(leaf)

	salt, err := newSalt()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt certificate")
	}
	key := deriveKey(v.secret, salt, v.iterations)
	defer zero(key)

	sealedCert, err := seal(key, certBytes, aad(ownerID, "certificate"))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt certificate")
	}
	sealedPassword, err := seal(key, []byte(password), aad(ownerID, "password"))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt certificate")
	}

	now := requestcontext.Now(ctx)
	rec := &models.CertificateRecord{
		OwnerID:              ownerID,
		CertificateType:      models.DefaultCertificateType,
		SubjectCN:            meta.subjectCN,
		SubjectNIF:           meta.subjectNIF,
		Issuer:               meta.issuer,
		SerialNumber:         meta.serialNumber,
		ValidFrom:            leaf.NotBefore.UTC(),
		ValidUntil:           leaf.NotAfter.UTC(),
		EncryptedCertificate: sealedCert,
		EncryptedPassword:    sealedPassword,
		Salt:                 salt,
		Iterations:           v.iterations,
		Fingerprint:          meta.fingerprint,
		Active:               true,
		UploadedAt:           now,
		UpdatedAt:            now,
	}
	if err := v.store.Upsert(ctx, rec); err != nil {
		v.metrics.IncCertificateOperation("store", "error")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store certificate")
	}
	v.metrics.IncCertificateOperation("store", "ok")

	if rec.IsExpired(now) {
		v.logger.WarnContext(ctx, "stored certificate is expired",
			"request_id", requestcontext.RequestID(ctx),
			"owner_id", ownerID,
			"fingerprint", rec.FingerprintPrefix(),
			"valid_until", rec.ValidUntil,
		)
	} else {
		v.logger.InfoContext(ctx, "certificate stored",
			"request_id", requestcontext.RequestID(ctx),
			"owner_id", ownerID,
			"fingerprint", rec.FingerprintPrefix(),
		)
	}
	return rec, nil
}

// Retrieve decrypts the owner's certificate and password and counts the use.
func (v *Vault) Retrieve(ctx context.Context, ownerID string) ([]byte, string, error) {
	rec, certBytes, password, err := v.decrypt(ctx, ownerID)
	if err != nil {
		return nil, "", err
	}
	pw := string(password)
	zero(password)
	v.markUsed(ctx, rec)
	return certBytes, pw, nil
}

func (v *Vault) decrypt(ctx context.Context, ownerID string) (*models.CertificateRecord, []byte, []byte, error) {
	rec, err := v.find(ctx, ownerID)
	if err != nil {
		return nil, nil, nil, err
	}
	key := deriveKey(v.secret, rec.Salt, v.iterationsOf(rec))
	defer zero(key)

	certBytes, err := open(key, rec.EncryptedCertificate, aad(rec.OwnerID, "certificate"))
	if err != nil {
		v.metrics.IncCertificateOperation("retrieve", "error")
		return nil, nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decrypt certificate")
	}
	password, err := open(key, rec.EncryptedPassword, aad(rec.OwnerID, "password"))
	if err != nil {
		zero(certBytes)
		v.metrics.IncCertificateOperation("retrieve", "error")
		return nil, nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decrypt certificate")
	}
	return rec, certBytes, password, nil
}

// iterationsOf is the count a stored record was sealed with. Records written
// before the count was kept fall back to the configured one.
func (v *Vault) iterationsOf(rec *models.CertificateRecord) int {
	if rec.Iterations > 0 {
		return rec.Iterations
	}
	return v.iterations
}

func (v *Vault) find(ctx context.Context, ownerID string) (*models.CertificateRecord, error) {
	rec, err := v.store.FindActive(ctx, models.NormalizeOwnerID(ownerID))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeCertificateNotFound, "no certificate uploaded for this owner")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certificate")
	}
	return rec, nil
}

func (v *Vault) markUsed(ctx context.Context, rec *models.CertificateRecord) {
	v.metrics.IncCertificateOperation("retrieve", "ok")
	if err := v.store.MarkUsed(ctx, rec.OwnerID, requestcontext.Now(ctx)); err != nil {
		v.logger.WarnContext(ctx, "failed to record certificate use", "owner_id", rec.OwnerID, "error", err.Error())
	}
}

// Delete removes the owner's certificate. It reports whether one existed.
func (v *Vault) Delete(ctx context.Context, ownerID string) (bool, error) {
	if err := v.store.Delete(ctx, models.NormalizeOwnerID(ownerID)); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete certificate")
	}
	v.metrics.IncCertificateOperation("delete", "ok")
	v.logger.InfoContext(ctx, "certificate deleted", "request_id", requestcontext.RequestID(ctx), "owner_id", ownerID)
	return true, nil
}

// Info returns certificate metadata without decrypting anything.
func (v *Vault) Info(ctx context.Context, ownerID string) (*models.Info, error) {
	rec, err := v.find(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return rec.Info(requestcontext.Now(ctx)), nil
}

// Credentials decrypts the owner's certificate into a scoped mTLS identity.
// Expired certificates are refused.
func (v *Vault) Credentials(ctx context.Context, ownerID string) (*Credentials, error) {
	rec, certBytes, password, err := v.decrypt(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(requestcontext.Now(ctx)) {
		zero(certBytes)
		zero(password)
		v.metrics.IncCertificateOperation("credentials", "expired")
		return nil, dErrors.New(dErrors.CodeCertificateExpired, "certificate expired on "+rec.ValidUntil.Format(time.DateOnly))
	}

	key, leaf, chain, err := pkcs12.DecodeChain(certBytes, string(password))
	if err != nil {
		zero(certBytes)
		zero(password)
		return nil, dErrors.Wrap(&InvalidCertificateError{Reason: "stored bundle no longer decodes", Err: err}, dErrors.CodeInvalidCertificate,
			"stored certificate could not be read")
	}
	v.markUsed(ctx, rec)

	return &Credentials{
		OwnerID:     rec.OwnerID,
		SubjectNIF:  rec.SubjectNIF,
		Fingerprint: rec.Fingerprint,
		certificate: tlsCertificate(key, leaf, chain),
		buffers:     [][]byte{certBytes, password},
	}, nil
}

func tlsCertificate(key any, leaf *x509.Certificate, chain []*x509.Certificate) tls.Certificate {
	der := [][]byte{leaf.Raw}
	for _, c := range chain {
		der = append(der, c.Raw)
	}
	return tls.Certificate{Certificate: der, PrivateKey: key, Leaf: leaf}
}

package models

import (
	"strings"
	"time"
)

const DefaultCertificateType = "FNMT"

// CertificateRecord is the encrypted client certificate of one owner. The
// plaintext PKCS12 and its password are never stored.
type CertificateRecord struct {
	OwnerID              string
	CertificateType      string
	SubjectCN            string
	SubjectNIF           string
	Issuer               string
	SerialNumber         string
	ValidFrom            time.Time
	ValidUntil           time.Time
	EncryptedCertificate []byte
	EncryptedPassword    []byte
	Salt                 []byte
	// Iterations is the PBKDF2 count the key was derived with.
	Iterations int
	// Fingerprint is the SHA-256 hex of the leaf certificate DER.
	Fingerprint string
	Active      bool
	UseCount    int64
	LastUsedAt  *time.Time
	UploadedAt  time.Time
	UpdatedAt   time.Time
}

func (r *CertificateRecord) IsExpired(now time.Time) bool {
	return now.After(r.ValidUntil)
}

// DaysUntilExpiry is negative once the certificate has expired.
func (r *CertificateRecord) DaysUntilExpiry(now time.Time) int {
	return int(r.ValidUntil.Sub(now).Hours() / 24)
}

// Info is the metadata view of a certificate; it never carries key material.
type Info struct {
	OwnerID         string     `json:"owner_id"`
	CertificateType string     `json:"certificate_type"`
	SubjectCN       string     `json:"subject_cn"`
	SubjectNIF      string     `json:"subject_nif,omitempty"`
	Issuer          string     `json:"issuer"`
	SerialNumber    string     `json:"serial_number"`
	ValidFrom       time.Time  `json:"valid_from"`
	ValidUntil      time.Time  `json:"valid_until"`
	Fingerprint     string     `json:"fingerprint"`
	Expired         bool       `json:"expired"`
	DaysUntilExpiry int        `json:"days_until_expiry"`
	UseCount        int64      `json:"use_count"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	UploadedAt      time.Time  `json:"uploaded_at"`
}

func (r *CertificateRecord) Info(now time.Time) *Info {
	return &Info{
		OwnerID:         r.OwnerID,
		CertificateType: r.CertificateType,
		SubjectCN:       r.SubjectCN,
		SubjectNIF:      r.SubjectNIF,
		Issuer:          r.Issuer,
		SerialNumber:    r.SerialNumber,
		ValidFrom:       r.ValidFrom,
		ValidUntil:      r.ValidUntil,
		Fingerprint:     r.Fingerprint,
		Expired:         r.IsExpired(now),
		DaysUntilExpiry: r.DaysUntilExpiry(now),
		UseCount:        r.UseCount,
		LastUsedAt:      r.LastUsedAt,
		UploadedAt:      r.UploadedAt,
	}
}

// FingerprintPrefix is safe to log.
func (r *CertificateRecord) FingerprintPrefix() string {
	if len(r.Fingerprint) > 16 {
		return r.Fingerprint[:16]
	}
	return r.Fingerprint
}

// NormalizeOwnerID trims an owner identifier.
func NormalizeOwnerID(ownerID string) string {
	return strings.TrimSpace(ownerID)
}

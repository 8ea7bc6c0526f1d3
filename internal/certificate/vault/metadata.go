package vault

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"regexp"
	"strings"
)

var nifPattern = regexp.MustCompile(`\b([0-9]{8}[A-Z]|[XYZ][0-9]{7}[A-Z]|[A-HJNP-SUVW][0-9]{7}[0-9A-J])\b`)

type metadata struct {
	subjectCN    string
	subjectNIF   string
	issuer       string
	serialNumber string
	fingerprint  string
}

func extractMetadata(cert *x509.Certificate) metadata {
	cn := cert.Subject.CommonName
	if cn == "" {
		cn = cert.Subject.String()
	}
	return metadata{
		subjectCN:    truncate(cn, 255),
		subjectNIF:   truncate(subjectNIF(cert), 20),
		issuer:       truncate(cert.Issuer.String(), 255),
		serialNumber: truncate(cert.SerialNumber.String(), 100),
		fingerprint:  fingerprint(cert),
	}
}

// subjectNIF reads the taxpayer id from the subject serialNumber attribute
// (FNMT certificates carry "IDCES-<NIF>") and falls back to a NIF-shaped
// token in the common name.
func subjectNIF(cert *x509.Certificate) string {
	if sn := strings.ToUpper(strings.TrimSpace(cert.Subject.SerialNumber)); sn != "" {
		return strings.TrimPrefix(sn, "IDCES-")
	}
	if m := nifPattern.FindString(strings.ToUpper(cert.Subject.CommonName)); m != "" {
		return m
	}
	return ""
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

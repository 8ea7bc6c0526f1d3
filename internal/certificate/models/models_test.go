package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCertificateRecordInfo(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &CertificateRecord{
		OwnerID:     "owner-1",
		SubjectCN:   "EMPRESA DEMO",
		ValidUntil:  now.Add(10 * 24 * time.Hour),
		Fingerprint: "0123456789abcdef0123456789abcdef",
		Salt:        []byte("salt"),
	}

	info := rec.Info(now)
	assert.False(t, info.Expired)
	assert.Equal(t, 10, info.DaysUntilExpiry)
	assert.Equal(t, "0123456789abcdef", rec.FingerprintPrefix())

	later := now.Add(11 * 24 * time.Hour)
	assert.True(t, rec.IsExpired(later))
	assert.Equal(t, -1, rec.DaysUntilExpiry(later))
}

func TestNormalizeOwnerID(t *testing.T) {
	assert.Equal(t, "owner-1", NormalizeOwnerID("  owner-1 \n"))
}

package vault

import (
	"crypto/tls"
	"sync"
)

// Credentials is the decrypted client identity of one owner, scoped to a
// single authority call. Callers must Close it; Close zeroes the decrypted
// buffers. Nothing is written to disk.
type Credentials struct {
	OwnerID     string
	SubjectNIF  string
	Fingerprint string

	mu          sync.Mutex
	certificate tls.Certificate
	buffers     [][]byte
	closed      bool
}

// TLSCertificate returns the client certificate chain and key for mTLS. It is
// empty once the credentials are closed.
func (c *Credentials) TLSCertificate() tls.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.certificate
}

// Close releases the credentials. It is safe to call more than once.
func (c *Credentials) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, b := range c.buffers {
		zero(b)
	}
	c.buffers = nil
	c.certificate = tls.Certificate{}
	return nil
}

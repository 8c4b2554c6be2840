// Package mtls builds the TLS client config used to authenticate against
// the Portal (C4) with a client certificate, and tracks that certificate's
// validity window so a long-running serve process can warn well before
// the cert actually expires rather than fail the next connect attempt.
package mtls

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/nimbusdesk/core/internal/logging"
)

var log = logging.L("mtls")

// defaultRenewalFraction is how far into a cert's lifetime NeedsRenewal
// flags it, absent an explicit fraction via NeedsRenewalAt.
const defaultRenewalFraction = 2.0 / 3.0

// LoadClientCert parses a PEM-encoded certificate and private key pair.
func LoadClientCert(certPEM, keyPEM string) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse mTLS key pair: %w", err)
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config with the client certificate loaded.
// Returns nil if certPEM or keyPEM is empty.
func BuildTLSConfig(certPEM, keyPEM string) (*tls.Config, error) {
	if certPEM == "" || keyPEM == "" {
		return nil, nil
	}

	cert, err := LoadClientCert(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
	}, nil
}

// parseExpiryTime parses a timestamp in RFC 3339 or bare ISO 8601 (no
// timezone offset) format.
func parseExpiryTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02T15:04:05", s)
	}
	return t, err
}

// IsExpired reports whether the cert's validity window has already closed.
// Returns false for an empty string (no cert configured). Fails closed:
// an unparseable timestamp is treated as expired so the caller re-issues
// rather than silently keeps using a cert of unknown validity.
func IsExpired(expiresStr string) bool {
	if expiresStr == "" {
		return false
	}
	t, err := parseExpiryTime(expiresStr)
	if err != nil {
		log.Warn("unable to parse portal mTLS cert expiry, treating as expired for safety",
			"expires", expiresStr, "error", err)
		return true
	}
	return time.Now().After(t)
}

// NeedsRenewal reports whether the cert has passed defaultRenewalFraction
// of its lifetime. Returns false if either timestamp is empty or
// unparseable (nothing to compare against).
func NeedsRenewal(issuedStr, expiresStr string) bool {
	return NeedsRenewalAt(issuedStr, expiresStr, defaultRenewalFraction)
}

// NeedsRenewalAt is NeedsRenewal with an explicit lifetime fraction, for
// operators who want to rotate certs earlier or later than the default
// two-thirds-of-lifetime point.
func NeedsRenewalAt(issuedStr, expiresStr string, fraction float64) bool {
	if issuedStr == "" || expiresStr == "" {
		return false
	}
	issued, err := parseExpiryTime(issuedStr)
	if err != nil {
		return false
	}
	expires, err := parseExpiryTime(expiresStr)
	if err != nil {
		return false
	}

	lifetime := expires.Sub(issued)
	threshold := issued.Add(time.Duration(float64(lifetime) * fraction))
	return time.Now().After(threshold)
}

// Package security holds the X.509 material the recorder uses for TLS
// signalling, MSRPS media, and DTLS-SRTP offers. The store is an
// explicit dependency of each recorder agent so tests can substitute
// their own material.
package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
)

// Store provides certificates on demand. When no certificate is loaded
// a self-signed ECDSA certificate is generated on first use and reused
// for the lifetime of the store.
type Store struct {
	mu   sync.Mutex
	cert *tls.Certificate
	leaf *x509.Certificate
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// NewStoreWithCertificate creates a store around provisioned material.
func NewStoreWithCertificate(cert tls.Certificate) (*Store, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return nil, fmt.Errorf("certificate has no DER blocks")
		}
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		leaf = parsed
	}
	return &Store{cert: &cert, leaf: leaf}, nil
}

// Certificate returns the stored certificate, generating one if needed.
func (s *Store) Certificate() (tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return tls.Certificate{}, err
	}
	return *s.cert, nil
}

// TLSConfig returns a client TLS config for signalling and MSRPS legs.
// Verification is skipped: the SRS endpoint is provisioned, not
// discovered, and deployments commonly run private CAs.
func (s *Store) TLSConfig() (*tls.Config, error) {
	cert, err := s.Certificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
	}, nil
}

// DTLSConfig returns a client DTLS config for DTLS-SRTP media legs.
func (s *Store) DTLSConfig() (*dtls.Config, error) {
	cert, err := s.Certificate()
	if err != nil {
		return nil, err
	}
	return &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		InsecureSkipVerify:   true,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}, nil
}

// Fingerprint returns the SHA-256 fingerprint of the certificate for
// the SDP a=fingerprint attribute.
func (s *Store) Fingerprint() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return "", err
	}
	fp, err := fingerprint.Fingerprint(s.leaf, crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return fp, nil
}

func (s *Store) ensureLocked() error {
	if s.cert != nil {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "siprec"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse generated certificate: %w", err)
	}

	s.cert = &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	s.leaf = leaf
	return nil
}

package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "PRIVATE KEY"

	// DefaultCertificateValidity is the lifetime of a generated identity certificate.
	DefaultCertificateValidity = 10 * 365 * 24 * time.Hour
	// certificateBackdate tolerates small clock skew between peers.
	certificateBackdate = time.Hour
)

// ErrInvalidIdentity indicates stored identity material that cannot be used.
var ErrInvalidIdentity = errors.New("crypto: invalid identity")

// Identity is this node's Ed25519 key and self-signed certificate.
type Identity struct {
	PrivateKey  ed25519.PrivateKey
	Certificate *x509.Certificate
}

// GenerateIdentity creates a new key pair and a self-signed certificate whose
// subject common name is commonName.
func GenerateIdentity(commonName string, now time.Time) (*Identity, error) {
	if commonName == "" {
		return nil, fmt.Errorf("%w: common name is required", ErrInvalidIdentity)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         commonName,
			Organization:       []string{"devlink"},
			OrganizationalUnit: []string{"devlink"},
		},
		NotBefore:             now.Add(-certificateBackdate),
		NotAfter:              now.Add(DefaultCertificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	return &Identity{PrivateKey: privateKey, Certificate: cert}, nil
}

// CommonName returns the certificate subject common name.
func (id *Identity) CommonName() string {
	return id.Certificate.Subject.CommonName
}

// CertificateDER returns the raw DER certificate bytes.
func (id *Identity) CertificateDER() []byte {
	return id.Certificate.Raw
}

// Fingerprint returns the colon-separated SHA-256 fingerprint of the certificate.
func (id *Identity) Fingerprint() string {
	return CertificateFingerprint(id.Certificate.Raw)
}

// TLSCertificate returns the identity in the form crypto/tls expects.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// ExpiresWithin reports whether the certificate is expired at now or will be
// within d.
func (id *Identity) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(id.Certificate.NotAfter)
}

// MarshalPEM encodes the certificate and PKCS#8 private key as two PEM blocks.
func (id *Identity) MarshalPEM() ([]byte, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: certificatePEMType, Bytes: id.Certificate.Raw}); err != nil {
		return nil, fmt.Errorf("encode certificate PEM: %w", err)
	}
	if err := pem.Encode(&buf, &pem.Block{Type: privateKeyPEMType, Bytes: keyDER}); err != nil {
		return nil, fmt.Errorf("encode private key PEM: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseIdentityPEM decodes an identity written by MarshalPEM and checks that
// the key belongs to the certificate.
func ParseIdentityPEM(raw []byte) (*Identity, error) {
	var (
		cert *x509.Certificate
		key  ed25519.PrivateKey
	)

	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}

		switch block.Type {
		case certificatePEMType:
			parsed, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: parse certificate: %v", ErrInvalidIdentity, err)
			}
			cert = parsed
		case privateKeyPEMType:
			parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: parse private key: %v", ErrInvalidIdentity, err)
			}
			edKey, ok := parsed.(ed25519.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("%w: unexpected private key type %T", ErrInvalidIdentity, parsed)
			}
			key = edKey
		default:
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidIdentity, block.Type)
		}
	}

	if cert == nil || key == nil {
		return nil, fmt.Errorf("%w: certificate and private key are both required", ErrInvalidIdentity)
	}
	certKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || !certKey.Equal(key.Public()) {
		return nil, fmt.Errorf("%w: private key does not match certificate", ErrInvalidIdentity)
	}

	return &Identity{PrivateKey: key, Certificate: cert}, nil
}

// ParseCertificate parses one DER certificate.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

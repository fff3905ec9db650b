package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"devlink/crypto"
)

// tlsConfig builds the transport configuration shared by both directions.
// Any single well-formed certificate is accepted here; whether it is
// trusted is decided by the registry against the pinned certificate.
func tlsConfig(identity *crypto.Identity) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{identity.TLSCertificate()},
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		MinVersion:            tls.VersionTLS12,
		VerifyPeerCertificate: verifySinglePeerCertificate,
	}
}

func verifySinglePeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) != 1 {
		return fmt.Errorf("expected exactly one peer certificate, got %d", len(rawCerts))
	}
	cert, err := crypto.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	if cert.Subject.CommonName == "" {
		return errors.New("peer certificate has no common name")
	}
	return nil
}

func peerCertificate(state tls.ConnectionState) (*x509.Certificate, error) {
	if len(state.PeerCertificates) != 1 {
		return nil, fmt.Errorf("expected exactly one peer certificate, got %d", len(state.PeerCertificates))
	}
	return state.PeerCertificates[0], nil
}

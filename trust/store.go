// Package trust holds this node's identity and the certificates pinned for
// paired peers.
package trust

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"devlink/crypto"
	"devlink/keystore"
)

const (
	peerLabelPrefix = "peer:"
	// DefaultExpiryWarning is how far ahead an expiring identity is reported.
	DefaultExpiryWarning = 30 * 24 * time.Hour
)

var (
	// ErrStorage wraps failures of the underlying keystore.
	ErrStorage = errors.New("trust: storage failure")
	// ErrNotPinned indicates no certificate is pinned for a peer.
	ErrNotPinned = errors.New("trust: no pinned certificate")
)

// Options configures a Store.
type Options struct {
	Keystore keystore.Store
	// NodeID labels the identity in the keystore and becomes the certificate
	// common name.
	NodeID        string
	ExpiryWarning time.Duration
	Logger        *logrus.Logger
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.ExpiryWarning <= 0 {
		out.ExpiryWarning = DefaultExpiryWarning
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Store wraps the keystore with identity and pinning semantics.
type Store struct {
	keys          keystore.Store
	nodeID        string
	expiryWarning time.Duration
	log           *logrus.Logger
	now           func() time.Time

	mu       sync.Mutex
	identity *crypto.Identity
}

// New creates a Store.
func New(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Keystore == nil {
		return nil, errors.New("trust: keystore is required")
	}
	if opts.NodeID == "" {
		return nil, errors.New("trust: node id is required")
	}
	if strings.HasPrefix(opts.NodeID, peerLabelPrefix) {
		return nil, fmt.Errorf("trust: node id must not start with %q", peerLabelPrefix)
	}

	return &Store{
		keys:          opts.Keystore,
		nodeID:        opts.NodeID,
		expiryWarning: opts.ExpiryWarning,
		log:           opts.Logger,
		now:           opts.Now,
	}, nil
}

// NodeID returns the local node id.
func (s *Store) NodeID() string {
	return s.nodeID
}

// Identity returns this node's identity, generating and persisting one on the
// first call. Stored identity material that cannot be decoded is reported as
// an error and left in place.
func (s *Store) Identity() (*crypto.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return s.identity, nil
	}

	raw, err := s.keys.Get(s.nodeID)
	switch {
	case err == nil:
		id, err := crypto.ParseIdentityPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		if id.CommonName() != s.nodeID {
			return nil, fmt.Errorf("load identity: %w: common name %q does not match node id", crypto.ErrInvalidIdentity, id.CommonName())
		}
		s.warnIfExpiring(id)
		s.identity = id
		return id, nil
	case errors.Is(err, keystore.ErrNotFound):
		return s.generateLocked()
	default:
		return nil, fmt.Errorf("%w: read identity: %v", ErrStorage, err)
	}
}

// ResetIdentity discards the current identity and creates a new one. Every
// paired peer will see a different certificate afterwards.
func (s *Store) ResetIdentity() (*crypto.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.keys.Delete(s.nodeID); err != nil {
		return nil, fmt.Errorf("%w: delete identity: %v", ErrStorage, err)
	}
	s.identity = nil

	id, err := s.generateLocked()
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"fingerprint": crypto.ShortFingerprint(id.Fingerprint()),
	}).Warn("identity regenerated")
	return id, nil
}

func (s *Store) generateLocked() (*crypto.Identity, error) {
	id, err := crypto.GenerateIdentity(s.nodeID, s.now())
	if err != nil {
		return nil, err
	}
	raw, err := id.MarshalPEM()
	if err != nil {
		return nil, err
	}
	if err := s.keys.Put(s.nodeID, raw); err != nil {
		return nil, fmt.Errorf("%w: store identity: %v", ErrStorage, err)
	}

	s.identity = id
	s.log.WithFields(logrus.Fields{
		"node_id":     s.nodeID,
		"fingerprint": crypto.ShortFingerprint(id.Fingerprint()),
	}).Info("identity created")
	return id, nil
}

func (s *Store) warnIfExpiring(id *crypto.Identity) {
	now := s.now()
	if !id.ExpiresWithin(now, s.expiryWarning) {
		return
	}
	s.log.WithFields(logrus.Fields{
		"not_after": id.Certificate.NotAfter,
		"expired":   !now.Before(id.Certificate.NotAfter),
	}).Warn("identity certificate expires soon; reset the identity to renew it")
}

// Fingerprint returns the canonical fingerprint of a DER certificate.
func Fingerprint(der []byte) string {
	return crypto.CertificateFingerprint(der)
}

// Pin stores der as the trusted certificate for peerID, replacing any
// previous pin.
func (s *Store) Pin(peerID string, der []byte) error {
	if peerID == "" || len(der) == 0 {
		return errors.New("trust: peer id and certificate are required")
	}
	if err := s.keys.Put(peerLabel(peerID), der); err != nil {
		return fmt.Errorf("%w: pin %q: %v", ErrStorage, peerID, err)
	}
	return nil
}

// PinnedCertificate returns the pinned certificate for peerID or ErrNotPinned.
func (s *Store) PinnedCertificate(peerID string) ([]byte, error) {
	der, err := s.keys.Get(peerLabel(peerID))
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, ErrNotPinned
		}
		return nil, fmt.Errorf("%w: read pin %q: %v", ErrStorage, peerID, err)
	}
	return der, nil
}

// IsPinned reports whether der is byte-identical to the pin for peerID.
func (s *Store) IsPinned(peerID string, der []byte) bool {
	pinned, err := s.PinnedCertificate(peerID)
	if err != nil {
		if !errors.Is(err, ErrNotPinned) {
			s.log.WithFields(logrus.Fields{"peer_id": peerID}).Warnf("pin lookup failed: %v", err)
		}
		return false
	}
	return bytes.Equal(pinned, der)
}

// HasPin reports whether any certificate is pinned for peerID.
func (s *Store) HasPin(peerID string) (bool, error) {
	_, err := s.PinnedCertificate(peerID)
	if errors.Is(err, ErrNotPinned) {
		return false, nil
	}
	return err == nil, err
}

// Unpin removes the pin for peerID. Removing a missing pin succeeds.
func (s *Store) Unpin(peerID string) error {
	if err := s.keys.Delete(peerLabel(peerID)); err != nil {
		return fmt.Errorf("%w: unpin %q: %v", ErrStorage, peerID, err)
	}
	return nil
}

// PinnedPeers lists peer ids that currently have a pin.
func (s *Store) PinnedPeers() ([]string, error) {
	labels, err := s.keys.Labels()
	if err != nil {
		return nil, fmt.Errorf("%w: list pins: %v", ErrStorage, err)
	}
	var peers []string
	for _, label := range labels {
		if id, ok := strings.CutPrefix(label, peerLabelPrefix); ok {
			peers = append(peers, id)
		}
	}
	return peers, nil
}

// PurgeAll removes the identity and every pin. It keeps going after a
// failure and returns all failures combined.
func (s *Store) PurgeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	if err := s.keys.Delete(s.nodeID); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: delete identity: %v", ErrStorage, err))
	}
	s.identity = nil

	if err := s.keys.DeleteAll(func(label string) bool {
		return strings.HasPrefix(label, peerLabelPrefix)
	}); err != nil {
		for _, e := range multierr.Errors(err) {
			errs = multierr.Append(errs, fmt.Errorf("%w: %v", ErrStorage, e))
		}
	}

	if errs != nil {
		s.log.WithFields(logrus.Fields{
			"failures": len(multierr.Errors(errs)),
		}).Warn("trust purge finished with failures")
	}
	return errs
}

func peerLabel(peerID string) string {
	return peerLabelPrefix + peerID
}

package network

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"devlink/crypto"
	"devlink/metrics"
	"devlink/packet"
)

// LinkState represents the lifecycle state of one link.
type LinkState string

const (
	StateReady        LinkState = "READY"
	StateDisconnected LinkState = "DISCONNECTED"
)

// Link is an authenticated packet stream to one peer. Sends are serialised;
// reads must come from a single goroutine.
type Link struct {
	conn   *tls.Conn
	reader *packet.Reader
	writer *packet.Writer

	peer        packet.Identity
	certificate []byte

	writeTimeout time.Duration
	metrics      *metrics.Metrics
	log          *logrus.Logger

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newLink(conn *tls.Conn, reader *packet.Reader, writer *packet.Writer, peer packet.Identity, certificate []byte, opts HandshakeOptions) *Link {
	return &Link{
		conn:         conn,
		reader:       reader,
		writer:       writer,
		peer:         peer,
		certificate:  append([]byte(nil), certificate...),
		writeTimeout: opts.WriteTimeout,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		closed:       make(chan struct{}),
	}
}

// PeerID returns the authenticated device ID of the remote end.
func (l *Link) PeerID() string {
	return l.peer.DeviceID
}

// Peer returns the identity the remote end announced during the handshake.
func (l *Link) Peer() packet.Identity {
	return l.peer
}

// Certificate returns the DER certificate the peer presented.
func (l *Link) Certificate() []byte {
	return append([]byte(nil), l.certificate...)
}

// Fingerprint returns the SHA-256 fingerprint of the peer certificate.
func (l *Link) Fingerprint() string {
	return crypto.CertificateFingerprint(l.certificate)
}

func (l *Link) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// State returns the current link state.
func (l *Link) State() LinkState {
	select {
	case <-l.closed:
		return StateDisconnected
	default:
		return StateReady
	}
}

// Done is closed once the link is shut down.
func (l *Link) Done() <-chan struct{} {
	return l.closed
}

// LastError returns the error that closed the link, if any.
func (l *Link) LastError() error {
	l.errMu.RLock()
	defer l.errMu.RUnlock()
	return l.closeErr
}

// Send writes one packet. Errors wrapping packet.ErrEncode leave the link
// intact; any other failure closes it.
func (l *Link) Send(p *packet.Packet) error {
	if l.State() == StateDisconnected {
		if err := l.LastError(); err != nil {
			return fmt.Errorf("%w: %v", ErrLinkClosed, err)
		}
		return ErrLinkClosed
	}
	if p != nil && p.Type == packet.TypeIdentity {
		return fmt.Errorf("%w: identity is only sent during the handshake", packet.ErrEncode)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
		defer func() { _ = l.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := l.writer.WritePacket(p); err != nil {
		if errors.Is(err, packet.ErrEncode) {
			return err
		}
		l.closeWithError(err)
		return err
	}
	l.metrics.PacketOut(p.Type)
	return nil
}

// ReadPacket returns the next inbound packet. packet.ErrMalformedPacket is
// returned for a single bad line and the link stays open. Any other error
// closes the link; io.EOF means the peer hung up cleanly.
func (l *Link) ReadPacket() (*packet.Packet, error) {
	p, err := l.reader.ReadPacket()
	if err != nil {
		if errors.Is(err, packet.ErrMalformedPacket) {
			return nil, err
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			l.closeWithError(nil)
			return nil, io.EOF
		}
		l.closeWithError(fmt.Errorf("read packet: %w", err))
		return nil, err
	}
	l.metrics.PacketIn(p.Type)
	return p, nil
}

// Discard drops the unread remainder of the last packet's payload.
func (l *Link) Discard() error {
	if err := l.reader.Discard(); err != nil {
		l.closeWithError(err)
		return err
	}
	return nil
}

// Close terminates the link.
func (l *Link) Close() error {
	l.closeWithError(nil)
	return nil
}

func (l *Link) closeWithError(err error) {
	l.closeOnce.Do(func() {
		l.errMu.Lock()
		l.closeErr = err
		l.errMu.Unlock()

		if err != nil {
			l.log.WithFields(logrus.Fields{
				"peer_id": l.peer.DeviceID,
				"remote":  l.conn.RemoteAddr().String(),
			}).Debugf("link closed: %v", err)
		}
		_ = l.conn.Close()
		close(l.closed)
	})
}

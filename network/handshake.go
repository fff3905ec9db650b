package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"devlink/crypto"
	"devlink/metrics"
	"devlink/packet"
)

// HandshakeOptions configures both directions of the link handshake.
type HandshakeOptions struct {
	// Identity is presented as the TLS certificate. Its common name must be
	// Local.DeviceID.
	Identity *crypto.Identity
	// Local is sent to the peer right after TLS completes.
	Local packet.Identity

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	TCPKeepAlive     time.Duration

	ConnectionRateLimitPerIP     int
	ConnectionRateLimitWindow    time.Duration
	OnInboundConnectionRateLimit func(ip string)

	// OnInboundPeer is called once an inbound peer's certificate names it,
	// before the identity exchange. A non-nil result is called if the
	// handshake then fails.
	OnInboundPeer func(peerID string) (failed func(error))

	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.TCPKeepAlive <= 0 {
		out.TCPKeepAlive = DefaultTCPKeepAlive
	}
	if out.ConnectionRateLimitPerIP <= 0 {
		out.ConnectionRateLimitPerIP = DefaultConnectionRateLimitPerIP
	}
	if out.ConnectionRateLimitWindow <= 0 {
		out.ConnectionRateLimitWindow = DefaultConnectionRateLimitWindow
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.Local.ProtocolVersion == 0 {
		out.Local.ProtocolVersion = packet.ProtocolVersion
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity == nil || o.Identity.Certificate == nil {
		return errors.New("local identity is required")
	}
	if o.Local.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.CommonName() != o.Local.DeviceID {
		return fmt.Errorf("identity common name %q does not match device ID %q", o.Identity.CommonName(), o.Local.DeviceID)
	}
	return nil
}

// handshake upgrades raw to TLS, exchanges identity packets and returns the
// resulting link. expectedPeerID is checked when non-empty. raw is closed on
// failure.
func handshake(ctx context.Context, raw net.Conn, client bool, expectedPeerID string, opts HandshakeOptions) (*Link, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	link, err := runHandshake(ctx, raw, client, expectedPeerID, opts)
	if err != nil {
		_ = raw.Close()
		result := "failed"
		if errors.Is(err, ErrUnexpectedPeer) {
			result = "unexpected_peer"
		}
		opts.Metrics.Handshake(result)
		return nil, err
	}
	opts.Metrics.Handshake("ok")
	return link, nil
}

func runHandshake(ctx context.Context, raw net.Conn, client bool, expectedPeerID string, opts HandshakeOptions) (_ *Link, err error) {
	deadline, _ := ctx.Deadline()
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrHandshakeFailed, err)
	}
	// Cancellation unblocks pending reads and writes on raw.
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Now()) })
	defer stop()

	var conn *tls.Conn
	if client {
		conn = tls.Client(raw, tlsConfig(opts.Identity))
	} else {
		conn = tls.Server(raw, tlsConfig(opts.Identity))
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: tls: %v", ErrHandshakeFailed, err)
	}

	cert, err := peerCertificate(conn.ConnectionState())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if !client && opts.OnInboundPeer != nil {
		if failed := opts.OnInboundPeer(cert.Subject.CommonName); failed != nil {
			defer func() {
				if err != nil {
					failed(err)
				}
			}()
		}
	}

	reader := packet.NewReader(conn)
	writer := packet.NewWriter(conn)

	if err := writer.WritePacket(packet.NewIdentityPacket(opts.Local)); err != nil {
		return nil, fmt.Errorf("%w: send identity: %v", ErrHandshakeFailed, err)
	}

	p, err := reader.ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("%w: read identity: %v", ErrHandshakeFailed, err)
	}
	remote, err := packet.ParseIdentity(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if remote.DeviceID != cert.Subject.CommonName {
		return nil, fmt.Errorf("%w: identity %q does not match certificate %q", ErrHandshakeFailed, remote.DeviceID, cert.Subject.CommonName)
	}
	if remote.DeviceID == opts.Local.DeviceID {
		return nil, fmt.Errorf("%w: connected to self", ErrHandshakeFailed)
	}
	if expectedPeerID != "" && remote.DeviceID != expectedPeerID {
		return nil, fmt.Errorf("%w: %w: expected %q, got %q", ErrHandshakeFailed, ErrUnexpectedPeer, expectedPeerID, remote.DeviceID)
	}

	if !stop() {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, ctx.Err())
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: clear deadline: %v", ErrHandshakeFailed, err)
	}

	return newLink(conn, reader, writer, remote, cert.Raw, opts), nil
}

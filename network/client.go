package network

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to address, runs the handshake as the TLS client and returns
// a ready Link. When expectedPeerID is set the remote must identify as that
// device.
func Dial(ctx context.Context, address string, expectedPeerID string, options HandshakeOptions) (*Link, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{
		Timeout:   opts.HandshakeTimeout,
		KeepAlive: opts.TCPKeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		opts.Metrics.Dial("unreachable")
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	link, err := handshake(ctx, conn, true, expectedPeerID, opts)
	if err != nil {
		opts.Metrics.Dial("handshake_failed")
		return nil, err
	}
	opts.Metrics.Dial("ok")
	return link, nil
}

package network

import (
	"errors"
	"time"
)

const (
	// DefaultHandshakeTimeout bounds TCP connect, TLS and identity exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds one packet write on an established link.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultTCPKeepAlive is the OS-level keepalive period for links.
	DefaultTCPKeepAlive = 30 * time.Second
	// DefaultConnectionRateLimitWindow is the per-IP accept window.
	DefaultConnectionRateLimitWindow = 10 * time.Second
	// DefaultConnectionRateLimitPerIP caps inbound connections per IP per window.
	DefaultConnectionRateLimitPerIP = 20
)

var (
	// ErrHandshakeFailed indicates the TLS or identity exchange did not
	// complete. The in-progress session is discarded.
	ErrHandshakeFailed = errors.New("network: handshake failed")
	// ErrUnexpectedPeer indicates a dialed peer identified as someone else.
	ErrUnexpectedPeer = errors.New("network: unexpected peer")
	// ErrLinkClosed indicates the link is no longer usable.
	ErrLinkClosed = errors.New("network: link closed")
)

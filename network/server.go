package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

const rateLimitCacheSize = 1024

// Server accepts inbound TCP connections and upgrades them to Links.
type Server struct {
	listener net.Listener
	options  HandshakeOptions
	limiter  *ipRateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	incoming chan *Link
	errs     chan error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address (":0" when empty) and starts accepting. Links that
// complete the handshake arrive on Incoming.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	lc := net.ListenConfig{KeepAlive: opts.TCPKeepAlive}
	listener, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	if tcp, ok := listener.Addr().(*net.TCPAddr); ok && opts.Local.TCPPort == 0 {
		opts.Local.TCPPort = tcp.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  opts,
		limiter:  newIPRateLimiter(opts.ConnectionRateLimitPerIP, opts.ConnectionRateLimitWindow),
		ctx:      ctx,
		cancel:   cancel,
		incoming: make(chan *Link, 16),
		errs:     make(chan error, 16),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted, authenticated links.
func (s *Server) Incoming() <-chan *Link {
	return s.incoming
}

// Errors reports accept and handshake failures.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels. In-flight
// handshakes are aborted and links nobody received are closed.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		for link := range s.incoming {
			_ = link.Close()
		}
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		ip := remoteIP(conn.RemoteAddr())
		if !s.limiter.Allow(ip) {
			_ = conn.Close()
			s.options.Logger.WithField("ip", ip).Warn("inbound connection rate limited")
			s.options.Metrics.Handshake("rate_limited")
			if s.options.OnInboundConnectionRateLimit != nil {
				s.options.OnInboundConnectionRateLimit(ip)
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	link, err := handshake(s.ctx, conn, false, "", s.options)
	if err != nil {
		s.options.Logger.WithFields(logrus.Fields{
			"remote": conn.RemoteAddr().String(),
		}).Debugf("inbound handshake failed: %v", err)
		s.reportError(fmt.Errorf("inbound handshake from %s: %w", conn.RemoteAddr(), err))
		return
	}

	select {
	case s.incoming <- link:
	case <-s.ctx.Done():
		_ = link.Close()
	}
}

// reportError never blocks; errors are dropped when nobody reads Errors.
func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// ipRateLimiter admits at most limit connections per IP in each fixed
// window. Entries expire with the window.
type ipRateLimiter struct {
	limit int
	mu    sync.Mutex
	seen  *expirable.LRU[string, *ipWindow]
}

type ipWindow struct {
	count int
}

func newIPRateLimiter(limit int, window time.Duration) *ipRateLimiter {
	return &ipRateLimiter{
		limit: limit,
		seen:  expirable.NewLRU[string, *ipWindow](rateLimitCacheSize, nil, window),
	}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.seen.Get(ip)
	if !ok {
		l.seen.Add(ip, &ipWindow{count: 1})
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

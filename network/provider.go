package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"devlink/crypto"
	"devlink/discovery"
	"devlink/dispatch"
	"devlink/metrics"
	"devlink/packet"
	"devlink/registry"
)

const (
	// DefaultDialThrottle is the minimum spacing between automatic dials to
	// the same peer.
	DefaultDialThrottle = 5 * time.Second
	// DefaultVisibleTTL removes unpaired peers that stopped announcing.
	DefaultVisibleTTL = 60 * time.Second

	dialThrottleCacheSize = 512
)

var errProviderNotStarted = errors.New("network: provider not started")

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	Identity *crypto.Identity
	// Local carries the advertised name and class. DeviceID defaults to the
	// identity common name and TCPPort is filled in from the listener.
	Local packet.Identity

	Registry *registry.Registry
	Router   *dispatch.Router

	ListenAddress string

	DisableUDP             bool
	DiscoveryPort          int
	DiscoveryListenAddress string
	DiscoveryTargets       []string
	DiscoveryInterval      time.Duration

	DisableMDNS bool

	HandshakeTimeout time.Duration
	DialThrottle     time.Duration
	VisibleTTL       time.Duration
	SweepInterval    time.Duration

	Metrics *metrics.Metrics
	Logger  *logrus.Logger
}

func (o ProviderOptions) withDefaults() ProviderOptions {
	out := o
	if out.Local.DeviceID == "" && out.Identity != nil {
		out.Local.DeviceID = out.Identity.CommonName()
	}
	if out.DialThrottle <= 0 {
		out.DialThrottle = DefaultDialThrottle
	}
	if out.VisibleTTL <= 0 {
		out.VisibleTTL = DefaultVisibleTTL
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.VisibleTTL / 2
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

// Provider owns the listener and discovery sources, feeds what they see into
// the registry and runs one read loop per authenticated link.
type Provider struct {
	options   ProviderOptions
	handshake HandshakeOptions
	reg       *registry.Registry
	router    *dispatch.Router
	log       *logrus.Logger

	server *Server
	udp    *discovery.UDPDiscovery
	mdns   *discovery.MDNS

	throttle *expirable.LRU[string, struct{}]

	linksMu sync.Mutex
	links   map[*Link]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewProvider validates options and returns an unstarted Provider.
func NewProvider(options ProviderOptions) (*Provider, error) {
	opts := options.withDefaults()
	if opts.Registry == nil {
		return nil, errors.New("network: registry is required")
	}
	if opts.Router == nil {
		return nil, errors.New("network: router is required")
	}

	hs := HandshakeOptions{
		Identity:         opts.Identity,
		Local:            opts.Local,
		HandshakeTimeout: opts.HandshakeTimeout,
		Metrics:          opts.Metrics,
		Logger:           opts.Logger,
	}.withDefaults()
	if err := hs.validateIdentity(); err != nil {
		return nil, err
	}

	p := &Provider{
		options:   opts,
		handshake: hs,
		reg:       opts.Registry,
		router:    opts.Router,
		log:       opts.Logger,
		throttle:  expirable.NewLRU[string, struct{}](dialThrottleCacheSize, nil, opts.DialThrottle),
		links:     make(map[*Link]struct{}),
	}
	p.handshake.OnInboundPeer = p.inboundHandshake
	return p, nil
}

// Start listens for links and starts discovery. A discovery source that
// fails to start is logged and skipped.
func (p *Provider) Start() error {
	if p.ctx != nil {
		return nil
	}

	server, err := Listen(p.options.ListenAddress, p.handshake)
	if err != nil {
		return err
	}
	p.server = server
	if tcp, ok := server.Addr().(*net.TCPAddr); ok {
		p.handshake.Local.TCPPort = tcp.Port
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.serverLoop()

	if !p.options.DisableUDP {
		udp, err := discovery.StartUDP(discovery.UDPConfig{
			ListenAddress: p.options.DiscoveryListenAddress,
			Port:          p.options.DiscoveryPort,
			Targets:       p.options.DiscoveryTargets,
			Interval:      p.options.DiscoveryInterval,
			Self:          p.handshake.Local,
			Logger:        p.log,
		})
		if err != nil {
			p.log.Warnf("udp discovery unavailable: %v", err)
		} else {
			p.udp = udp
			p.wg.Add(1)
			go p.discoveryLoop(udp.Events())
		}
	}

	if !p.options.DisableMDNS {
		mdns, err := discovery.StartMDNS(discovery.Config{
			SelfDeviceID:   p.handshake.Local.DeviceID,
			DeviceName:     p.handshake.Local.DeviceName,
			DeviceClass:    p.handshake.Local.DeviceClass,
			ListeningPort:  p.handshake.Local.TCPPort,
			KeyFingerprint: p.options.Identity.Fingerprint(),
			Logger:         p.log,
		})
		if err != nil {
			p.log.Warnf("mdns discovery unavailable: %v", err)
		} else {
			p.mdns = mdns
			p.wg.Add(1)
			go p.discoveryLoop(mdns.Events())
		}
	}

	p.wg.Add(1)
	go p.sweepLoop()

	p.log.WithFields(logrus.Fields{
		"addr":      server.Addr().String(),
		"device_id": p.handshake.Local.DeviceID,
	}).Info("link provider started")
	return nil
}

// Stop shuts down discovery, the listener and every link.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			return
		}

		p.cancel()
		if p.server != nil {
			_ = p.server.Close()
		}
		if p.udp != nil {
			p.udp.Stop()
		}
		if p.mdns != nil {
			p.mdns.Stop()
		}

		p.linksMu.Lock()
		for link := range p.links {
			_ = link.Close()
		}
		p.linksMu.Unlock()

		p.wg.Wait()
	})
}

// Addr returns the listening address.
func (p *Provider) Addr() net.Addr {
	if p.server == nil {
		return nil
	}
	return p.server.Addr()
}

// ReachableAddresses lists host:port pairs on which this node can be dialed,
// one per non-loopback interface address.
func (p *Provider) ReachableAddresses() ([]string, error) {
	if p.server == nil {
		return nil, errProviderNotStarted
	}
	port := p.handshake.Local.TCPPort

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}
	var out []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, net.JoinHostPort(ipNet.IP.String(), strconv.Itoa(port)))
	}
	sort.Strings(out)
	return out, nil
}

// Pair asks to pair with a visible peer and dials it if no link exists yet.
func (p *Provider) Pair(peerID string) error {
	target, due, err := p.reg.RequestPair(peerID)
	if err != nil {
		return err
	}
	if due {
		p.startDial(target)
	}
	return nil
}

// Unpair removes a peer's pin and record and closes its link.
func (p *Provider) Unpair(peerID string) error {
	return p.reg.Unpair(peerID)
}

// AcceptTrust resolves a pending pairing prompt positively.
func (p *Provider) AcceptTrust(peerID string) error {
	return p.reg.AcceptTrust(peerID)
}

// DeclineTrust resolves a pending pairing prompt negatively.
func (p *Provider) DeclineTrust(peerID string) error {
	return p.reg.DeclineTrust(peerID)
}

// Send writes a packet to a connected paired peer.
func (p *Provider) Send(peerID string, pkt *packet.Packet) error {
	return p.reg.Send(peerID, pkt)
}

// RefreshDiscovery announces this node now, re-browses mDNS and lifts dial
// throttling so that peers seen next are dialed immediately.
func (p *Provider) RefreshDiscovery(ctx context.Context) error {
	if p.ctx == nil {
		return errProviderNotStarted
	}
	p.throttle.Purge()

	var errs error
	if p.udp != nil {
		p.udp.Announce()
	}
	if p.mdns != nil {
		if err := p.mdns.Refresh(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("mdns refresh: %w", err))
		}
	}
	return errs
}

// Connect dials address directly and attaches the resulting link. It is
// used for peers that discovery cannot reach.
func (p *Provider) Connect(ctx context.Context, address string) (*Link, error) {
	if p.ctx == nil {
		return nil, errProviderNotStarted
	}
	link, err := Dial(ctx, address, "", p.handshake)
	if err != nil {
		return nil, err
	}
	if err := p.attach(link); err != nil {
		return nil, err
	}
	return link, nil
}

func (p *Provider) serverLoop() {
	defer p.wg.Done()
	for {
		select {
		case link, ok := <-p.server.Incoming():
			if !ok {
				return
			}
			_ = p.attach(link)
		case err, ok := <-p.server.Errors():
			if !ok {
				return
			}
			p.log.Debugf("server: %v", err)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Provider) discoveryLoop(events <-chan discovery.Event) {
	defer p.wg.Done()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			p.handleDiscovery(event)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Provider) handleDiscovery(event discovery.Event) {
	peer := event.Peer
	switch event.Type {
	case discovery.EventPeerRemoved:
		if p.reg.Forget(peer.DeviceID) {
			p.log.WithFields(logrus.Fields{"peer_id": peer.DeviceID, "source": peer.Source}).Debug("peer left")
		}
	case discovery.EventPeerUpserted:
		target, due := p.reg.Observe(registry.Announcement{
			PeerID:      peer.DeviceID,
			DisplayName: peer.DeviceName,
			Class:       registry.ParseDeviceClass(peer.DeviceClass),
			Address:     preferredAddress(peer.Addresses),
			Port:        peer.Port,
			Source:      peer.Source,
		})
		if !due {
			return
		}
		if _, throttled := p.throttle.Get(target.PeerID); throttled {
			return
		}
		p.startDial(target)
	}
}

func (p *Provider) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if expired := p.reg.ExpireVisible(p.options.VisibleTTL); len(expired) > 0 {
				p.log.WithField("peers", expired).Debug("expired stale visible peers")
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Provider) startDial(target registry.DialTarget) {
	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	p.throttle.Add(target.PeerID, struct{}{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dial(target)
	}()
}

func (p *Provider) dial(target registry.DialTarget) {
	if !p.reg.BeginHandshake(target.PeerID) {
		return
	}

	link, err := Dial(p.ctx, target.Address, target.PeerID, p.handshake)
	if err != nil {
		p.reg.HandshakeFailed(target.PeerID, err)
		return
	}
	_ = p.attach(link)
}

// inboundHandshake moves a known peer to handshaking while an accepted
// connection finishes its identity exchange.
func (p *Provider) inboundHandshake(peerID string) func(error) {
	if !p.reg.BeginHandshake(peerID) {
		return nil
	}
	return func(err error) { p.reg.HandshakeFailed(peerID, err) }
}

// attach hands link to the registry and, unless refused, starts its read
// loop.
func (p *Provider) attach(link *Link) error {
	peer := link.Peer()
	outcome, err := p.reg.Attach(registry.Handshake{
		PeerID:      peer.DeviceID,
		DisplayName: peer.DeviceName,
		Class:       registry.ParseDeviceClass(peer.DeviceClass),
		Port:        peer.TCPPort,
		Certificate: link.Certificate(),
		Stream:      link,
	})
	fields := logrus.Fields{"peer_id": peer.DeviceID, "remote": link.RemoteAddr().String()}
	if err != nil {
		p.log.WithFields(fields).Warnf("link refused: %v", err)
		return err
	}
	p.log.WithFields(fields).Debugf("link attached: %s", outcome)

	p.linksMu.Lock()
	if p.ctx.Err() != nil {
		p.linksMu.Unlock()
		_ = link.Close()
		p.reg.Detach(peer.DeviceID, link)
		return context.Canceled
	}
	p.links[link] = struct{}{}
	p.linksMu.Unlock()

	p.wg.Add(1)
	go p.readLoop(link)
	return nil
}

func (p *Provider) readLoop(link *Link) {
	defer p.wg.Done()

	peerID := link.PeerID()
	fields := logrus.Fields{"peer_id": peerID}
	defer func() {
		p.linksMu.Lock()
		delete(p.links, link)
		p.linksMu.Unlock()
		p.reg.Detach(peerID, link)
	}()

	for {
		pkt, err := link.ReadPacket()
		if err != nil {
			if errors.Is(err, packet.ErrMalformedPacket) {
				p.log.WithFields(fields).Debugf("drop packet: %v", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				p.log.WithFields(fields).Debugf("link read: %v", err)
			}
			return
		}

		switch {
		case pkt.Type == packet.TypePair:
			p.reg.HandlePair(peerID, link, pkt.Body.Bool("pair"))
		case pkt.Type == packet.TypeIdentity:
			p.log.WithFields(fields).Debug("drop identity packet after handshake")
		case p.reg.Deliverable(peerID, link, pkt.Type):
			p.router.Deliver(peerID, pkt)
		default:
			p.log.WithFields(logrus.Fields{"peer_id": peerID, "type": pkt.Type}).Debug("drop packet from untrusted or disabled link")
		}

		if err := link.Discard(); err != nil {
			p.log.WithFields(fields).Debugf("discard payload: %v", err)
			return
		}
	}
}

// preferredAddress picks the first IPv4 address, falling back to the first
// address of any family.
func preferredAddress(addresses []string) string {
	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return addr
		}
	}
	if len(addresses) > 0 {
		return addresses[0]
	}
	return ""
}

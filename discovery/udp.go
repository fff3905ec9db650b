package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"devlink/packet"
)

const (
	// DefaultUDPPort is the well-known identity broadcast port.
	DefaultUDPPort = 1716
	// DefaultAnnounceInterval spaces periodic identity broadcasts.
	DefaultAnnounceInterval = 5 * time.Second
	// maxDatagramSize bounds one identity datagram.
	maxDatagramSize = 64 * 1024
)

// UDPConfig controls the broadcast announcer and listener.
type UDPConfig struct {
	// ListenAddress defaults to ":<Port>".
	ListenAddress string
	Port          int
	// Targets receive every announcement. Defaults to the IPv4 limited
	// broadcast address on Port.
	Targets  []string
	Interval time.Duration
	Self     packet.Identity
	Logger   *logrus.Logger
}

func (c UDPConfig) withDefaults() UDPConfig {
	out := c
	if out.Port <= 0 {
		out.Port = DefaultUDPPort
	}
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(out.Port)
	}
	if len(out.Targets) == 0 {
		out.Targets = []string{net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(out.Port))}
	}
	if out.Interval <= 0 {
		out.Interval = DefaultAnnounceInterval
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

// UDPDiscovery periodically broadcasts this node's identity and reports
// identities heard from other nodes.
type UDPDiscovery struct {
	cfg     UDPConfig
	log     *logrus.Logger
	conn    net.PacketConn
	targets []net.Addr

	events   chan Event
	announce chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// StartUDP binds the discovery socket and starts both loops.
func StartUDP(config UDPConfig) (*UDPDiscovery, error) {
	cfg := config.withDefaults()
	if cfg.Self.DeviceID == "" {
		return nil, errors.New("self device ID is required")
	}

	targets := make([]net.Addr, 0, len(cfg.Targets))
	for _, target := range cfg.Targets {
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			return nil, fmt.Errorf("resolve discovery target %q: %w", target, err)
		}
		targets = append(targets, addr)
	}

	conn, err := net.ListenPacket("udp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen discovery socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &UDPDiscovery{
		cfg:      cfg,
		log:      cfg.Logger,
		conn:     conn,
		targets:  targets,
		events:   make(chan Event, 128),
		announce: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	d.wg.Add(2)
	go d.listenLoop()
	go d.announceLoop()
	return d, nil
}

// Events provides identities heard on the network.
func (d *UDPDiscovery) Events() <-chan Event {
	return d.events
}

// LocalAddr returns the bound discovery socket address.
func (d *UDPDiscovery) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Announce requests an immediate broadcast.
func (d *UDPDiscovery) Announce() {
	select {
	case d.announce <- struct{}{}:
	default:
	}
}

// Stop closes the socket and waits for both loops.
func (d *UDPDiscovery) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		_ = d.conn.Close()
		d.wg.Wait()
		close(d.events)
	})
}

func (d *UDPDiscovery) announceLoop() {
	defer d.wg.Done()

	d.sendAnnouncement()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sendAnnouncement()
		case <-d.announce:
			d.sendAnnouncement()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *UDPDiscovery) sendAnnouncement() {
	datagram, err := packet.Encode(packet.NewIdentityPacket(d.cfg.Self))
	if err != nil {
		d.log.Errorf("encode identity announcement: %v", err)
		return
	}

	for _, target := range d.targets {
		if _, err := d.conn.WriteTo(datagram, target); err != nil {
			if d.ctx.Err() != nil {
				return
			}
			d.log.WithFields(logrus.Fields{
				"target": target.String(),
			}).Debugf("send identity announcement: %v", err)
		}
	}
}

func (d *UDPDiscovery) listenLoop() {
	defer d.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := d.conn.ReadFrom(buf)
		if err != nil {
			if d.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			d.log.Warnf("read discovery datagram: %v", err)
			continue
		}

		peer, ok := d.parseDatagram(buf[:n], from)
		if !ok {
			continue
		}

		select {
		case d.events <- Event{Type: EventPeerUpserted, Peer: peer}:
		default:
			d.log.WithFields(logrus.Fields{"peer_id": peer.DeviceID}).Debug("discovery event dropped, consumer is behind")
		}
	}
}

func (d *UDPDiscovery) parseDatagram(datagram []byte, from net.Addr) (DiscoveredPeer, bool) {
	fields := logrus.Fields{"from": from.String()}

	p, err := packet.Decode(datagram)
	if err != nil {
		d.log.WithFields(fields).Debugf("drop discovery datagram: %v", err)
		return DiscoveredPeer{}, false
	}
	id, err := packet.ParseIdentity(p)
	if err != nil {
		d.log.WithFields(fields).Debugf("drop discovery datagram: %v", err)
		return DiscoveredPeer{}, false
	}
	if id.DeviceID == d.cfg.Self.DeviceID {
		return DiscoveredPeer{}, false
	}
	if id.TCPPort == 0 {
		d.log.WithFields(fields).Debug("drop discovery datagram without tcpPort")
		return DiscoveredPeer{}, false
	}

	var addresses []string
	if udpAddr, ok := from.(*net.UDPAddr); ok {
		addresses = []string{udpAddr.IP.String()}
	}

	return DiscoveredPeer{
		DeviceID:    id.DeviceID,
		DeviceName:  id.DeviceName,
		DeviceClass: id.DeviceClass,
		Version:     id.ProtocolVersion,
		Port:        id.TCPPort,
		Addresses:   addresses,
		Source:      SourceUDP,
		LastSeen:    time.Now(),
	}, true
}

package discovery

import (
	"cmp"
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its advert changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer stops answering.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates from either source.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

const (
	SourceUDP  = "udp"
	SourceMDNS = "mdns"
)

// DiscoveredPeer is one advertised LAN endpoint.
type DiscoveredPeer struct {
	DeviceID       string
	DeviceName     string
	DeviceClass    string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	Source         string
	LastSeen       time.Time
}

func (p DiscoveredPeer) sameAdvert(other DiscoveredPeer) bool {
	return p.DeviceID == other.DeviceID &&
		p.DeviceName == other.DeviceName &&
		p.DeviceClass == other.DeviceClass &&
		p.KeyFingerprint == other.KeyFingerprint &&
		p.Version == other.Version &&
		p.HostName == other.HostName &&
		p.Port == other.Port &&
		slices.Equal(p.Addresses, other.Addresses)
}

var errScannerStopped = errors.New("peer scanner is stopped")

type trackedPeer struct {
	peer   DiscoveredPeer
	missed int
}

// PeerScanner browses for peers in rounds. A peer is dropped once it has
// been absent from MissedScans complete rounds in a row.
type PeerScanner struct {
	cfg    Config
	browse browseFunc
	log    *logrus.Entry

	mu    sync.RWMutex
	peers map[string]*trackedPeer

	events chan Event
	kick   chan chan error

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewPeerScanner creates a scanner. It does not browse until Start.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		log:    cfg.Logger.WithField("service", cfg.Service),
		peers:  make(map[string]*trackedPeer),
		events: make(chan Event, 128),
		kick:   make(chan chan error),
	}, nil
}

// Start begins browsing in the background.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.run()
	})
	return nil
}

// Stop ends browsing and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a round now and waits for it to finish.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	done := make(chan error, 1)
	select {
	case s.kick <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errScannerStopped
	}
}

// ListPeers returns the tracked peers ordered by name.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, tracked := range s.peers {
		out = append(out, tracked.peer)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b DiscoveredPeer) int {
		return cmp.Or(cmp.Compare(a.DeviceName, b.DeviceName), cmp.Compare(a.DeviceID, b.DeviceID))
	})
	return out
}

func (s *PeerScanner) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.round()
	for {
		select {
		case <-ticker.C:
			s.round()
		case done := <-s.kick:
			done <- s.round()
		case <-s.ctx.Done():
			return
		}
	}
}

// round browses for one ScanTimeout window and merges what it saw.
func (s *PeerScanner) round() error {
	found, err := s.collect()
	if s.ctx.Err() != nil {
		return errScannerStopped
	}
	if err != nil {
		s.log.Warnf("mDNS browse failed: %v", err)
		return err
	}
	s.merge(found)
	return nil
}

func (s *PeerScanner) collect() (map[string]DiscoveredPeer, error) {
	window, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browsed := make(chan error, 1)
	go func() {
		browsed <- s.browse(window, s.cfg.Service, s.cfg.Domain, entries)
	}()

	found := make(map[string]DiscoveredPeer)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if peer, ok := parseEntry(entry, s.cfg.SelfDeviceID); ok {
				peer.LastSeen = time.Now()
				found[peer.DeviceID] = peer
			}
		case err := <-browsed:
			browsed = nil
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return nil, err
			}
		case <-window.Done():
			return found, nil
		}
	}
}

func (s *PeerScanner) merge(found map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range found {
		tracked, ok := s.peers[id]
		if !ok || !tracked.peer.sameAdvert(peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
		s.peers[id] = &trackedPeer{peer: peer}
	}

	for id, tracked := range s.peers {
		if _, ok := found[id]; ok {
			continue
		}
		tracked.missed++
		if tracked.missed >= s.cfg.MissedScans {
			delete(s.peers, id)
			s.emit(Event{Type: EventPeerRemoved, Peer: tracked.peer})
		}
	}
}

func (s *PeerScanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.log.WithField("peer_id", event.Peer.DeviceID).Debug("mDNS event dropped, consumer is behind")
	}
}

// parseEntry turns a service entry into a peer. Entries without a device id
// and our own advert are rejected.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := parseTXT(entry.Text)

	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}
	version, _ := strconv.Atoi(txt["version"])

	return DiscoveredPeer{
		DeviceID:       deviceID,
		DeviceName:     cmp.Or(unescapeInstance(entry.Instance), strings.TrimSuffix(entry.HostName, "."), deviceID),
		DeviceClass:    txt["device_class"],
		KeyFingerprint: txt["key_fingerprint"],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      entryAddresses(entry.AddrIPv4, entry.AddrIPv6),
		Source:         SourceMDNS,
	}, true
}

// entryAddresses lists IPv4 before IPv6, each sorted, without duplicates.
func entryAddresses(v4, v6 []net.IP) []string {
	var out []string
	for _, family := range [][]net.IP{v4, v6} {
		var addrs []string
		for _, ip := range family {
			if ip != nil {
				addrs = append(addrs, ip.String())
			}
		}
		slices.Sort(addrs)
		out = append(out, slices.Compact(addrs)...)
	}
	return out
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, record := range records {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// unescapeInstance undoes DNS-SD escaping such as "Alice\ Laptop".
func unescapeInstance(instance string) string {
	var b strings.Builder
	escaped := false
	for _, r := range instance {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

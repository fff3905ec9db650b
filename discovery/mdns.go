package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_devlink._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultMissedScans is how many rounds a peer may be absent from.
	DefaultMissedScans = 2
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the mDNS advertiser and scanner.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	MissedScans     int

	SelfDeviceID   string
	DeviceName     string
	DeviceClass    string
	ListeningPort  int
	KeyFingerprint string

	Logger *logrus.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.MissedScans <= 0 {
		out.MissedScans = DefaultMissedScans
	}
	if out.DeviceClass == "" {
		out.DeviceClass = "unknown"
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		"device_id=" + c.SelfDeviceID,
		"device_class=" + c.DeviceClass,
		"version=" + strconv.Itoa(c.Version),
		"key_fingerprint=" + c.KeyFingerprint,
	}
}

// Broadcaster advertises the local listener via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the service record.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop withdraws the service record.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// MDNS pairs the advertiser with the scanner.
type MDNS struct {
	Broadcaster *Broadcaster
	Scanner     *PeerScanner
}

// StartMDNS advertises this node and starts browsing for others.
func StartMDNS(config Config) (*MDNS, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewPeerScanner(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &MDNS{
		Broadcaster: broadcaster,
		Scanner:     scanner,
	}, nil
}

// Events forwards scanner updates.
func (m *MDNS) Events() <-chan Event {
	return m.Scanner.Events()
}

// Refresh runs an immediate browse.
func (m *MDNS) Refresh(ctx context.Context) error {
	return m.Scanner.Refresh(ctx)
}

// Stop stops scanner and advertiser.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	if m.Scanner != nil {
		m.Scanner.Stop()
	}
	if m.Broadcaster != nil {
		m.Broadcaster.Stop()
	}
}

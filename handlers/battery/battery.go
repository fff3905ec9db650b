// Package battery shares battery status with paired peers.
package battery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"devlink/packet"
)

// LowChargeThreshold marks a reading as a low battery event.
const LowChargeThreshold = 10

// DefaultMonitorInterval is how often Monitor polls the local source.
const DefaultMonitorInterval = time.Minute

// Reading is one local battery sample. Present is false on machines without
// a battery; such readings are reported as all zeros.
type Reading struct {
	Charge   int
	Charging bool
	Present  bool
}

// Source reads the local battery.
type Source interface {
	Read() (Reading, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Reading, error)

func (f SourceFunc) Read() (Reading, error) { return f() }

// Sender is the outbound path, normally the dispatch router.
type Sender interface {
	Send(peerID string, p *packet.Packet) error
	Broadcast(ctx context.Context, p *packet.Packet) error
}

// Status is the last battery state a peer reported.
type Status struct {
	Charge         int
	Charging       bool
	ThresholdEvent int
	Updated        time.Time
}

// Low reports whether the peer flagged or reached low charge.
func (s Status) Low() bool {
	return s.ThresholdEvent == 1 || s.Charge < LowChargeThreshold
}

// Options configures a Plugin.
type Options struct {
	Sender Sender
	Source Source
	// OnStatus is called after a peer's status is stored.
	OnStatus func(peerID string, status Status)
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Plugin answers battery requests and records remote battery status.
type Plugin struct {
	sender   Sender
	source   Source
	onStatus func(string, Status)
	log      *logrus.Logger
	now      func() time.Time

	mu       sync.RWMutex
	statuses map[string]Status
	last     *Reading
}

// New creates a Plugin.
func New(opts Options) (*Plugin, error) {
	if opts.Sender == nil {
		return nil, errors.New("battery: sender is required")
	}
	if opts.Source == nil {
		opts.Source = SourceFunc(func() (Reading, error) { return Reading{}, nil })
	}
	if opts.OnStatus == nil {
		opts.OnStatus = func(string, Status) {}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Plugin{
		sender:   opts.Sender,
		source:   opts.Source,
		onStatus: opts.OnStatus,
		log:      opts.Logger,
		now:      opts.Now,
		statuses: make(map[string]Status),
	}, nil
}

func (p *Plugin) PacketTypes() []string {
	return []string{packet.TypeBattery, packet.TypeBatteryRequest}
}

// Handle stores a remote status or answers a status request.
func (p *Plugin) Handle(peerID string, pkt *packet.Packet) (bool, error) {
	switch pkt.Type {
	case packet.TypeBatteryRequest:
		p.log.WithFields(logrus.Fields{"peer_id": peerID}).Debug("battery status requested")
		return true, p.SendStatus(peerID)
	case packet.TypeBattery:
		status := Status{
			Charge:         int(pkt.Body.Int("currentCharge")),
			Charging:       pkt.Body.Bool("isCharging"),
			ThresholdEvent: int(pkt.Body.Int("thresholdEvent")),
			Updated:        p.now(),
		}
		p.mu.Lock()
		p.statuses[peerID] = status
		p.mu.Unlock()

		p.log.WithFields(logrus.Fields{
			"peer_id":  peerID,
			"charge":   status.Charge,
			"charging": status.Charging,
		}).Debug("battery status received")
		p.onStatus(peerID, status)
		return true, nil
	default:
		return false, nil
	}
}

// Status returns the last status peerID reported.
func (p *Plugin) Status(peerID string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status, ok := p.statuses[peerID]
	return status, ok
}

// Forget drops the stored status of a peer, typically on unpair.
func (p *Plugin) Forget(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.statuses, peerID)
}

// PeerConnected exchanges status with a newly connected peer.
func (p *Plugin) PeerConnected(peerID string) error {
	return multierr.Combine(p.RequestStatus(peerID), p.SendStatus(peerID))
}

// RequestStatus asks peerID for its current battery status.
func (p *Plugin) RequestStatus(peerID string) error {
	req := packet.New(packet.TypeBatteryRequest)
	req.Body.SetBool("request", true)
	return p.sender.Send(peerID, req)
}

// SendStatus sends the local reading to peerID.
func (p *Plugin) SendStatus(peerID string) error {
	reading, err := p.read()
	if err != nil {
		return err
	}
	return p.sender.Send(peerID, statusPacket(reading))
}

// BroadcastStatus sends the local reading to every connected peer.
func (p *Plugin) BroadcastStatus(ctx context.Context) error {
	reading, err := p.read()
	if err != nil {
		return err
	}
	return p.sender.Broadcast(ctx, statusPacket(reading))
}

// Monitor polls the source every interval and broadcasts when the reading
// changes. It returns when ctx is done.
func (p *Plugin) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.broadcastIfChanged(ctx); err != nil && ctx.Err() == nil {
			p.log.Warnf("broadcast battery status: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Plugin) broadcastIfChanged(ctx context.Context) error {
	reading, err := p.read()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.last != nil && *p.last == reading {
		p.mu.Unlock()
		return nil
	}
	p.last = &reading
	p.mu.Unlock()

	return p.sender.Broadcast(ctx, statusPacket(reading))
}

func (p *Plugin) read() (Reading, error) {
	reading, err := p.source.Read()
	if err != nil {
		return Reading{}, err
	}
	if !reading.Present {
		return Reading{}, nil
	}
	if reading.Charge < 0 {
		reading.Charge = 0
	}
	if reading.Charge > 100 {
		reading.Charge = 100
	}
	return reading, nil
}

func statusPacket(r Reading) *packet.Packet {
	threshold := int64(0)
	if r.Present && r.Charge < LowChargeThreshold {
		threshold = 1
	}
	p := packet.New(packet.TypeBattery)
	p.Body.SetInt("currentCharge", int64(r.Charge))
	p.Body.SetBool("isCharging", r.Charging)
	p.Body.SetInt("thresholdEvent", threshold)
	return p
}

package registry

import (
	"errors"
	"net"
	"strings"
	"time"

	"devlink/packet"
	"devlink/storage"
)

var (
	// ErrPeerNotConnected indicates the peer has no live authenticated stream.
	ErrPeerNotConnected = errors.New("registry: peer not connected")
	// ErrWrite wraps a transport failure while sending to a peer.
	ErrWrite = errors.New("registry: write failed")
	// ErrTrustMismatch indicates a paired peer presented a certificate other
	// than the pinned one.
	ErrTrustMismatch = errors.New("registry: certificate does not match pin")
	// ErrUnknownPeer indicates no session exists for the peer id.
	ErrUnknownPeer = errors.New("registry: unknown peer")
	// ErrNoPendingTrust indicates no trust decision is outstanding.
	ErrNoPendingTrust = errors.New("registry: no pending trust decision")
	// ErrAlreadyPaired indicates a pair request for a connected paired peer.
	ErrAlreadyPaired = errors.New("registry: peer already paired")
	// ErrClosed indicates the registry has been shut down.
	ErrClosed = errors.New("registry: closed")
)

// State is a peer session lifecycle state.
type State string

const (
	StateDiscovered         State = "discovered"
	StateHandshaking        State = "handshaking"
	StateAwaitingTrust      State = "awaiting_trust"
	StatePairedConnected    State = "paired_connected"
	StatePairedDisconnected State = "paired_disconnected"
)

// List is one of the derived peer lists surfaced to the UI.
type List string

const (
	ListConnected List = "connected"
	ListVisible   List = "visible"
	ListSaved     List = "saved"
)

// DeviceClass describes the kind of remote device.
type DeviceClass string

const (
	ClassDesktop DeviceClass = storage.DeviceClassDesktop
	ClassLaptop  DeviceClass = storage.DeviceClassLaptop
	ClassPhone   DeviceClass = storage.DeviceClassPhone
	ClassTablet  DeviceClass = storage.DeviceClassTablet
	ClassTV      DeviceClass = storage.DeviceClassTV
	ClassUnknown DeviceClass = storage.DeviceClassUnknown
)

// ParseDeviceClass maps an advertised class to a known DeviceClass.
func ParseDeviceClass(raw string) DeviceClass {
	switch DeviceClass(strings.ToLower(strings.TrimSpace(raw))) {
	case ClassDesktop:
		return ClassDesktop
	case ClassLaptop:
		return ClassLaptop
	case ClassPhone, "smartphone":
		return ClassPhone
	case ClassTablet:
		return ClassTablet
	case ClassTV:
		return ClassTV
	default:
		return ClassUnknown
	}
}

// Stream is a live authenticated link to one peer.
type Stream interface {
	Send(p *packet.Packet) error
	Close() error
	Done() <-chan struct{}
	RemoteAddr() net.Addr
}

// TrustStore is the subset of trust.Store the registry relies on.
type TrustStore interface {
	PinnedCertificate(peerID string) ([]byte, error)
	Pin(peerID string, der []byte) error
	Unpin(peerID string) error
}

// PeerStore persists paired peers. *storage.Store satisfies it.
type PeerStore interface {
	SavePeer(peer storage.Peer) error
	ListPeers() ([]storage.Peer, error)
	RemovePeer(peerID string) error
	UpdatePeerEndpoint(peerID, ip string, port int, lastSeenTimestamp int64) error
	UpdatePeerDisplayName(peerID, displayName string) error
	SetPacketTypeEnabled(peerID, packetType string, enabled bool) error
	PacketTypeSettings(peerID string) (map[string]bool, error)
	RecordSecurityEvent(eventType, peerID, severity string, details map[string]any) error
}

// Announcement is one discovery observation of a peer.
type Announcement struct {
	PeerID      string
	DisplayName string
	Class       DeviceClass
	Address     string
	Port        int
	Source      string
}

// DialTarget is returned when a peer should be dialed.
type DialTarget struct {
	PeerID  string
	Address string
}

// Handshake describes a completed transport handshake.
type Handshake struct {
	PeerID      string
	DisplayName string
	Class       DeviceClass
	// Port is the peer's advertised listening port, zero when unknown.
	Port        int
	Certificate []byte
	Stream      Stream
}

// Outcome is the result of attaching a handshaked stream.
type Outcome int

const (
	OutcomeConnected Outcome = iota + 1
	OutcomeAwaitingTrust
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnected:
		return "connected"
	case OutcomeAwaitingTrust:
		return "awaiting_trust"
	default:
		return "unknown"
	}
}

// Peer is a point-in-time copy of a session.
type Peer struct {
	ID                 string
	DisplayName        string
	Class              DeviceClass
	State              State
	Paired             bool
	Fingerprint        string
	PendingFingerprint string
	Address            string
	Port               int
	Source             string
	LastSeen           time.Time
	PairRequested      bool
	PacketTypes        map[string]bool
}

// List reports which derived list the peer belongs to.
func (p Peer) List() List {
	switch {
	case p.State == StatePairedConnected:
		return ListConnected
	case p.Paired:
		return ListSaved
	default:
		return ListVisible
	}
}

// Events receives UI-facing notifications. Callbacks run without the
// registry lock held and may call back into the registry.
type Events struct {
	OnPeerDiscovered         func(peer Peer)
	OnTrustDecisionRequested func(peerID, fingerprint string)
	OnPeerPaired             func(peer Peer)
	OnPeerUnpaired           func(peerID string)
	OnPeerConnected          func(peer Peer)
	OnPeerDisconnected       func(peer Peer)
	OnTrustDeclined          func(peerID string)
	OnTrustMismatch          func(peerID, fingerprint string)
}

func (e Events) withDefaults() Events {
	out := e
	if out.OnPeerDiscovered == nil {
		out.OnPeerDiscovered = func(Peer) {}
	}
	if out.OnTrustDecisionRequested == nil {
		out.OnTrustDecisionRequested = func(string, string) {}
	}
	if out.OnPeerPaired == nil {
		out.OnPeerPaired = func(Peer) {}
	}
	if out.OnPeerUnpaired == nil {
		out.OnPeerUnpaired = func(string) {}
	}
	if out.OnPeerConnected == nil {
		out.OnPeerConnected = func(Peer) {}
	}
	if out.OnPeerDisconnected == nil {
		out.OnPeerDisconnected = func(Peer) {}
	}
	if out.OnTrustDeclined == nil {
		out.OnTrustDeclined = func(string) {}
	}
	if out.OnTrustMismatch == nil {
		out.OnTrustMismatch = func(string, string) {}
	}
	return out
}

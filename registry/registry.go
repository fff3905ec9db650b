// Package registry tracks one session per known peer and drives the pairing
// state machine: discovery, handshake, trust decision, connection and unpair.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"devlink/packet"
	"devlink/storage"
	"devlink/trust"
)

// DefaultTrustDecisionTimeout bounds how long a pairing prompt stays open.
const DefaultTrustDecisionTimeout = 30 * time.Second

// Options configures a Registry.
type Options struct {
	Trust TrustStore
	// Store persists paired peers. Nil keeps everything in memory.
	Store                PeerStore
	TrustDecisionTimeout time.Duration
	Events               Events
	Logger               *logrus.Logger
	Now                  func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Store == nil {
		out.Store = nopPeerStore{}
	}
	if out.TrustDecisionTimeout <= 0 {
		out.TrustDecisionTimeout = DefaultTrustDecisionTimeout
	}
	out.Events = out.Events.withDefaults()
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

type session struct {
	id    string
	name  string
	class DeviceClass
	state State
	// prior is the state to restore when a handshake fails.
	prior State

	paired      bool
	fingerprint string

	host     string
	port     int
	source   string
	lastSeen time.Time

	pairRequested bool
	stream        Stream

	trustTimer *time.Timer
	trustGen   uint64
	// accepting is set while AcceptTrust writes the pin.
	accepting  bool

	packetTypes map[string]bool
}

// Registry owns every peer session. A single mutex guards all session
// state; collaborator callbacks and stream I/O run after it is released.
type Registry struct {
	trust   TrustStore
	store   PeerStore
	pending *trust.Pending
	timeout time.Duration
	events  Events
	log     *logrus.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New creates an empty Registry.
func New(opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	if opts.Trust == nil {
		return nil, errors.New("registry: trust store is required")
	}

	return &Registry{
		trust:    opts.Trust,
		store:    opts.Store,
		pending:  trust.NewPending(),
		timeout:  opts.TrustDecisionTimeout,
		events:   opts.Events,
		log:      opts.Logger,
		now:      opts.Now,
		sessions: make(map[string]*session),
	}, nil
}

// Load restores paired peers from the store as disconnected sessions.
func (r *Registry) Load() error {
	peers, err := r.store.ListPeers()
	if err != nil {
		return fmt.Errorf("load paired peers: %w", err)
	}

	var errs error
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range peers {
		s := r.sessionLocked(record.PeerID)
		s.name = record.DisplayName
		s.class = ParseDeviceClass(record.DeviceClass)
		s.paired = true
		s.fingerprint = record.CertFingerprint
		if s.stream == nil {
			s.state = StatePairedDisconnected
		}
		if record.LastKnownIP != nil {
			s.host = *record.LastKnownIP
		}
		if record.LastKnownPort != nil {
			s.port = *record.LastKnownPort
		}
		if record.LastSeenTimestamp != nil {
			s.lastSeen = time.UnixMilli(*record.LastSeenTimestamp)
		}

		settings, err := r.store.PacketTypeSettings(record.PeerID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for packetType, enabled := range settings {
			s.packetTypes[packetType] = enabled
		}
	}

	r.log.WithFields(logrus.Fields{"peers": len(peers)}).Debug("paired peers loaded")
	return errs
}

// Observe records a discovery observation. It returns a dial target when
// the peer is due for a connection: paired and disconnected, or visible with
// an outstanding local pair request.
func (r *Registry) Observe(a Announcement) (DialTarget, bool) {
	if a.PeerID == "" {
		return DialTarget{}, false
	}

	var notes []func()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return DialTarget{}, false
	}

	s, known := r.sessions[a.PeerID]
	if !known {
		s = r.sessionLocked(a.PeerID)
	}
	renamed := a.DisplayName != "" && a.DisplayName != s.name
	if a.DisplayName != "" {
		s.name = a.DisplayName
	}
	if a.Class != "" {
		s.class = a.Class
	}
	if a.Address != "" && a.Port > 0 {
		s.host = a.Address
		s.port = a.Port
	}
	if a.Source != "" {
		s.source = a.Source
	}
	s.lastSeen = r.now()

	if !known {
		snap := s.snapshot(r.pending)
		notes = append(notes, func() { r.events.OnPeerDiscovered(snap) })
	}
	if s.paired && a.Address != "" && a.Port > 0 {
		notes = append(notes, r.persistEndpoint(s.id, a.Address, a.Port, s.lastSeen))
	}
	if s.paired && renamed {
		notes = append(notes, r.persistName(s.id, s.name))
	}

	target, due := s.dialTarget()
	r.mu.Unlock()

	runNotes(notes)
	return target, due
}

// BeginHandshake marks an outbound dial in progress. It reports false when
// the peer is unknown or already has a stream or handshake.
func (r *Registry) BeginHandshake(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[peerID]
	if r.closed || s == nil || s.stream != nil {
		return false
	}
	switch s.state {
	case StateDiscovered, StatePairedDisconnected:
		s.prior = s.state
		s.state = StateHandshaking
		return true
	default:
		return false
	}
}

// HandshakeFailed reverts a failed dial to the state it started from.
func (r *Registry) HandshakeFailed(peerID string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[peerID]
	if s == nil || s.state != StateHandshaking {
		return
	}
	s.state = s.prior
	r.log.WithFields(logrus.Fields{
		"peer_id": peerID,
		"state":   s.state,
	}).Infof("handshake failed: %v", cause)
}

// Attach binds a handshaked stream to its peer session. An identical pinned
// certificate connects immediately, a different one is refused with
// ErrTrustMismatch, and an unpinned one waits for a trust decision. A newer
// stream always replaces an older live one.
func (r *Registry) Attach(h Handshake) (Outcome, error) {
	if h.PeerID == "" || h.Stream == nil || len(h.Certificate) == 0 {
		if h.Stream != nil {
			_ = h.Stream.Close()
		}
		return 0, errors.New("registry: incomplete handshake")
	}

	pinned, lookupErr := r.trust.PinnedCertificate(h.PeerID)
	if lookupErr != nil && !errors.Is(lookupErr, trust.ErrNotPinned) {
		_ = h.Stream.Close()
		r.HandshakeFailed(h.PeerID, lookupErr)
		return 0, lookupErr
	}
	fingerprint := trust.Fingerprint(h.Certificate)
	fields := logrus.Fields{"peer_id": h.PeerID, "fingerprint": fingerprint}

	var (
		notes   []func()
		outcome Outcome
		err     error
	)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = h.Stream.Close()
		return 0, ErrClosed
	}

	s, known := r.sessions[h.PeerID]
	if !known {
		s = r.sessionLocked(h.PeerID)
	}
	if h.DisplayName != "" {
		s.name = h.DisplayName
	}
	if h.Class != "" {
		s.class = h.Class
	}
	if host := hostOf(h.Stream.RemoteAddr()); host != "" {
		s.host = host
		if h.Port > 0 {
			s.port = h.Port
		}
	}
	s.lastSeen = r.now()
	if !known {
		snap := s.snapshot(r.pending)
		notes = append(notes, func() { r.events.OnPeerDiscovered(snap) })
	}

	switch {
	case pinned != nil && bytes.Equal(pinned, h.Certificate):
		notes = append(notes, r.replaceStreamLocked(s, h.Stream)...)
		r.cancelTrustLocked(s)
		r.pending.Drop(s.id)
		s.paired = true
		s.fingerprint = fingerprint
		s.pairRequested = false
		s.state = StatePairedConnected
		outcome = OutcomeConnected

		snap := s.snapshot(r.pending)
		if s.host != "" && s.port > 0 {
			notes = append(notes, r.persistEndpoint(s.id, s.host, s.port, s.lastSeen))
		}
		notes = append(notes, func() { r.events.OnPeerConnected(snap) })
		r.log.WithFields(fields).Info("paired peer connected")

	case pinned != nil:
		if s.state == StateHandshaking {
			s.state = s.prior
		}
		stream := h.Stream
		pinnedFingerprint := trust.Fingerprint(pinned)
		notes = append(notes,
			func() { _ = stream.Close() },
			r.securityEvent(storage.SecurityEventTrustMismatch, s.id, storage.SecuritySeverityCritical, map[string]any{
				"expected_fingerprint": pinnedFingerprint,
				"received_fingerprint": fingerprint,
			}),
			func() { r.events.OnTrustMismatch(h.PeerID, fingerprint) },
		)
		r.log.WithFields(fields).Warn("peer presented a certificate that does not match its pin")
		err = ErrTrustMismatch

	default:
		notes = append(notes, r.replaceStreamLocked(s, h.Stream)...)
		r.cancelTrustLocked(s)
		r.pending.Hold(s.id, h.Certificate)
		s.state = StateAwaitingTrust
		s.trustGen++
		gen := s.trustGen
		peerID := s.id
		s.trustTimer = time.AfterFunc(r.timeout, func() {
			_ = r.endTrust(peerID, gen, storage.SecurityEventTrustTimeout, false)
		})
		outcome = OutcomeAwaitingTrust

		notes = append(notes, func() { r.events.OnTrustDecisionRequested(peerID, fingerprint) })
		r.log.WithFields(fields).Info("trust decision requested")
	}
	r.mu.Unlock()

	runNotes(notes)
	return outcome, err
}

// AcceptTrust pins the pending certificate and promotes the peer to
// paired and connected. The pin is written without holding the registry
// lock; a decision that ended meanwhile rolls the pin back.
func (r *Registry) AcceptTrust(peerID string) error {
	r.mu.Lock()
	s := r.sessions[peerID]
	if s == nil || s.state != StateAwaitingTrust || s.accepting {
		r.mu.Unlock()
		return ErrNoPendingTrust
	}
	cert, ok := r.pending.Peek(peerID)
	if !ok {
		r.mu.Unlock()
		return ErrNoPendingTrust
	}
	s.accepting = true
	gen := s.trustGen
	r.mu.Unlock()

	pinErr := r.trust.Pin(peerID, cert.DER)

	var notes []func()
	r.mu.Lock()
	s.accepting = false
	live := r.sessions[peerID]
	current := live == s && s.state == StateAwaitingTrust && s.trustGen == gen
	if pinErr != nil || !current {
		// A stream that attached with this pin meanwhile keeps it.
		keepPin := live != nil && live.paired
		r.mu.Unlock()
		if pinErr != nil {
			return pinErr
		}
		if keepPin {
			return ErrNoPendingTrust
		}
		if err := r.trust.Unpin(peerID); err != nil {
			r.log.WithFields(logrus.Fields{"peer_id": peerID}).Errorf("roll back pin of ended decision: %v", err)
		}
		return ErrNoPendingTrust
	}

	r.pending.Take(peerID)
	r.cancelTrustLocked(s)
	s.paired = true
	s.fingerprint = cert.Fingerprint
	s.pairRequested = false
	s.state = StatePairedConnected
	snap := s.snapshot(r.pending)
	stream := s.stream

	notes = append(notes,
		r.savePeer(snap),
		r.securityEvent(storage.SecurityEventPeerPaired, peerID, storage.SecuritySeverityInfo, map[string]any{
			"fingerprint": cert.Fingerprint,
		}),
	)
	if stream != nil {
		notes = append(notes, r.sendControl(peerID, stream, packet.NewPairPacket(true)))
	}
	notes = append(notes,
		func() { r.events.OnPeerPaired(snap) },
		func() { r.events.OnPeerConnected(snap) },
	)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"peer_id": peerID, "fingerprint": cert.Fingerprint}).Info("peer paired")
	runNotes(notes)
	return nil
}

// DeclineTrust rejects the pending certificate and returns the peer to the
// visible list.
func (r *Registry) DeclineTrust(peerID string) error {
	return r.endTrust(peerID, 0, storage.SecurityEventTrustDeclined, true)
}

// endTrust drops a pending decision. gen zero matches any decision; a
// non-zero gen only matches the timer that was armed with it.
func (r *Registry) endTrust(peerID string, gen uint64, eventType string, notifyRemote bool) error {
	var notes []func()
	r.mu.Lock()

	s := r.sessions[peerID]
	if s == nil || s.state != StateAwaitingTrust {
		r.mu.Unlock()
		return ErrNoPendingTrust
	}
	if gen != 0 && s.trustGen != gen {
		r.mu.Unlock()
		return nil
	}

	pending, _ := r.pending.Take(peerID)
	r.cancelTrustLocked(s)
	stream := s.stream
	s.stream = nil
	s.pairRequested = false
	s.state = StateDiscovered

	if stream != nil {
		if notifyRemote {
			notes = append(notes, r.sendControl(peerID, stream, packet.NewPairPacket(false)))
		}
		notes = append(notes, func() { _ = stream.Close() })
	}
	notes = append(notes,
		r.securityEvent(eventType, peerID, storage.SecuritySeverityInfo, map[string]any{
			"fingerprint": pending.Fingerprint,
		}),
		func() { r.events.OnTrustDeclined(peerID) },
	)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"peer_id": peerID, "reason": eventType}).Info("pending trust discarded")
	runNotes(notes)
	return nil
}

// RequestPair records a local intent to pair and returns a dial target when
// one can be attempted now.
func (r *Registry) RequestPair(peerID string) (DialTarget, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[peerID]
	if s == nil {
		return DialTarget{}, false, ErrUnknownPeer
	}

	switch s.state {
	case StatePairedConnected:
		return DialTarget{}, false, ErrAlreadyPaired
	case StateAwaitingTrust:
		return DialTarget{}, false, nil
	case StateHandshaking:
		if !s.paired {
			s.pairRequested = true
		}
		return DialTarget{}, false, nil
	case StateDiscovered:
		s.pairRequested = true
	}

	target, due := s.dialTarget()
	return target, due, nil
}

// Detach handles the end of a stream. Streams that are no longer current
// for the peer are ignored.
func (r *Registry) Detach(peerID string, stream Stream) {
	var notes []func()
	r.mu.Lock()

	s := r.sessions[peerID]
	if s == nil || stream == nil || s.stream != stream {
		r.mu.Unlock()
		return
	}
	s.stream = nil
	notes = append(notes, func() { _ = stream.Close() })

	switch s.state {
	case StatePairedConnected:
		s.state = StatePairedDisconnected
		snap := s.snapshot(r.pending)
		notes = append(notes, func() { r.events.OnPeerDisconnected(snap) })
		r.log.WithFields(logrus.Fields{"peer_id": peerID}).Info("paired peer disconnected")
	case StateAwaitingTrust:
		r.pending.Drop(peerID)
		r.cancelTrustLocked(s)
		s.pairRequested = false
		s.state = StateDiscovered
		notes = append(notes, func() { r.events.OnTrustDeclined(peerID) })
		r.log.WithFields(logrus.Fields{"peer_id": peerID}).Info("stream closed while awaiting trust")
	}
	r.mu.Unlock()

	runNotes(notes)
}

// Unpair closes any live stream, removes the pin and the stored record and
// forgets the peer.
func (r *Registry) Unpair(peerID string) error {
	return r.unpair(peerID, true)
}

func (r *Registry) unpair(peerID string, notifyRemote bool) error {
	r.mu.Lock()
	_, known := r.sessions[peerID]
	r.mu.Unlock()
	if !known {
		return ErrUnknownPeer
	}

	// The pin goes first: while it exists the peer would reconnect as paired.
	if err := r.trust.Unpin(peerID); err != nil {
		return fmt.Errorf("unpair %s: %w", peerID, err)
	}
	storeErr := r.store.RemovePeer(peerID)
	if errors.Is(storeErr, storage.ErrNotFound) {
		storeErr = nil
	}

	var notes []func()
	r.mu.Lock()
	s := r.sessions[peerID]
	if s == nil {
		r.mu.Unlock()
		return storeErr
	}
	delete(r.sessions, peerID)
	r.pending.Drop(peerID)
	r.cancelTrustLocked(s)

	if stream := s.stream; stream != nil {
		if notifyRemote {
			notes = append(notes, r.sendControl(peerID, stream, packet.NewPairPacket(false)))
		}
		notes = append(notes, func() { _ = stream.Close() })
	}
	notes = append(notes,
		r.securityEvent(storage.SecurityEventPeerUnpaired, peerID, storage.SecuritySeverityInfo, map[string]any{
			"initiated_by": initiator(notifyRemote),
		}),
		func() { r.events.OnPeerUnpaired(peerID) },
	)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"peer_id": peerID, "initiated_by": initiator(notifyRemote)}).Info("peer unpaired")
	runNotes(notes)
	return storeErr
}

// HandlePair applies a pairing signal received on stream. pair=false from a
// paired peer unpairs it locally; from a peer awaiting trust it cancels the
// prompt.
func (r *Registry) HandlePair(peerID string, stream Stream, pair bool) {
	r.mu.Lock()
	s := r.sessions[peerID]
	if s == nil || s.stream != stream {
		r.mu.Unlock()
		return
	}
	state, paired := s.state, s.paired
	r.mu.Unlock()

	fields := logrus.Fields{"peer_id": peerID, "pair": pair, "state": state}
	switch {
	case pair && state == StateAwaitingTrust:
		r.log.WithFields(fields).Info("peer accepted pairing, waiting for local decision")
	case pair:
		r.log.WithFields(fields).Debug("pair signal ignored")
	case state == StateAwaitingTrust:
		_ = r.endTrust(peerID, 0, storage.SecurityEventTrustDeclined, false)
	case paired:
		_ = r.unpair(peerID, false)
	}
}

// Send writes p to the peer's live stream. A write failure also detaches the
// stream.
func (r *Registry) Send(peerID string, p *packet.Packet) error {
	r.mu.Lock()
	s := r.sessions[peerID]
	if s == nil || s.stream == nil || s.state != StatePairedConnected {
		r.mu.Unlock()
		return ErrPeerNotConnected
	}
	stream := s.stream
	r.mu.Unlock()

	if err := stream.Send(p); err != nil {
		if errors.Is(err, packet.ErrEncode) {
			return err
		}
		r.Detach(peerID, stream)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Deliverable reports whether an inbound packet read from stream may reach
// handlers.
func (r *Registry) Deliverable(peerID string, stream Stream, packetType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[peerID]
	if s == nil || s.stream != stream || s.state != StatePairedConnected {
		return false
	}
	return s.typeEnabled(packetType)
}

// SetPacketTypeEnabled toggles delivery of one packet type for a peer. The
// setting is persisted for paired peers.
func (r *Registry) SetPacketTypeEnabled(peerID, packetType string, enabled bool) error {
	r.mu.Lock()
	s := r.sessions[peerID]
	if s == nil {
		r.mu.Unlock()
		return ErrUnknownPeer
	}
	paired := s.paired
	r.mu.Unlock()

	if paired {
		if err := r.store.SetPacketTypeEnabled(peerID, packetType, enabled); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[peerID] != s {
		return ErrUnknownPeer
	}
	s.packetTypes[packetType] = enabled
	return nil
}

// PacketTypeEnabled reports whether packetType is delivered for a peer.
// Types never configured are enabled.
func (r *Registry) PacketTypeEnabled(peerID, packetType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[peerID]
	return s != nil && s.typeEnabled(packetType)
}

// Peer returns a snapshot of one session.
func (r *Registry) Peer(peerID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[peerID]
	if s == nil {
		return Peer{}, false
	}
	return s.snapshot(r.pending), true
}

// Connected lists paired peers with a live stream.
func (r *Registry) Connected() []Peer {
	return r.list(ListConnected)
}

// Visible lists discovered peers that are not paired.
func (r *Registry) Visible() []Peer {
	return r.list(ListVisible)
}

// Saved lists paired peers that are currently unreachable.
func (r *Registry) Saved() []Peer {
	return r.list(ListSaved)
}

func (r *Registry) list(which List) []Peer {
	r.mu.Lock()
	out := make([]Peer, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap := s.snapshot(r.pending)
		if snap.List() == which {
			out = append(out, snap)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID < out[j].ID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// ConnectedPeerIDs returns the ids of every connected peer.
func (r *Registry) ConnectedPeerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.state == StatePairedConnected && s.stream != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ExpireVisible forgets unpaired, idle peers not observed within maxAge and
// returns their ids.
func (r *Registry) ExpireVisible(maxAge time.Duration) []string {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, s := range r.sessions {
		if s.forgettable() && s.lastSeen.Before(cutoff) {
			delete(r.sessions, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Forget drops an unpaired, idle peer, e.g. when its mDNS record goes away.
func (r *Registry) Forget(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[peerID]
	if s == nil || !s.forgettable() {
		return false
	}
	delete(r.sessions, peerID)
	return true
}

// Close closes every stream and pending decision. Later attaches are
// refused.
func (r *Registry) Close() {
	var streams []Stream
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, s := range r.sessions {
		r.cancelTrustLocked(s)
		r.pending.Drop(s.id)
		if s.stream != nil {
			streams = append(streams, s.stream)
			s.stream = nil
		}
		switch s.state {
		case StatePairedConnected:
			s.state = StatePairedDisconnected
		case StateAwaitingTrust, StateHandshaking:
			if s.paired {
				s.state = StatePairedDisconnected
			} else {
				s.state = StateDiscovered
			}
		}
	}
	r.mu.Unlock()

	for _, stream := range streams {
		_ = stream.Close()
	}
}

// Reset closes every stream and forgets every session, paired or not.
// Unlike Close the registry keeps accepting streams. Pins and stored
// records are the caller's to clear.
func (r *Registry) Reset() {
	var notes []func()
	r.mu.Lock()
	for id, s := range r.sessions {
		r.cancelTrustLocked(s)
		r.pending.Drop(id)
		if stream := s.stream; stream != nil {
			notes = append(notes, func() { _ = stream.Close() })
		}
		if s.paired {
			notes = append(notes, func() { r.events.OnPeerUnpaired(id) })
		}
	}
	forgotten := len(r.sessions)
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"peers": forgotten}).Warn("registry reset")
	runNotes(notes)
}

func (r *Registry) sessionLocked(peerID string) *session {
	s := r.sessions[peerID]
	if s == nil {
		s = &session{
			id:          peerID,
			name:        peerID,
			class:       ClassUnknown,
			state:       StateDiscovered,
			packetTypes: make(map[string]bool),
		}
		r.sessions[peerID] = s
	}
	return s
}

// replaceStreamLocked installs stream as current and returns the close of
// any older one.
func (r *Registry) replaceStreamLocked(s *session, stream Stream) []func() {
	old := s.stream
	s.stream = stream
	if old == nil || old == stream {
		return nil
	}
	r.log.WithFields(logrus.Fields{"peer_id": s.id}).Info("replacing older stream")
	return []func(){func() { _ = old.Close() }}
}

func (r *Registry) cancelTrustLocked(s *session) {
	if s.trustTimer != nil {
		s.trustTimer.Stop()
		s.trustTimer = nil
	}
}

func (r *Registry) sendControl(peerID string, stream Stream, p *packet.Packet) func() {
	return func() {
		if err := stream.Send(p); err != nil {
			r.log.WithFields(logrus.Fields{"peer_id": peerID, "type": p.Type}).Debugf("send control packet: %v", err)
		}
	}
}

func (r *Registry) persistEndpoint(peerID, host string, port int, seen time.Time) func() {
	return func() {
		err := r.store.UpdatePeerEndpoint(peerID, host, port, seen.UnixMilli())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.log.WithFields(logrus.Fields{"peer_id": peerID}).Warnf("persist peer endpoint: %v", err)
		}
	}
}

func (r *Registry) persistName(peerID, name string) func() {
	return func() {
		err := r.store.UpdatePeerDisplayName(peerID, name)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.log.WithFields(logrus.Fields{"peer_id": peerID}).Warnf("persist peer name: %v", err)
		}
	}
}

func (r *Registry) savePeer(snap Peer) func() {
	return func() {
		record := storage.Peer{
			PeerID:          snap.ID,
			DisplayName:     snap.DisplayName,
			DeviceClass:     string(snap.Class),
			CertFingerprint: snap.Fingerprint,
		}
		if !snap.LastSeen.IsZero() {
			seen := snap.LastSeen.UnixMilli()
			record.LastSeenTimestamp = &seen
		}
		if snap.Address != "" && snap.Port > 0 {
			host, port := snap.Address, snap.Port
			record.LastKnownIP = &host
			record.LastKnownPort = &port
		}
		if err := r.store.SavePeer(record); err != nil {
			r.log.WithFields(logrus.Fields{"peer_id": snap.ID}).Errorf("persist paired peer: %v", err)
		}
	}
}

func (r *Registry) securityEvent(eventType, peerID, severity string, details map[string]any) func() {
	return func() {
		if err := r.store.RecordSecurityEvent(eventType, peerID, severity, details); err != nil {
			r.log.WithFields(logrus.Fields{"peer_id": peerID, "event": eventType}).Warnf("record security event: %v", err)
		}
	}
}

func (s *session) dialTarget() (DialTarget, bool) {
	if s.stream != nil || s.host == "" || s.port <= 0 {
		return DialTarget{}, false
	}
	due := s.state == StatePairedDisconnected || (s.state == StateDiscovered && s.pairRequested)
	if !due {
		return DialTarget{}, false
	}
	return DialTarget{
		PeerID:  s.id,
		Address: net.JoinHostPort(s.host, strconv.Itoa(s.port)),
	}, true
}

func (s *session) typeEnabled(packetType string) bool {
	enabled, ok := s.packetTypes[packetType]
	return !ok || enabled
}

func (s *session) forgettable() bool {
	return !s.paired && s.stream == nil && s.state == StateDiscovered
}

func (s *session) snapshot(pending *trust.Pending) Peer {
	snap := Peer{
		ID:            s.id,
		DisplayName:   s.name,
		Class:         s.class,
		State:         s.state,
		Paired:        s.paired,
		Fingerprint:   s.fingerprint,
		Address:       s.host,
		Port:          s.port,
		Source:        s.source,
		LastSeen:      s.lastSeen,
		PairRequested: s.pairRequested,
		PacketTypes:   make(map[string]bool, len(s.packetTypes)),
	}
	for k, v := range s.packetTypes {
		snap.PacketTypes[k] = v
	}
	if s.state == StateAwaitingTrust {
		if cert, ok := pending.Peek(s.id); ok {
			snap.PendingFingerprint = cert.Fingerprint
		}
	}
	return snap
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

func initiator(local bool) string {
	if local {
		return "local"
	}
	return "remote"
}

func runNotes(notes []func()) {
	for _, note := range notes {
		note()
	}
}

type nopPeerStore struct{}

func (nopPeerStore) SavePeer(storage.Peer) error { return nil }
func (nopPeerStore) ListPeers() ([]storage.Peer, error) { return nil, nil }
func (nopPeerStore) RemovePeer(string) error { return nil }
func (nopPeerStore) UpdatePeerEndpoint(string, string, int, int64) error { return nil }
func (nopPeerStore) UpdatePeerDisplayName(string, string) error { return nil }
func (nopPeerStore) SetPacketTypeEnabled(string, string, bool) error { return nil }
func (nopPeerStore) PacketTypeSettings(string) (map[string]bool, error) { return nil, nil }
func (nopPeerStore) RecordSecurityEvent(string, string, string, map[string]any) error { return nil }

package registry

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"devlink/crypto"
	"devlink/keystore"
	"devlink/packet"
	"devlink/storage"
	"devlink/trust"
)

type fakeStream struct {
	mu      sync.Mutex
	sent    []*packet.Packet
	sendErr error
	closed  bool
	done    chan struct{}
	addr    net.Addr
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		done: make(chan struct{}),
		addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.20"), Port: 50123},
	}
}

func (f *fakeStream) Send(p *packet.Packet) error {
	if _, err := packet.Encode(p); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return io.ErrClosedPipe
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeStream) Done() <-chan struct{} { return f.done }
func (f *fakeStream) RemoteAddr() net.Addr  { return f.addr }

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.sent {
		out = append(out, p.Type)
	}
	return out
}

func (f *fakeStream) lastSent() *packet.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []string
	trust  map[string]string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) fingerprint(peerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trust[peerID]
}

func (r *recorder) has(event string) bool {
	for _, e := range r.list() {
		if e == event {
			return true
		}
	}
	return false
}

func (r *recorder) eventsFor() Events {
	return Events{
		OnPeerDiscovered: func(p Peer) { r.add("discovered:" + p.ID) },
		OnTrustDecisionRequested: func(id, fp string) {
			r.mu.Lock()
			if r.trust == nil {
				r.trust = make(map[string]string)
			}
			r.trust[id] = fp
			r.mu.Unlock()
			r.add("trust_requested:" + id)
		},
		OnPeerPaired:       func(p Peer) { r.add("paired:" + p.ID) },
		OnPeerUnpaired:     func(id string) { r.add("unpaired:" + id) },
		OnPeerConnected:    func(p Peer) { r.add("connected:" + p.ID) },
		OnPeerDisconnected: func(p Peer) { r.add("disconnected:" + p.ID) },
		OnTrustDeclined:    func(id string) { r.add("declined:" + id) },
		OnTrustMismatch:    func(id, fp string) { r.add("mismatch:" + id) },
	}
}

type harness struct {
	reg    *Registry
	trust  *trust.Store
	store  *storage.Store
	events *recorder
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	return newHarnessWith(t, timeout, nil)
}

// newHarnessWith lets wrap interpose on the trust store the registry sees.
func newHarnessWith(t *testing.T, timeout time.Duration, wrap func(TrustStore) TrustStore) *harness {
	t.Helper()

	trustStore, err := trust.New(trust.Options{
		Keystore: keystore.NewMemoryStore(),
		NodeID:   "node-local",
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	var registryTrust TrustStore = trustStore
	if wrap != nil {
		registryTrust = wrap(trustStore)
	}

	events := &recorder{}
	reg, err := New(Options{
		Trust:                registryTrust,
		Store:                store,
		TrustDecisionTimeout: timeout,
		Events:               events.eventsFor(),
		Logger:               quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	return &harness{reg: reg, trust: trustStore, store: store, events: events}
}

func peerCert(t *testing.T, id string) []byte {
	t.Helper()
	identity, err := crypto.GenerateIdentity(id, time.Now())
	require.NoError(t, err)
	return identity.CertificateDER()
}

func (h *harness) pairPeer(t *testing.T, id string, cert []byte) *fakeStream {
	t.Helper()
	stream := newFakeStream()
	outcome, err := h.reg.Attach(Handshake{PeerID: id, DisplayName: "Phone", Class: ClassPhone, Port: 1716, Certificate: cert, Stream: stream})
	require.NoError(t, err)
	require.Equal(t, OutcomeAwaitingTrust, outcome)
	require.NoError(t, h.reg.AcceptTrust(id))
	return stream
}

func TestPairingScenarioFromDiscoveryToConnected(t *testing.T) {
	h := newHarness(t, time.Minute)
	cert := peerCert(t, "phone-123")

	target, due := h.reg.Observe(Announcement{
		PeerID:      "phone-123",
		DisplayName: "Pixel",
		Class:       ClassPhone,
		Address:     "192.168.1.20",
		Port:        1716,
		Source:      "udp",
	})
	require.False(t, due, "unpaired peers are not dialed without a pair request")
	require.Empty(t, target.Address)
	require.Len(t, h.reg.Visible(), 1)
	require.Equal(t, "Pixel", h.reg.Visible()[0].DisplayName)

	target, due, err := h.reg.RequestPair("phone-123")
	require.NoError(t, err)
	require.True(t, due)
	require.Equal(t, DialTarget{PeerID: "phone-123", Address: "192.168.1.20:1716"}, target)

	require.True(t, h.reg.BeginHandshake("phone-123"))
	require.False(t, h.reg.BeginHandshake("phone-123"))
	peer, _ := h.reg.Peer("phone-123")
	require.Equal(t, StateHandshaking, peer.State)

	stream := newFakeStream()
	outcome, err := h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: cert, Stream: stream, Port: 1716})
	require.NoError(t, err)
	require.Equal(t, OutcomeAwaitingTrust, outcome)

	peer, _ = h.reg.Peer("phone-123")
	require.Equal(t, StateAwaitingTrust, peer.State)
	require.Equal(t, ListVisible, peer.List())
	require.Equal(t, trust.Fingerprint(cert), peer.PendingFingerprint)
	require.Equal(t, trust.Fingerprint(cert), h.events.fingerprint("phone-123"))
	require.False(t, h.reg.Deliverable("phone-123", stream, packet.TypeBattery))

	require.NoError(t, h.reg.AcceptTrust("phone-123"))

	connected := h.reg.Connected()
	require.Len(t, connected, 1)
	require.Equal(t, "phone-123", connected[0].ID)
	require.Empty(t, h.reg.Visible())
	require.Empty(t, h.reg.Saved())
	require.True(t, h.trust.IsPinned("phone-123", cert))
	require.True(t, h.reg.Deliverable("phone-123", stream, packet.TypeBattery))

	last := stream.lastSent()
	require.NotNil(t, last)
	require.Equal(t, packet.TypePair, last.Type)
	require.True(t, last.Body.Bool("pair"))

	record, err := h.store.GetPeer("phone-123")
	require.NoError(t, err)
	require.Equal(t, trust.Fingerprint(cert), record.CertFingerprint)
	require.Equal(t, storage.DeviceClassPhone, record.DeviceClass)
	require.Equal(t, "192.168.1.20", *record.LastKnownIP)

	require.Equal(t, []string{
		"discovered:phone-123",
		"trust_requested:phone-123",
		"paired:phone-123",
		"connected:phone-123",
	}, h.events.list())
}

func TestPinnedIdenticalCertificateConnectsWithoutPrompt(t *testing.T) {
	h := newHarness(t, time.Minute)
	cert := peerCert(t, "laptop-1")
	require.NoError(t, h.trust.Pin("laptop-1", cert))

	stream := newFakeStream()
	outcome, err := h.reg.Attach(Handshake{PeerID: "laptop-1", Certificate: cert, Stream: stream})
	require.NoError(t, err)
	require.Equal(t, OutcomeConnected, outcome)

	peer, ok := h.reg.Peer("laptop-1")
	require.True(t, ok)
	require.Equal(t, StatePairedConnected, peer.State)
	require.False(t, h.events.has("trust_requested:laptop-1"))
	require.True(t, h.events.has("connected:laptop-1"))
}

func TestPinnedDifferentCertificateIsRefused(t *testing.T) {
	h := newHarness(t, time.Minute)
	original := peerCert(t, "phone-123")
	h.pairPeer(t, "phone-123", original)

	h.reg.Detach("phone-123", mustCurrentStream(t, h.reg, "phone-123"))
	peer, _ := h.reg.Peer("phone-123")
	require.Equal(t, StatePairedDisconnected, peer.State)

	impostor := newFakeStream()
	_, err := h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: peerCert(t, "phone-123"), Stream: impostor})
	require.ErrorIs(t, err, ErrTrustMismatch)
	require.True(t, impostor.isClosed())

	peer, _ = h.reg.Peer("phone-123")
	require.Equal(t, StatePairedDisconnected, peer.State)
	require.Empty(t, h.reg.Connected())
	require.True(t, h.trust.IsPinned("phone-123", original))
	require.True(t, h.events.has("mismatch:phone-123"))

	events, err := h.store.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.SecurityEventTrustMismatch})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, storage.SecuritySeverityCritical, events[0].Severity)
}

func TestMismatchDoesNotDisturbLiveStream(t *testing.T) {
	h := newHarness(t, time.Minute)
	live := h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))

	_, err := h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: peerCert(t, "phone-123"), Stream: newFakeStream()})
	require.ErrorIs(t, err, ErrTrustMismatch)
	require.False(t, live.isClosed())
	require.Equal(t, []string{"phone-123"}, h.reg.ConnectedPeerIDs())
}

func TestDeclineLeavesNoPin(t *testing.T) {
	h := newHarness(t, time.Minute)
	cert := peerCert(t, "tablet-9")
	stream := newFakeStream()

	_, err := h.reg.Attach(Handshake{PeerID: "tablet-9", Certificate: cert, Stream: stream})
	require.NoError(t, err)
	require.NoError(t, h.reg.DeclineTrust("tablet-9"))
	require.ErrorIs(t, h.reg.DeclineTrust("tablet-9"), ErrNoPendingTrust)
	require.ErrorIs(t, h.reg.AcceptTrust("tablet-9"), ErrNoPendingTrust)

	peer, _ := h.reg.Peer("tablet-9")
	require.Equal(t, StateDiscovered, peer.State)
	require.Empty(t, peer.PendingFingerprint)
	require.False(t, h.trust.IsPinned("tablet-9", cert))
	require.True(t, stream.isClosed())
	require.Equal(t, []string{packet.TypePair}, stream.sentTypes())
	require.True(t, h.events.has("declined:tablet-9"))
}

func TestTrustDecisionTimesOut(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	cert := peerCert(t, "tv-1")
	stream := newFakeStream()

	_, err := h.reg.Attach(Handshake{PeerID: "tv-1", Certificate: cert, Stream: stream})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		peer, _ := h.reg.Peer("tv-1")
		return peer.State == StateDiscovered
	}, time.Second, 5*time.Millisecond)
	require.True(t, stream.isClosed())
	require.False(t, h.trust.IsPinned("tv-1", cert))
	require.ErrorIs(t, h.reg.AcceptTrust("tv-1"), ErrNoPendingTrust)

	events, err := h.store.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.SecurityEventTrustTimeout})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestReattachWhileAwaitingRearmsTimer(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	cert := peerCert(t, "tv-1")

	first := newFakeStream()
	_, err := h.reg.Attach(Handshake{PeerID: "tv-1", Certificate: cert, Stream: first})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	second := newFakeStream()
	_, err = h.reg.Attach(Handshake{PeerID: "tv-1", Certificate: cert, Stream: second})
	require.NoError(t, err)
	require.True(t, first.isClosed())

	time.Sleep(50 * time.Millisecond)
	peer, _ := h.reg.Peer("tv-1")
	require.Equal(t, StateAwaitingTrust, peer.State, "the first timer must not end the second prompt")
	require.NoError(t, h.reg.AcceptTrust("tv-1"))
}

func TestUnpairRemovesEverything(t *testing.T) {
	h := newHarness(t, time.Minute)
	cert := peerCert(t, "phone-123")
	stream := h.pairPeer(t, "phone-123", cert)

	require.NoError(t, h.reg.Unpair("phone-123"))
	require.True(t, stream.isClosed())
	require.False(t, h.trust.IsPinned("phone-123", cert))
	require.Empty(t, h.reg.Connected())
	require.Empty(t, h.reg.Visible())
	require.Empty(t, h.reg.Saved())
	_, ok := h.reg.Peer("phone-123")
	require.False(t, ok)

	_, err := h.store.GetPeer("phone-123")
	require.ErrorIs(t, err, storage.ErrNotFound)

	last := stream.lastSent()
	require.Equal(t, packet.TypePair, last.Type)
	require.False(t, last.Body.Bool("pair"))
	require.True(t, h.events.has("unpaired:phone-123"))

	require.ErrorIs(t, h.reg.Unpair("phone-123"), ErrUnknownPeer)
}

func TestRemotePairSignals(t *testing.T) {
	h := newHarness(t, time.Minute)

	paired := h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))
	h.reg.HandlePair("phone-123", newFakeStream(), false)
	_, ok := h.reg.Peer("phone-123")
	require.True(t, ok, "signals on a stale stream are ignored")

	h.reg.HandlePair("phone-123", paired, true)
	peer, _ := h.reg.Peer("phone-123")
	require.Equal(t, StatePairedConnected, peer.State)

	h.reg.HandlePair("phone-123", paired, false)
	_, ok = h.reg.Peer("phone-123")
	require.False(t, ok)
	require.True(t, paired.isClosed())
	require.True(t, paired.lastSent().Body.Bool("pair"), "remote unpair is not echoed")

	awaiting := newFakeStream()
	_, err := h.reg.Attach(Handshake{PeerID: "tablet-9", Certificate: peerCert(t, "tablet-9"), Stream: awaiting})
	require.NoError(t, err)
	h.reg.HandlePair("tablet-9", awaiting, false)
	peer, _ = h.reg.Peer("tablet-9")
	require.Equal(t, StateDiscovered, peer.State)
	require.True(t, awaiting.isClosed())
}

func TestSendToUnconnectedPeerLeavesRegistryUnchanged(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.reg.Observe(Announcement{PeerID: "phone-123", Address: "10.0.0.2", Port: 1716})
	before, _ := h.reg.Peer("phone-123")

	err := h.reg.Send("phone-123", packet.New(packet.TypeBattery))
	require.ErrorIs(t, err, ErrPeerNotConnected)
	require.ErrorIs(t, h.reg.Send("nobody", packet.New(packet.TypeBattery)), ErrPeerNotConnected)

	after, _ := h.reg.Peer("phone-123")
	require.Equal(t, before, after)
}

func TestSendErrors(t *testing.T) {
	h := newHarness(t, time.Minute)
	stream := h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))

	p := packet.New(packet.TypeBattery)
	p.Body.SetInt("currentCharge", 42)
	require.NoError(t, h.reg.Send("phone-123", p))

	err := h.reg.Send("phone-123", &packet.Packet{})
	require.ErrorIs(t, err, packet.ErrEncode)
	peer, _ := h.reg.Peer("phone-123")
	require.Equal(t, StatePairedConnected, peer.State)

	stream.mu.Lock()
	stream.sendErr = errors.New("broken pipe")
	stream.mu.Unlock()

	err = h.reg.Send("phone-123", p)
	require.ErrorIs(t, err, ErrWrite)
	peer, _ = h.reg.Peer("phone-123")
	require.Equal(t, StatePairedDisconnected, peer.State)
	require.Len(t, h.reg.Saved(), 1)
	require.True(t, stream.isClosed())
	require.True(t, h.events.has("disconnected:phone-123"))
}

func TestLastHandshakeWins(t *testing.T) {
	h := newHarness(t, time.Minute)
	cert := peerCert(t, "phone-123")
	require.NoError(t, h.trust.Pin("phone-123", cert))

	const racers = 16
	streams := make([]*fakeStream, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := range streams {
		streams[i] = newFakeStream()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: cert, Stream: streams[i]})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	open := 0
	for _, stream := range streams {
		if !stream.isClosed() {
			open++
		}
	}
	require.Equal(t, 1, open)
	require.Equal(t, []string{"phone-123"}, h.reg.ConnectedPeerIDs())
}

func TestDetachIgnoresStaleStream(t *testing.T) {
	h := newHarness(t, time.Minute)
	cert := peerCert(t, "phone-123")
	require.NoError(t, h.trust.Pin("phone-123", cert))

	old := newFakeStream()
	_, err := h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: cert, Stream: old})
	require.NoError(t, err)
	current := newFakeStream()
	_, err = h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: cert, Stream: current})
	require.NoError(t, err)
	require.True(t, old.isClosed())

	h.reg.Detach("phone-123", old)
	peer, _ := h.reg.Peer("phone-123")
	require.Equal(t, StatePairedConnected, peer.State)
	require.False(t, h.reg.Deliverable("phone-123", old, packet.TypeBattery))

	h.reg.Detach("phone-123", current)
	peer, _ = h.reg.Peer("phone-123")
	require.Equal(t, StatePairedDisconnected, peer.State)
}

func TestPairedDisconnectedPeerIsDialedOnRediscovery(t *testing.T) {
	h := newHarness(t, time.Minute)
	stream := h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))

	target, due := h.reg.Observe(Announcement{PeerID: "phone-123", Address: "10.0.0.7", Port: 1739})
	require.False(t, due, "live stream, nothing to dial")
	require.Empty(t, target.Address)

	h.reg.Detach("phone-123", stream)
	target, due = h.reg.Observe(Announcement{PeerID: "phone-123", Address: "10.0.0.7", Port: 1739})
	require.True(t, due)
	require.Equal(t, "10.0.0.7:1739", target.Address)

	require.True(t, h.reg.BeginHandshake("phone-123"))
	h.reg.HandshakeFailed("phone-123", errors.New("connection refused"))
	peer, _ := h.reg.Peer("phone-123")
	require.Equal(t, StatePairedDisconnected, peer.State)

	record, err := h.store.GetPeer("phone-123")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.7", *record.LastKnownIP)
	require.Equal(t, 1739, *record.LastKnownPort)
}

func TestLoadRestoresSavedPeers(t *testing.T) {
	h := newHarness(t, time.Minute)
	cert := peerCert(t, "phone-123")
	h.pairPeer(t, "phone-123", cert)
	require.NoError(t, h.reg.SetPacketTypeEnabled("phone-123", packet.TypeBattery, false))

	reloaded, err := New(Options{Trust: h.trust, Store: h.store, Logger: quietLogger()})
	require.NoError(t, err)
	defer reloaded.Close()
	require.NoError(t, reloaded.Load())

	saved := reloaded.Saved()
	require.Len(t, saved, 1)
	require.Equal(t, "phone-123", saved[0].ID)
	require.Equal(t, ClassPhone, saved[0].Class)
	require.Equal(t, trust.Fingerprint(cert), saved[0].Fingerprint)
	require.False(t, reloaded.PacketTypeEnabled("phone-123", packet.TypeBattery))

	stream := newFakeStream()
	outcome, err := reloaded.Attach(Handshake{PeerID: "phone-123", Certificate: cert, Stream: stream})
	require.NoError(t, err)
	require.Equal(t, OutcomeConnected, outcome)
	require.False(t, reloaded.Deliverable("phone-123", stream, packet.TypeBattery))
	require.True(t, reloaded.Deliverable("phone-123", stream, packet.TypeBatteryRequest))
}

func TestObservePersistsRenameOfPairedPeer(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))

	h.reg.Observe(Announcement{PeerID: "phone-123", DisplayName: "Kitchen Phone", Address: "192.168.1.30", Port: 1716})

	record, err := h.store.GetPeer("phone-123")
	require.NoError(t, err)
	require.Equal(t, "Kitchen Phone", record.DisplayName)
	require.NotNil(t, record.LastKnownIP)
	require.Equal(t, "192.168.1.30", *record.LastKnownIP)
}

func TestPacketTypeSettings(t *testing.T) {
	h := newHarness(t, time.Minute)
	require.ErrorIs(t, h.reg.SetPacketTypeEnabled("nobody", packet.TypeBattery, false), ErrUnknownPeer)
	require.False(t, h.reg.PacketTypeEnabled("nobody", packet.TypeBattery))

	h.reg.Observe(Announcement{PeerID: "phone-123"})
	require.True(t, h.reg.PacketTypeEnabled("phone-123", packet.TypeBattery))
	require.NoError(t, h.reg.SetPacketTypeEnabled("phone-123", packet.TypeBattery, false))
	require.False(t, h.reg.PacketTypeEnabled("phone-123", packet.TypeBattery))
	require.NoError(t, h.reg.SetPacketTypeEnabled("phone-123", packet.TypeBattery, true))
	require.True(t, h.reg.PacketTypeEnabled("phone-123", packet.TypeBattery))
}

func TestExpireVisibleAndForget(t *testing.T) {
	h := newHarness(t, time.Minute)
	now := time.Now()
	h.reg.now = func() time.Time { return now }

	h.reg.Observe(Announcement{PeerID: "old"})
	h.pairPeer(t, "paired", peerCert(t, "paired"))
	now = now.Add(time.Minute)
	h.reg.Observe(Announcement{PeerID: "fresh"})

	require.Equal(t, []string{"old"}, h.reg.ExpireVisible(30*time.Second))
	_, ok := h.reg.Peer("paired")
	require.True(t, ok)

	require.True(t, h.reg.Forget("fresh"))
	require.False(t, h.reg.Forget("fresh"))
	require.False(t, h.reg.Forget("paired"))
}

func TestCloseShutsStreams(t *testing.T) {
	h := newHarness(t, time.Minute)
	stream := h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))

	h.reg.Close()
	require.True(t, stream.isClosed())
	require.Len(t, h.reg.Saved(), 1)

	late := newFakeStream()
	_, err := h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: []byte("x"), Stream: late})
	require.ErrorIs(t, err, ErrClosed)
	require.True(t, late.isClosed())
}

func TestParseDeviceClass(t *testing.T) {
	require.Equal(t, ClassPhone, ParseDeviceClass(" Phone "))
	require.Equal(t, ClassPhone, ParseDeviceClass("smartphone"))
	require.Equal(t, ClassTV, ParseDeviceClass("tv"))
	require.Equal(t, ClassUnknown, ParseDeviceClass("fridge"))
}

// hookedTrust runs hooks around pin changes of the wrapped store.
type hookedTrust struct {
	TrustStore
	beforePin func(peerID string)
	unpinErr  error
}

func (h *hookedTrust) Pin(peerID string, der []byte) error {
	if h.beforePin != nil {
		h.beforePin(peerID)
	}
	return h.TrustStore.Pin(peerID, der)
}

func (h *hookedTrust) Unpin(peerID string) error {
	if h.unpinErr != nil {
		return h.unpinErr
	}
	return h.TrustStore.Unpin(peerID)
}

func TestUnpinnedAttachAwaitsTrustWithoutError(t *testing.T) {
	h := newHarness(t, time.Minute)
	stream := newFakeStream()

	outcome, err := h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: peerCert(t, "phone-123"), Stream: stream})
	require.NoError(t, err)
	require.Equal(t, OutcomeAwaitingTrust, outcome)
	require.Same(t, Stream(stream), mustCurrentStream(t, h.reg, "phone-123"))

	require.NoError(t, h.reg.AcceptTrust("phone-123"))
	require.True(t, h.reg.Deliverable("phone-123", stream, packet.TypeBattery))
}

func TestUnpairKeepsPeerWhenPinRemovalFails(t *testing.T) {
	hooked := &hookedTrust{}
	h := newHarnessWith(t, time.Minute, func(inner TrustStore) TrustStore {
		hooked.TrustStore = inner
		return hooked
	})
	cert := peerCert(t, "phone-123")
	stream := h.pairPeer(t, "phone-123", cert)

	hooked.unpinErr = errors.New("keychain locked")
	err := h.reg.Unpair("phone-123")
	require.ErrorContains(t, err, "keychain locked")

	peer, ok := h.reg.Peer("phone-123")
	require.True(t, ok)
	require.Equal(t, StatePairedConnected, peer.State)
	require.False(t, stream.isClosed())
	require.True(t, h.trust.IsPinned("phone-123", cert))
	_, err = h.store.GetPeer("phone-123")
	require.NoError(t, err)
	require.False(t, h.events.has("unpaired:phone-123"))

	hooked.unpinErr = nil
	require.NoError(t, h.reg.Unpair("phone-123"))
	require.False(t, h.trust.IsPinned("phone-123", cert))
}

func TestAcceptTrustPinsWithoutHoldingRegistryLock(t *testing.T) {
	hooked := &hookedTrust{}
	h := newHarnessWith(t, time.Minute, func(inner TrustStore) TrustStore {
		hooked.TrustStore = inner
		return hooked
	})
	hooked.beforePin = func(peerID string) {
		// Would deadlock if the registry lock were held here.
		peer, ok := h.reg.Peer(peerID)
		require.True(t, ok)
		require.Equal(t, StateAwaitingTrust, peer.State)
		require.ErrorIs(t, h.reg.AcceptTrust(peerID), ErrNoPendingTrust, "a second accept is refused while pinning")
	}

	h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))
	peer, _ := h.reg.Peer("phone-123")
	require.Equal(t, StatePairedConnected, peer.State)
}

func TestAcceptTrustRollsBackPinWhenDecisionEndsMeanwhile(t *testing.T) {
	hooked := &hookedTrust{}
	h := newHarnessWith(t, time.Minute, func(inner TrustStore) TrustStore {
		hooked.TrustStore = inner
		return hooked
	})
	hooked.beforePin = func(peerID string) {
		require.NoError(t, h.reg.DeclineTrust(peerID))
	}

	cert := peerCert(t, "phone-123")
	_, err := h.reg.Attach(Handshake{PeerID: "phone-123", Certificate: cert, Stream: newFakeStream()})
	require.NoError(t, err)

	require.ErrorIs(t, h.reg.AcceptTrust("phone-123"), ErrNoPendingTrust)
	require.False(t, h.trust.IsPinned("phone-123", cert))
	peer, _ := h.reg.Peer("phone-123")
	require.Equal(t, StateDiscovered, peer.State)
	require.False(t, peer.Paired)
}

func TestPacketTypeSettingPersistsForPairedPeer(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))

	require.NoError(t, h.reg.SetPacketTypeEnabled("phone-123", packet.TypeBattery, false))
	settings, err := h.store.PacketTypeSettings("phone-123")
	require.NoError(t, err)
	require.Equal(t, map[string]bool{packet.TypeBattery: false}, settings)
}

func TestResetForgetsEverySession(t *testing.T) {
	h := newHarness(t, time.Minute)
	paired := h.pairPeer(t, "phone-123", peerCert(t, "phone-123"))
	awaiting := newFakeStream()
	_, err := h.reg.Attach(Handshake{PeerID: "tablet-9", Certificate: peerCert(t, "tablet-9"), Stream: awaiting})
	require.NoError(t, err)
	h.reg.Observe(Announcement{PeerID: "tv-1", Address: "10.0.0.9", Port: 1716})

	h.reg.Reset()
	require.True(t, paired.isClosed())
	require.True(t, awaiting.isClosed())
	require.Empty(t, h.reg.Connected())
	require.Empty(t, h.reg.Visible())
	require.Empty(t, h.reg.Saved())
	require.True(t, h.events.has("unpaired:phone-123"))
	require.False(t, h.events.has("unpaired:tablet-9"))

	fresh := newFakeStream()
	outcome, err := h.reg.Attach(Handshake{PeerID: "tv-1", Certificate: peerCert(t, "tv-1"), Stream: fresh})
	require.NoError(t, err)
	require.Equal(t, OutcomeAwaitingTrust, outcome)
}

func mustCurrentStream(t *testing.T, reg *Registry, peerID string) Stream {
	t.Helper()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := reg.sessions[peerID]
	require.NotNil(t, s)
	require.NotNil(t, s.stream)
	return s.stream
}

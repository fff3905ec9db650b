package network

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"devlink/crypto"
	"devlink/packet"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testHandshakeOptions(t *testing.T, deviceID, name string) HandshakeOptions {
	t.Helper()
	identity, err := crypto.GenerateIdentity(deviceID, time.Now())
	require.NoError(t, err)
	return HandshakeOptions{
		Identity: identity,
		Local: packet.Identity{
			DeviceID:    deviceID,
			DeviceName:  name,
			DeviceClass: "laptop",
		},
		HandshakeTimeout: 2 * time.Second,
		Logger:           quietLogger(),
	}
}

func startTestServer(t *testing.T, opts HandshakeOptions) *Server {
	t.Helper()
	server, err := Listen("127.0.0.1:0", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func waitForLink(t *testing.T, server *Server) *Link {
	t.Helper()
	select {
	case link := <-server.Incoming():
		require.NotNil(t, link)
		t.Cleanup(func() { _ = link.Close() })
		return link
	case err := <-server.Errors():
		t.Fatalf("server error: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound link")
	}
	return nil
}

func waitForServerError(t *testing.T, server *Server) error {
	t.Helper()
	select {
	case err := <-server.Errors():
		return err
	case link := <-server.Incoming():
		_ = link.Close()
		t.Fatal("unexpected inbound link")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server error")
	}
	return nil
}

func TestHandshakeExchangesIdentities(t *testing.T) {
	serverOpts := testHandshakeOptions(t, "laptop-1", "Laptop")
	clientOpts := testHandshakeOptions(t, "phone-1", "Phone")
	server := startTestServer(t, serverOpts)

	outbound, err := Dial(context.Background(), server.Addr().String(), "laptop-1", clientOpts)
	require.NoError(t, err)
	defer outbound.Close()
	inbound := waitForLink(t, server)

	require.Equal(t, "laptop-1", outbound.PeerID())
	require.Equal(t, "Laptop", outbound.Peer().DeviceName)
	require.Equal(t, server.Addr().(*net.TCPAddr).Port, outbound.Peer().TCPPort)
	require.Equal(t, serverOpts.Identity.CertificateDER(), outbound.Certificate())
	require.Equal(t, serverOpts.Identity.Fingerprint(), outbound.Fingerprint())

	require.Equal(t, "phone-1", inbound.PeerID())
	require.Equal(t, "Phone", inbound.Peer().DeviceName)
	require.Equal(t, clientOpts.Identity.Fingerprint(), inbound.Fingerprint())
	require.Equal(t, StateReady, inbound.State())
}

func TestLinkCarriesPacketsBothWays(t *testing.T) {
	server := startTestServer(t, testHandshakeOptions(t, "laptop-1", "Laptop"))
	outbound, err := Dial(context.Background(), server.Addr().String(), "", testHandshakeOptions(t, "phone-1", "Phone"))
	require.NoError(t, err)
	defer outbound.Close()
	inbound := waitForLink(t, server)

	battery := packet.New(packet.TypeBattery)
	battery.Body.SetInt("currentCharge", 42)
	require.NoError(t, outbound.Send(battery))

	got, err := inbound.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, packet.TypeBattery, got.Type)
	require.EqualValues(t, 42, got.Body.Int("currentCharge"))

	require.NoError(t, inbound.Send(packet.NewPairPacket(true)))
	got, err = outbound.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, packet.TypePair, got.Type)
	require.True(t, got.Body.Bool("pair"))
}

func TestLinkSendEncodeErrorKeepsLinkOpen(t *testing.T) {
	server := startTestServer(t, testHandshakeOptions(t, "laptop-1", "Laptop"))
	outbound, err := Dial(context.Background(), server.Addr().String(), "", testHandshakeOptions(t, "phone-1", "Phone"))
	require.NoError(t, err)
	defer outbound.Close()
	_ = waitForLink(t, server)

	require.ErrorIs(t, outbound.Send(&packet.Packet{}), packet.ErrEncode)
	require.ErrorIs(t, outbound.Send(packet.NewIdentityPacket(packet.Identity{DeviceID: "x"})), packet.ErrEncode)
	require.Equal(t, StateReady, outbound.State())
	require.NoError(t, outbound.Send(packet.New(packet.TypeBatteryRequest)))
}

func TestLinkCloseEndsReadsAndSends(t *testing.T) {
	server := startTestServer(t, testHandshakeOptions(t, "laptop-1", "Laptop"))
	outbound, err := Dial(context.Background(), server.Addr().String(), "", testHandshakeOptions(t, "phone-1", "Phone"))
	require.NoError(t, err)
	inbound := waitForLink(t, server)

	require.NoError(t, outbound.Close())
	require.NoError(t, outbound.Close())
	require.ErrorIs(t, outbound.Send(packet.New(packet.TypeBattery)), ErrLinkClosed)

	_, err = inbound.ReadPacket()
	require.Error(t, err)
	select {
	case <-inbound.Done():
	case <-time.After(time.Second):
		t.Fatal("inbound link did not close")
	}
	require.Equal(t, StateDisconnected, inbound.State())
}

func TestDialRejectsUnexpectedPeer(t *testing.T) {
	server := startTestServer(t, testHandshakeOptions(t, "laptop-1", "Laptop"))

	_, err := Dial(context.Background(), server.Addr().String(), "someone-else", testHandshakeOptions(t, "phone-1", "Phone"))
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.ErrorIs(t, err, ErrUnexpectedPeer)
}

func TestDialRejectsSelf(t *testing.T) {
	opts := testHandshakeOptions(t, "laptop-1", "Laptop")
	server := startTestServer(t, opts)

	_, err := Dial(context.Background(), server.Addr().String(), "", opts)
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestServerRejectsIdentityThatDoesNotMatchCertificate(t *testing.T) {
	server := startTestServer(t, testHandshakeOptions(t, "laptop-1", "Laptop"))
	impostor := testHandshakeOptions(t, "impostor", "Impostor")

	raw, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	conn := tls.Client(raw, tlsConfig(impostor.Identity))
	require.NoError(t, conn.HandshakeContext(context.Background()))
	require.NoError(t, packet.NewWriter(conn).WritePacket(packet.NewIdentityPacket(packet.Identity{
		DeviceID:   "victim",
		DeviceName: "Victim",
	})))

	err = waitForServerError(t, server)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.Contains(t, err.Error(), "does not match certificate")
}

func TestServerHandshakeTimesOut(t *testing.T) {
	opts := testHandshakeOptions(t, "laptop-1", "Laptop")
	opts.HandshakeTimeout = 100 * time.Millisecond
	server := startTestServer(t, opts)

	raw, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	err = waitForServerError(t, server)
	require.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestServerRateLimitsInboundConnectionsPerIP(t *testing.T) {
	limited := make(chan string, 4)
	opts := testHandshakeOptions(t, "laptop-1", "Laptop")
	opts.ConnectionRateLimitPerIP = 2
	opts.ConnectionRateLimitWindow = time.Minute
	opts.OnInboundConnectionRateLimit = func(ip string) { limited <- ip }
	server := startTestServer(t, opts)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", server.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
	}

	select {
	case ip := <-limited:
		require.Equal(t, "127.0.0.1", ip)
	case <-time.After(2 * time.Second):
		t.Fatal("expected third connection to be rate limited")
	}
	select {
	case ip := <-limited:
		t.Fatalf("unexpected extra rate limit for %s", ip)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestIPRateLimiterWindowExpires(t *testing.T) {
	limiter := newIPRateLimiter(1, 50*time.Millisecond)
	require.True(t, limiter.Allow("10.0.0.1"))
	require.False(t, limiter.Allow("10.0.0.1"))
	require.True(t, limiter.Allow("10.0.0.2"))

	require.Eventually(t, func() bool { return limiter.Allow("10.0.0.1") }, time.Second, 20*time.Millisecond)
}

func TestListenValidatesIdentity(t *testing.T) {
	opts := testHandshakeOptions(t, "laptop-1", "Laptop")
	opts.Local.DeviceID = "other"
	_, err := Listen("127.0.0.1:0", opts)
	require.Error(t, err)

	_, err = Listen("127.0.0.1:0", HandshakeOptions{Local: packet.Identity{DeviceID: "x"}})
	require.Error(t, err)
}

func TestDialUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = Dial(context.Background(), addr, "", testHandshakeOptions(t, "phone-1", "Phone"))
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrHandshakeFailed))
}

func TestServerReportsInboundPeerBeforeIdentityExchange(t *testing.T) {
	reported := make(chan string, 1)
	failures := make(chan error, 1)
	opts := testHandshakeOptions(t, "laptop-1", "Laptop")
	opts.OnInboundPeer = func(peerID string) func(error) {
		reported <- peerID
		return func(err error) { failures <- err }
	}
	server := startTestServer(t, opts)
	impostor := testHandshakeOptions(t, "impostor", "Impostor")

	raw, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	conn := tls.Client(raw, tlsConfig(impostor.Identity))
	require.NoError(t, conn.HandshakeContext(context.Background()))
	require.NoError(t, packet.NewWriter(conn).WritePacket(packet.NewIdentityPacket(packet.Identity{DeviceID: "victim"})))

	require.Equal(t, "impostor", <-reported)
	select {
	case err := <-failures:
		require.ErrorIs(t, err, ErrHandshakeFailed)
	case <-time.After(3 * time.Second):
		t.Fatal("failed handshake was not reported")
	}
}

func TestServerCloseClosesUnclaimedLinks(t *testing.T) {
	server, err := Listen("127.0.0.1:0", testHandshakeOptions(t, "laptop-1", "Laptop"))
	require.NoError(t, err)

	outbound, err := Dial(context.Background(), server.Addr().String(), "", testHandshakeOptions(t, "phone-1", "Phone"))
	require.NoError(t, err)
	defer outbound.Close()
	require.Eventually(t, func() bool { return len(server.incoming) == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Close())
	_, err = outbound.ReadPacket()
	require.Error(t, err)

	_, open := <-server.Incoming()
	require.False(t, open)
}

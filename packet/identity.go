package packet

import (
	"fmt"
	"strings"
)

// ProtocolVersion is advertised in identity packets.
const ProtocolVersion = 1

// Identity is the summary a node advertises in discovery broadcasts and sends
// as the first packet on every link.
type Identity struct {
	DeviceID        string
	DeviceName      string
	DeviceClass     string
	TCPPort         int
	ProtocolVersion int
}

// NewIdentityPacket builds an identity packet for id.
func NewIdentityPacket(id Identity) *Packet {
	version := id.ProtocolVersion
	if version == 0 {
		version = ProtocolVersion
	}

	p := New(TypeIdentity)
	p.Body.SetString("deviceId", id.DeviceID)
	p.Body.SetString("deviceName", id.DeviceName)
	p.Body.SetString("deviceType", id.DeviceClass)
	p.Body.SetInt("protocolVersion", int64(version))
	if id.TCPPort > 0 {
		p.Body.SetInt("tcpPort", int64(id.TCPPort))
	}
	return p
}

// ParseIdentity extracts an Identity from an identity packet.
func ParseIdentity(p *Packet) (Identity, error) {
	if p == nil || p.Type != TypeIdentity {
		return Identity{}, fmt.Errorf("%w: not an identity packet", ErrMalformedPacket)
	}

	id := Identity{
		DeviceID:        strings.TrimSpace(p.Body.String("deviceId")),
		DeviceName:      strings.TrimSpace(p.Body.String("deviceName")),
		DeviceClass:     strings.TrimSpace(p.Body.String("deviceType")),
		TCPPort:         int(p.Body.Int("tcpPort")),
		ProtocolVersion: int(p.Body.Int("protocolVersion")),
	}
	if id.DeviceID == "" {
		return Identity{}, fmt.Errorf("%w: identity without deviceId", ErrMalformedPacket)
	}
	if id.TCPPort < 0 || id.TCPPort > 65535 {
		return Identity{}, fmt.Errorf("%w: invalid tcpPort %d", ErrMalformedPacket, id.TCPPort)
	}
	if id.DeviceName == "" {
		id.DeviceName = id.DeviceID
	}
	return id, nil
}

// NewPairPacket builds a pairing signal. pair=false means decline or unpair.
func NewPairPacket(pair bool) *Packet {
	p := New(TypePair)
	p.Body.SetBool("pair", pair)
	return p
}

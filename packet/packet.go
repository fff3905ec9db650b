package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	// MaxPacketSize bounds one encoded packet line (10 MB). Payload bytes are
	// not counted.
	MaxPacketSize = 10 * 1024 * 1024
)

const (
	TypeIdentity       = "identity"
	TypePair           = "pair"
	TypeBattery        = "battery"
	TypeBatteryRequest = "battery.request"
)

var (
	// ErrMalformedPacket indicates a packet line or payload that cannot be decoded.
	ErrMalformedPacket = errors.New("packet: malformed packet")
	// ErrEncode indicates a packet that cannot be serialised.
	ErrEncode = errors.New("packet: encode failed")
)

// Packet is one unit of the wire protocol.
type Packet struct {
	ID          int64
	Type        string
	Body        *Body
	PayloadSize int64
	// Payload carries PayloadSize raw bytes that follow the packet line.
	Payload io.Reader

	// wire is the decoded top-level object. Encode follows its key order
	// and copies fields this package does not interpret.
	wire *Body
}

const (
	keyID          = "id"
	keyType        = "type"
	keyBody        = "body"
	keyPayloadSize = "payloadSize"
)

var nullJSON = []byte("null")

var lastID atomic.Int64

// nextID returns a millisecond timestamp that is strictly greater than any
// previously returned one.
func nextID() int64 {
	now := time.Now().UnixMilli()
	for {
		prev := lastID.Load()
		id := now
		if id <= prev {
			id = prev + 1
		}
		if lastID.CompareAndSwap(prev, id) {
			return id
		}
	}
}

// New creates an empty packet of the given type with a fresh id.
func New(packetType string) *Packet {
	return &Packet{
		ID:   nextID(),
		Type: packetType,
		Body: NewBody(),
	}
}

// WithPayload attaches a raw payload of size bytes.
func (p *Packet) WithPayload(payload io.Reader, size int64) *Packet {
	p.Payload = payload
	p.PayloadSize = size
	return p
}

// Encode serialises the packet line including the trailing newline. The
// payload, if any, is not included; see Writer.
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrEncode)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrEncode)
	}
	if p.PayloadSize < 0 {
		return nil, fmt.Errorf("%w: negative payload size %d", ErrEncode, p.PayloadSize)
	}

	var line bytes.Buffer
	line.WriteByte('{')
	written := 0
	for _, key := range p.wireKeys() {
		value, err := p.fieldValue(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrEncode, key, err)
		}
		if value == nil {
			continue
		}
		if written > 0 {
			line.WriteByte(',')
		}
		name, _ := marshalJSON(key)
		line.Write(name)
		line.WriteByte(':')
		line.Write(value)
		written++
	}
	line.WriteByte('}')

	if line.Len() > MaxPacketSize {
		return nil, fmt.Errorf("%w: packet exceeds %d bytes", ErrEncode, MaxPacketSize)
	}
	line.WriteByte('\n')
	return line.Bytes(), nil
}

// wireKeys lists top-level keys in output order: the decoded order when
// there is one, followed by any known key it lacked.
func (p *Packet) wireKeys() []string {
	keys := p.wire.Keys()
	for _, key := range []string{keyID, keyType, keyBody, keyPayloadSize} {
		if !p.wire.Has(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// fieldValue renders one top-level field. A nil value omits the field.
func (p *Packet) fieldValue(key string) ([]byte, error) {
	switch key {
	case keyID:
		if p.ID == 0 && p.wire != nil && !p.wire.Has(keyID) {
			return nil, nil
		}
		return strconv.AppendInt(nil, p.ID, 10), nil
	case keyType:
		return marshalJSON(p.Type)
	case keyBody:
		if p.Body.Len() == 0 && p.wire != nil {
			raw, ok := p.wire.Raw(keyBody)
			switch {
			case !ok:
				return nil, nil
			case bytes.Equal(raw, nullJSON):
				return nullJSON, nil
			}
		}
		if p.Body == nil {
			return []byte("{}"), nil
		}
		return p.Body.MarshalJSON()
	case keyPayloadSize:
		if p.PayloadSize == 0 && !p.wire.Has(keyPayloadSize) {
			return nil, nil
		}
		return strconv.AppendInt(nil, p.PayloadSize, 10), nil
	default:
		raw, _ := p.wire.Raw(key)
		return raw, nil
	}
}

// marshalJSON is json.Marshal without HTML escaping, so text such as
// "<b>a & b</b>" keeps its bytes.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Decode parses one newline-terminated packet followed by exactly PayloadSize
// payload bytes. Unknown packet types are not an error.
func Decode(data []byte) (*Packet, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, fmt.Errorf("%w: missing newline delimiter", ErrMalformedPacket)
	}

	p, err := decodeLine(data[:idx])
	if err != nil {
		return nil, err
	}

	rest := data[idx+1:]
	if int64(len(rest)) < p.PayloadSize {
		return nil, fmt.Errorf("%w: truncated payload: got %d want %d", ErrMalformedPacket, len(rest), p.PayloadSize)
	}
	if int64(len(rest)) > p.PayloadSize {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, int64(len(rest))-p.PayloadSize)
	}
	if p.PayloadSize > 0 {
		p.Payload = bytes.NewReader(rest)
	}
	return p, nil
}

func decodeLine(line []byte) (*Packet, error) {
	wire := NewBody()
	if err := json.Unmarshal(line, wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	p := &Packet{Type: wire.String(keyType), Body: NewBody(), wire: wire}
	if p.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrMalformedPacket)
	}
	if raw, ok := wire.Raw(keyID); ok {
		if err := json.Unmarshal(raw, &p.ID); err != nil {
			return nil, fmt.Errorf("%w: id: %v", ErrMalformedPacket, err)
		}
	}
	if raw, ok := wire.Raw(keyPayloadSize); ok {
		if err := json.Unmarshal(raw, &p.PayloadSize); err != nil {
			return nil, fmt.Errorf("%w: payloadSize: %v", ErrMalformedPacket, err)
		}
	}
	if p.PayloadSize < 0 {
		return nil, fmt.Errorf("%w: negative payload size %d", ErrMalformedPacket, p.PayloadSize)
	}
	if raw, ok := wire.Raw(keyBody); ok && !bytes.Equal(raw, nullJSON) {
		if err := json.Unmarshal(raw, p.Body); err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrMalformedPacket, err)
		}
	}
	return p, nil
}

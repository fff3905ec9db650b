package packet

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Reader decodes packets from a byte stream one at a time.
//
// A payload is exposed through Packet.Payload and must be consumed before the
// next ReadPacket call; any unread remainder is discarded automatically.
type Reader struct {
	br      *bufio.Reader
	maxLine int
	pending *io.LimitedReader
}

// NewReader wraps r with packet framing.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br:      bufio.NewReaderSize(r, 64*1024),
		maxLine: MaxPacketSize,
	}
}

// ReadPacket returns the next packet. ErrMalformedPacket is returned for a
// single bad line; the stream stays usable. Any other error is a transport
// failure.
func (r *Reader) ReadPacket() (*Packet, error) {
	if err := r.Discard(); err != nil {
		return nil, err
	}

	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}

		p, err := decodeLine(line)
		if err != nil {
			return nil, err
		}
		if p.PayloadSize > 0 {
			r.pending = &io.LimitedReader{R: r.br, N: p.PayloadSize}
			p.Payload = r.pending
		}
		return p, nil
	}
}

// Discard skips the unread rest of the current payload.
func (r *Reader) Discard() error {
	if r.pending == nil {
		return nil
	}
	pending := r.pending
	r.pending = nil
	if _, err := io.Copy(io.Discard, pending); err != nil {
		return fmt.Errorf("discard payload: %w", err)
	}
	if pending.N > 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (r *Reader) readLine() ([]byte, error) {
	var (
		line      []byte
		oversized bool
	)
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !oversized && len(line)+len(chunk) <= r.maxLine+1 {
			line = append(line, chunk...)
		} else {
			oversized = true
			line = nil
		}

		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && (len(line) > 0 || oversized) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if oversized {
		return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedPacket, r.maxLine)
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

// Writer encodes packets onto a byte stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w with packet framing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePacket writes the packet line followed by exactly PayloadSize payload
// bytes. Errors wrapping ErrEncode mean nothing was written.
func (w *Writer) WritePacket(p *Packet) error {
	line, err := Encode(p)
	if err != nil {
		return err
	}
	if p.PayloadSize > 0 && p.Payload == nil {
		return fmt.Errorf("%w: payload size %d without payload", ErrEncode, p.PayloadSize)
	}

	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	if p.PayloadSize > 0 {
		if _, err := io.CopyN(w.w, p.Payload, p.PayloadSize); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mwillis775/grabnet/pkg/wire"
)

// MaxFrameSize bounds a single decoded frame, guarding against a peer
// claiming an unbounded length prefix and exhausting memory.
const MaxFrameSize = 64 * 1024 * 1024

// WriteFrame serializes frame to canonical CBOR and writes it to w behind a
// 4-byte big-endian length prefix. Every GrabNet transport speaks this
// framing directly rather than exposing a bare byte stream, so peers never
// have to agree on message boundaries out of band.
func WriteFrame(w io.Writer, frame *wire.BaseFrame) error {
	data, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed CBOR frame from r, validates its
// envelope, and decodes its typed body.
func ReadFrame(r io.Reader) (*wire.BaseFrame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame length %d out of bounds", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	frame := &wire.BaseFrame{}
	if err := frame.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("transport: unmarshal frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if err := wire.DecodeBody(frame); err != nil {
		return nil, fmt.Errorf("transport: decode frame body: %w", err)
	}
	return frame, nil
}

// FrameCodec implements ReadFrame/WriteFrame for any connection that is
// itself an io.Reader/io.Writer. Transport implementations embed it so the
// connection speaks GrabNet's frame type directly instead of raw bytes.
type FrameCodec struct {
	io.ReadWriter
}

// ReadFrame reads the next frame off the wrapped connection.
func (f FrameCodec) ReadFrame() (*wire.BaseFrame, error) {
	return ReadFrame(f.ReadWriter)
}

// WriteFrame writes frame to the wrapped connection.
func (f FrameCodec) WriteFrame(frame *wire.BaseFrame) error {
	return WriteFrame(f.ReadWriter, frame)
}

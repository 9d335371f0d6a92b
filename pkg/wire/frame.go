// Package wire implements GrabNet's base framing protocol (§6 "Wire
// messages"). Every request/response on a direct peer stream, and every
// pubsub announcement, is wrapped in a BaseFrame: a canonical CBOR envelope
// individually signed with the sender's Ed25519 key. The frame only carries
// messages between peers — the manifest bytes inside a Manifest body use
// pkg/canonical's fixed binary layout, never CBOR, so that root_hash stays
// independent of the transport envelope.
package wire

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/mwillis775/grabnet/pkg/codec/cborcanon"
	"github.com/mwillis775/grabnet/pkg/constants"
)

// BaseFrame represents the common structure for all GrabNet protocol
// messages.
type BaseFrame struct {
	V    uint16      `cbor:"v"`    // Protocol version
	Kind uint16      `cbor:"kind"` // Message kind (see pkg/constants Kind*)
	From string      `cbor:"from"` // Sender peer id
	Seq  uint64      `cbor:"seq"`  // Sequence number
	TS   uint64      `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	Body interface{} `cbor:"body"` // Kind-specific CBOR payload
	Sig  []byte      `cbor:"sig"`  // Ed25519 signature over canonical(v|kind|from|seq|ts|body)
}

// NewBaseFrame creates a new BaseFrame with the current timestamp.
func NewBaseFrame(kind uint16, from string, seq uint64, body interface{}) *BaseFrame {
	return &BaseFrame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: body,
	}
}

// Sign signs the frame with the provided Ed25519 private key.
func (f *BaseFrame) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("wire: encode frame for signing: %w", err)
	}
	f.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify verifies the frame signature using the provided Ed25519 public key.
func (f *BaseFrame) Verify(publicKey ed25519.PublicKey) error {
	if len(f.Sig) == 0 {
		return fmt.Errorf("wire: frame has no signature")
	}
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("wire: encode frame for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, f.Sig) {
		return fmt.Errorf("wire: signature verification failed")
	}
	return nil
}

// Marshal encodes the frame to canonical CBOR.
func (f *BaseFrame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes canonical CBOR data into the frame.
func (f *BaseFrame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// Validate performs basic structural validation on the frame: protocol
// version, sender presence, signature presence, and clock skew.
func (f *BaseFrame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return NewError(CodeProtocolViolation, fmt.Sprintf("unsupported protocol version: %d", f.V))
	}
	if f.From == "" {
		return NewError(CodeMalformedMessage, "missing sender peer id")
	}
	if len(f.Sig) == 0 {
		return NewError(CodeMalformedMessage, "missing signature")
	}

	now := uint64(time.Now().UnixMilli())
	maxSkew := uint64(constants.MaxClockSkew.Milliseconds())
	if f.TS > now+maxSkew {
		return NewError(CodeProtocolViolation, "timestamp too far in the future")
	}
	if now > f.TS+maxSkew {
		return NewError(CodeProtocolViolation, "timestamp too far in the past")
	}
	return nil
}

// IsKind reports whether the frame carries the given message kind.
func (f *BaseFrame) IsKind(kind uint16) bool {
	return f.Kind == kind
}

// GetTimestamp returns the frame timestamp as a time.Time.
func (f *BaseFrame) GetTimestamp() time.Time {
	return time.UnixMilli(int64(f.TS))
}

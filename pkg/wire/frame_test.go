package wire

import (
	"testing"
	"time"

	"github.com/mwillis775/grabnet/pkg/hashsign"
)

func TestFrameSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	frame := NewFindSiteFrame("peer-a", 1, make([]byte, hashsign.HashSize))
	if err := frame.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := frame.Verify(pub); err != nil {
		t.Fatalf("Verify failed for a correctly signed frame: %v", err)
	}
}

func TestFrameVerifyRejectsTamperedBody(t *testing.T) {
	pub, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	frame := NewFindSiteFrame("peer-a", 1, make([]byte, hashsign.HashSize))
	if err := frame.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	frame.Seq = 2
	if err := frame.Verify(pub); err == nil {
		t.Fatalf("Verify accepted a frame tampered with after signing")
	}
}

func TestFrameVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	otherPub, _, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	frame := NewAnnounceFrame("peer-a", 1, make([]byte, hashsign.HashSize), 1, make([]byte, hashsign.PublicKeySize))
	if err := frame.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := frame.Verify(otherPub); err == nil {
		t.Fatalf("Verify accepted a frame under the wrong public key")
	}
}

func TestFrameMarshalUnmarshalRoundTrip(t *testing.T) {
	_, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	frame := NewGetManifestFrame("peer-a", 7, make([]byte, hashsign.HashSize), 3)
	if err := frame.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	data, err := frame.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got BaseFrame
	if err := got.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Kind != frame.Kind || got.From != frame.From || got.Seq != frame.Seq {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, frame)
	}
}

func TestValidateRejectsMissingSignature(t *testing.T) {
	frame := NewFindSiteFrame("peer-a", 1, make([]byte, hashsign.HashSize))
	if err := frame.Validate(); err == nil {
		t.Fatalf("Validate accepted an unsigned frame")
	}
}

func TestValidateRejectsStaleClock(t *testing.T) {
	_, priv, err := hashsign.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	frame := NewFindSiteFrame("peer-a", 1, make([]byte, hashsign.HashSize))
	frame.TS = uint64(time.Now().Add(-1 * time.Hour).UnixMilli())
	if err := frame.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := frame.Validate(); err == nil {
		t.Fatalf("Validate accepted a frame with a far-past timestamp")
	}
}

func TestErrorFrameRoundTrip(t *testing.T) {
	wireErr := NewError(CodeStaleRevision, "revision 2 <= current revision 3")
	frame := ErrorFrame("peer-b", 9, wireErr)

	if !IsErrorFrame(frame) {
		t.Fatalf("ErrorFrame did not produce a frame recognized as an error frame")
	}

	got, err := ExtractError(frame)
	if err != nil {
		t.Fatalf("ExtractError: %v", err)
	}
	if got.Code != CodeStaleRevision {
		t.Fatalf("ExtractError code = %q, want %q", got.Code, CodeStaleRevision)
	}
}

func TestExtractErrorRejectsNonErrorFrame(t *testing.T) {
	frame := NewFindSiteFrame("peer-a", 1, make([]byte, hashsign.HashSize))
	if _, err := ExtractError(frame); err == nil {
		t.Fatalf("ExtractError accepted a non-error frame")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  *Error
		want bool
	}{
		{NewError(CodeTimeout, "dial timed out"), true},
		{NewError(CodePeerUnreachable, "connection refused"), true},
		{NewError(CodeBadSignature, "signature invalid"), false},
		{NewErrorWithRetry(CodeBadSignature, "explicit retry hint", 5), true},
	}

	for _, c := range cases {
		if got := c.err.IsRetryable(); got != c.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", c.err.Code, got, c.want)
		}
	}
}

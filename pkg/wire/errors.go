package wire

import "fmt"

// Error is a GrabNet protocol error carried over the wire (§7 "Error
// handling design"). Code spans all of §7's semantic error kinds, since any
// of them may need to be reported back to a remote peer inside an error
// frame, not just the purely network-level ones.
type Error struct {
	Code       string  `cbor:"code"`
	Reason     string  `cbor:"reason"`
	RetryAfter *uint32 `cbor:"retry_after,omitempty"`
}

// Error kinds (§7), spelled as the wire's string codes.
const (
	CodeBadPath          = "bad_path"
	CodeNameChange       = "name_change"
	CodeUnknownMime      = "unknown_mime"
	CodeEmptySite        = "empty_site"
	CodeBadSignature     = "bad_signature"
	CodeBadRootHash      = "bad_root_hash"
	CodeHashMismatch     = "hash_mismatch"
	CodeWrongPublisher   = "wrong_publisher"
	CodeStaleRevision    = "stale_revision"
	CodeMissingChunks    = "missing_chunks"
	CodeBundleNotFound   = "bundle_not_found"
	CodeSiteNotFound     = "site_not_found"
	CodeFileNotFound     = "file_not_found"
	CodeStorageFull      = "storage_full"
	CodeKVError          = "kv_error"
	CodeIo               = "io"
	CodePeerUnreachable  = "peer_unreachable"
	CodeTimeout          = "timeout"
	CodeMalformedMessage = "malformed_message"
	CodeProtocolViolation = "protocol_violation"
)

// NewError creates a new protocol error.
func NewError(code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// NewErrorWithRetry creates a new protocol error carrying a retry-after hint.
func NewErrorWithRetry(code, reason string, retryAfterSeconds uint32) *Error {
	return &Error{Code: code, Reason: reason, RetryAfter: &retryAfterSeconds}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("grabnet: %s: %s (retry after %ds)", e.Code, e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("grabnet: %s: %s", e.Code, e.Reason)
}

// IsRetryable reports whether the error suggests a retry may succeed —
// the network-kind errors in §7's propagation policy.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CodePeerUnreachable, CodeTimeout:
		return true
	default:
		return e.RetryAfter != nil
	}
}

// ErrorFrame wraps err in a BaseFrame of KindError (kind 0 is reserved for
// error responses, never a normal request/response body).
func ErrorFrame(from string, seq uint64, err *Error) *BaseFrame {
	return NewBaseFrame(0, from, seq, err)
}

// IsErrorFrame reports whether frame carries an error body.
func IsErrorFrame(frame *BaseFrame) bool {
	return frame.Kind == 0
}

// ExtractError extracts the Error from an error frame. If frame arrived off
// the wire and Body has not yet been decoded to its concrete type, it is
// decoded here.
func ExtractError(frame *BaseFrame) (*Error, error) {
	if !IsErrorFrame(frame) {
		return nil, fmt.Errorf("wire: frame is not an error frame")
	}
	if err, ok := frame.Body.(*Error); ok {
		return err, nil
	}
	if err := DecodeBody(frame); err != nil {
		return nil, fmt.Errorf("wire: frame body is not an Error: %w", err)
	}
	err, ok := frame.Body.(*Error)
	if !ok {
		return nil, fmt.Errorf("wire: frame body is not an Error")
	}
	return err, nil
}

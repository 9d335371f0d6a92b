package bundlestore

import (
	"errors"
	"fmt"

	"github.com/mwillis775/grabnet/pkg/hashsign"
)

// Error is bundlestore's exported error type, following the teacher's
// per-package error struct convention (pkg/content/errors.go): a Code
// constant, an optional wrapped Cause, and a Retryable classifier.
type Error struct {
	Code   string
	SiteId hashsign.SiteId
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bundlestore: %s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("bundlestore: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether retrying the operation that produced e might
// succeed. Per §7, bundlestore failures are all validation/cryptographic/
// state failures — none are retryable.
func (e *Error) Retryable() bool { return false }

// Error codes (§4.C, §7).
const (
	CodeStaleRevision  = "stale_revision"
	CodeBadSignature   = "bad_signature"
	CodeBadRootHash    = "bad_root_hash"
	CodeWrongPublisher = "wrong_publisher"
	CodeMissingChunks  = "missing_chunks"
	CodeBundleNotFound = "bundle_not_found"
	CodeNameChange     = "name_change"
)

func newErr(code string, siteId hashsign.SiteId, cause error) *Error {
	return &Error{Code: code, SiteId: siteId, Cause: cause}
}

// IsCode reports whether err is a bundlestore.Error with the given code.
func IsCode(err error, code string) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}

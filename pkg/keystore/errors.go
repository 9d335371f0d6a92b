package keystore

import "fmt"

// Error is keystore's exported error type, following the same per-package
// error struct convention as pkg/bundlestore and pkg/chunkstore.
type Error struct {
	Code  string
	Name  string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("keystore: %s: %s: %v", e.Code, e.Name, e.Cause)
	}
	return fmt.Sprintf("keystore: %s: %s", e.Code, e.Name)
}

func (e *Error) Unwrap() error { return e.Cause }

// Error codes (§4.D).
const (
	CodeNameInUse    = "name_in_use"
	CodeNotFound     = "not_found"
	CodeKeyGenFailed = "key_generation_failed"
	CodeBadKeyLength = "bad_key_length"
)

func newErr(code, name string, cause error) *Error {
	return &Error{Code: code, Name: name, Cause: cause}
}

// IsCode reports whether err is a keystore.Error with the given code.
func IsCode(err error, code string) bool {
	ke, ok := err.(*Error)
	return ok && ke.Code == code
}

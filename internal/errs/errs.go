// Package errs contains the error taxonomy shared by all packages and helpers
// to annotate errors on their way up the call stack.
package errs

import (
	"errors"
	"fmt"
)

var (
	InvalidFormat = errors.New("invalid format")
	InvalidLength = errors.New("invalid length")
	IsNil         = errors.New("argument must not be nil")
)

// Failure classes of the attestation subsystem.  Callers match them with
// errors.Is; the wrapping error carries the details.
var (
	// Platform means the local evidence producer failed.
	Platform = errors.New("platform attestation failure")
	// Transport means the attestation service could not be reached.
	Transport = errors.New("attestation transport failure")
	// Service means the attestation service answered with an unusable
	// response.
	Service = errors.New("attestation service failure")
	// Encoding means a field of the service's response was malformed.
	Encoding = errors.New("malformed attestation encoding")
	// Decode means a peer certificate carries no or a malformed endorsed
	// report.
	Decode = errors.New("failed to decode endorsed report")
	Signature          = errors.New("invalid report signature")
	Chain              = errors.New("untrusted report signing certificate")
	Binding            = errors.New("report not bound to certificate key")
	UntrustedPlatform  = errors.New("untrusted platform")
	UnauthorizedCaller = errors.New("unauthorized enclave measurement")
)

// Wrap prefixes a non-nil *err with the given message.
func Wrap(err *error, str string, args ...any) {
	if *err != nil {
		*err = fmt.Errorf("%s: %w", fmt.Sprintf(str, args...), *err)
	}
}

// WrapErr wraps a non-nil *err with the given sentinel, so that both remain
// reachable via errors.Is.
func WrapErr(err *error, wrapper error) {
	if *err != nil {
		*err = fmt.Errorf("%w: %w", wrapper, *err)
	}
}

// Add wraps err with the given message, and returns nil if err is nil.
func Add(err error, str string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", str, err)
}

// Join appends err to *origErr.
func Join(origErr *error, err error) {
	if err != nil {
		*origErr = errors.Join(*origErr, err)
	}
}

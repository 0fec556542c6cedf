// Package httperr defines the JSON error body that tessera's endpoints return.
package httperr

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Amnesic-Systems/tessera/internal/errs"
)

// Error kinds name the check that failed, so that clients can tell a
// misconfigured peer from a transient failure without parsing messages.
const (
	KindDecode             = "decode"
	KindSignature          = "signature"
	KindChain              = "chain"
	KindBinding            = "binding"
	KindUntrustedPlatform  = "untrusted_platform"
	KindUnauthorizedCaller = "unauthorized_caller"
	KindService            = "service"
	KindTransport          = "transport"
)

var kinds = []struct {
	sentinel error
	kind     string
}{
	{errs.Decode, KindDecode},
	{errs.Signature, KindSignature},
	{errs.Chain, KindChain},
	{errs.Binding, KindBinding},
	{errs.UntrustedPlatform, KindUntrustedPlatform},
	{errs.UnauthorizedCaller, KindUnauthorizedCaller},
	{errs.Service, KindService},
	{errs.Transport, KindTransport},
}

// Error is an application error message.
type Error struct {
	Msg  string `json:"error"`
	Kind string `json:"kind,omitempty"`
}

// New creates a new application layer error message.
func New(msg string) *Error {
	return &Error{Msg: msg}
}

// FromErr creates an error message whose kind is derived from err.  The
// message is msg and never err's text, which may leak internals.
func FromErr(msg string, err error) *Error {
	e := New(msg)
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			e.Kind = k.kind
			break
		}
	}
	return e
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return e.Msg
	}
	return e.Kind + ": " + e.Msg
}

// Write sends e as JSON with the given status code.
func Write(w http.ResponseWriter, status int, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// FromBody extracts the error from an HTTP response body, or returns nil if
// the body holds none.  The body remains available for further reading.
func FromBody(resp *http.Response) *Error {
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return nil
	}

	var e Error
	if err := json.Unmarshal(b, &e); err != nil || e.Msg == "" {
		return nil
	}
	return &e
}

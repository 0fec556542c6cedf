// Package enclave defines how the process obtains hardware evidence of its own
// identity, and how that evidence is laid out.
package enclave

import (
	"context"
)

const (
	TypeNoop    = "noop"
	TypeGramine = "gramine"
)

type (
	// KeyID identifies the attestation key the quoting enclave signs with.
	KeyID []byte
	// TargetInfo identifies the quoting enclave that reports are created
	// for.
	TargetInfo []byte
	// Report is a locally verifiable enclave report, addressed to the quoting
	// enclave described by a TargetInfo.
	Report []byte
)

// EvidenceProducer produces hardware evidence, a quote, that binds
// caller-chosen data to the measurement of the running enclave.
// Implementations must not perform network I/O.  All errors returned by an
// EvidenceProducer wrap errs.Platform.
type EvidenceProducer interface {
	// Type returns the producer's type, e.g., TypeNoop.
	Type() string
	// InitQuote prepares quoting and returns the attestation key and the
	// quoting enclave's target info.
	InitQuote(ctx context.Context) (KeyID, TargetInfo, error)
	// CreateReport creates a report for the given target whose report data
	// commits to the given public key.  The public key is expected in DER
	// encoded SubjectPublicKeyInfo form.
	CreateReport(ctx context.Context, pubKey []byte, target TargetInfo) (Report, error)
	// GetQuote converts the report into a remotely verifiable quote.
	GetQuote(ctx context.Context, keyID KeyID, report Report) ([]byte, error)
}

// Quote runs the three steps of an EvidenceProducer in order and returns a
// quote whose report data commits to pubKey.
func Quote(ctx context.Context, p EvidenceProducer, pubKey []byte) ([]byte, error) {
	keyID, target, err := p.InitQuote(ctx)
	if err != nil {
		return nil, err
	}
	report, err := p.CreateReport(ctx, pubKey, target)
	if err != nil {
		return nil, err
	}
	return p.GetQuote(ctx, keyID, report)
}

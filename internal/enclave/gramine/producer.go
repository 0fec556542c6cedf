// Package gramine implements a hardware-backed evidence producer for enclaves
// running under the Gramine library OS.  Gramine exposes the SGX quoting flow
// as pseudo-files below /dev/attestation, so the producer never talks to the
// hardware directly.
package gramine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
)

var _ enclave.EvidenceProducer = (*Producer)(nil)

const (
	DefaultRoot = "/dev/attestation"

	fileAttestationType = "attestation_type"
	fileMyTargetInfo    = "my_target_info"
	fileTargetInfo      = "target_info"
	fileUserReportData  = "user_report_data"
	fileReport          = "report"
	fileQuote           = "quote"

	// The attestation service endorses EPID quotes only.
	wantAttestationType = "epid"
)

var (
	errUnsupportedType = errors.New("unsupported attestation type")
	errQuoteMismatch   = errors.New("quote does not match report")
)

// Producer obtains quotes through Gramine's attestation pseudo-filesystem.
type Producer struct {
	root string
	// Serializes writing report data and reading what Gramine derives from
	// it.
	mu sync.Mutex
}

// NewProducer returns a producer that uses the pseudo-files below the given
// directory.  An empty root selects DefaultRoot.
func NewProducer(root string) *Producer {
	if root == "" {
		root = DefaultRoot
	}
	return &Producer{root: root}
}

// Available returns true if the attestation pseudo-filesystem exists, i.e.,
// if the process runs inside a Gramine enclave.
func (p *Producer) Available() bool {
	_, err := os.Stat(p.path(fileAttestationType))
	return err == nil
}

func (*Producer) Type() string {
	return enclave.TypeGramine
}

func (p *Producer) path(name string) string {
	return filepath.Join(p.root, name)
}

func (p *Producer) InitQuote(ctx context.Context) (_ enclave.KeyID, _ enclave.TargetInfo, err error) {
	defer errs.WrapErr(&err, errs.Platform)
	defer errs.Wrap(&err, "failed to initialize quote")

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	typ, err := os.ReadFile(p.path(fileAttestationType))
	if err != nil {
		return nil, nil, err
	}
	if got := strings.TrimSpace(string(typ)); got != wantAttestationType {
		return nil, nil, fmt.Errorf("%w: %q", errUnsupportedType, got)
	}
	target, err := os.ReadFile(p.path(fileMyTargetInfo))
	if err != nil {
		return nil, nil, err
	}
	// Gramine manages the EPID key internally, so there is no key ID to
	// pass along.
	return enclave.KeyID(wantAttestationType), enclave.TargetInfo(target), nil
}

func (p *Producer) CreateReport(
	ctx context.Context,
	pubKey []byte,
	target enclave.TargetInfo,
) (_ enclave.Report, err error) {
	defer errs.WrapErr(&err, errs.Platform)
	defer errs.Wrap(&err, "failed to create report")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pubKey) == 0 {
		return nil, fmt.Errorf("public key: %w", errs.IsNil)
	}
	report, err := p.reportFor(target, enclave.ReportDataFor(pubKey))
	if err != nil {
		return nil, err
	}
	if len(report) != enclave.ReportLen {
		return nil, fmt.Errorf("report: %w", errs.InvalidLength)
	}
	return report, nil
}

func (p *Producer) GetQuote(
	ctx context.Context,
	_ enclave.KeyID,
	report enclave.Report,
) (_ []byte, err error) {
	defer errs.WrapErr(&err, errs.Platform)
	defer errs.Wrap(&err, "failed to get quote")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := enclave.ParseReport(report)
	if err != nil {
		return nil, err
	}
	quote, err := p.quoteFor(body.ReportData[:])
	if err != nil {
		return nil, err
	}
	if len(quote) < enclave.QuoteBodyLen {
		return nil, fmt.Errorf("quote: %w", errs.InvalidLength)
	}
	// The pseudo-files are process-wide, so make sure that we got the quote
	// for our report and not for someone else's.
	quoted, err := enclave.ParseQuoteBody(quote)
	if err != nil {
		return nil, err
	}
	if *quoted != *body {
		return nil, errQuoteMismatch
	}
	return quote, nil
}

func (p *Producer) reportFor(target enclave.TargetInfo, data [enclave.ReportDataLen]byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.write(fileTargetInfo, target); err != nil {
		return nil, err
	}
	if err := p.write(fileUserReportData, data[:]); err != nil {
		return nil, err
	}
	return os.ReadFile(p.path(fileReport))
}

// quoteFor reads the quote over the given report data.  Gramine derives the
// quote from the most recently written report data.
func (p *Producer) quoteFor(data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.write(fileUserReportData, data); err != nil {
		return nil, err
	}
	return os.ReadFile(p.path(fileQuote))
}

func (p *Producer) write(name string, data []byte) error {
	// The pseudo-files exist already; we never create files.
	f, err := os.OpenFile(p.path(name), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

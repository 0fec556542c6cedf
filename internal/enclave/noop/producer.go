// Package noop implements a software evidence producer.  Its quotes have the
// layout of real quotes but are not signed by any hardware key, so it must only
// be used for testing.
package noop

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
)

var _ enclave.EvidenceProducer = (*Producer)(nil)

const (
	quoteVersion = 2
	// Linkable EPID signatures.
	signTypeLinkable = 1
	signatureLen     = 680
)

// Producer produces fake quotes for a fixed measurement.
type Producer struct {
	measurement enclave.Measurement
	debug       bool
	rand        io.Reader
}

// Option configures a Producer.
type Option func(*Producer)

// WithMeasurement sets the measurement that the producer claims.
func WithMeasurement(m enclave.Measurement) Option {
	return func(p *Producer) {
		p.measurement = m
	}
}

// WithDebug makes the producer claim to run in a debug enclave.
func WithDebug() Option {
	return func(p *Producer) {
		p.debug = true
	}
}

// WithRand sets the source of the producer's signature material.
func WithRand(r io.Reader) Option {
	return func(p *Producer) {
		p.rand = r
	}
}

// NewProducer returns a new noop producer.
func NewProducer(opts ...Option) *Producer {
	p := &Producer{rand: rand.Reader}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (*Producer) Type() string {
	return enclave.TypeNoop
}

// Measurement returns the measurement that the producer claims.
func (p *Producer) Measurement() enclave.Measurement {
	return p.measurement
}

func (p *Producer) InitQuote(ctx context.Context) (_ enclave.KeyID, _ enclave.TargetInfo, err error) {
	defer errs.WrapErr(&err, errs.Platform)

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	gid := make([]byte, 4)
	if _, err := io.ReadFull(p.rand, gid); err != nil {
		return nil, nil, err
	}
	return enclave.KeyID(gid), enclave.TargetInfo(make([]byte, 512)), nil
}

func (p *Producer) CreateReport(
	ctx context.Context,
	pubKey []byte,
	_ enclave.TargetInfo,
) (_ enclave.Report, err error) {
	defer errs.WrapErr(&err, errs.Platform)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(pubKey) == 0 {
		return nil, fmt.Errorf("public key: %w", errs.IsNil)
	}

	body := &enclave.QuoteBody{
		Measurement: p.measurement,
		ReportData:  enclave.ReportDataFor(pubKey),
	}
	if p.debug {
		body.Flags |= enclave.FlagDebug
	}
	// Key ID and MAC.
	trailer := make([]byte, enclave.ReportLen-enclave.ReportBodyLen)
	if _, err := io.ReadFull(p.rand, trailer); err != nil {
		return nil, err
	}
	return append(enclave.MarshalReportBody(body), trailer...), nil
}

func (p *Producer) GetQuote(
	ctx context.Context,
	keyID enclave.KeyID,
	report enclave.Report,
) (_ []byte, err error) {
	defer errs.WrapErr(&err, errs.Platform)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(report) != enclave.ReportLen {
		return nil, fmt.Errorf("report: %w", errs.InvalidLength)
	}

	header := make([]byte, enclave.QuoteHeaderLen)
	binary.LittleEndian.PutUint16(header[0:], quoteVersion)
	binary.LittleEndian.PutUint16(header[2:], signTypeLinkable)
	copy(header[4:8], keyID)

	sig := make([]byte, 4+signatureLen)
	binary.LittleEndian.PutUint32(sig, signatureLen)
	if _, err := io.ReadFull(p.rand, sig[4:]); err != nil {
		return nil, err
	}

	quote := append(header, report[:enclave.ReportBodyLen]...)
	return append(quote, sig...), nil
}

// Package ratls embeds endorsed attestation reports into X.509 certificates
// and verifies them, so that a TLS handshake proves which enclave build a peer
// runs.
package ratls

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"

	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/Amnesic-Systems/tessera/internal/util/must"
	"github.com/fxamacker/cbor/v2"
)

// ExtensionOID identifies the certificate extension that carries the endorsed
// report.  The extension's value is the CBOR array
//
//	[version, signature, signing_cert, report]
//
// whose last three elements are byte strings.  Only ExtensionVersion is
// defined.
var ExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1, 1}

const ExtensionVersion = 1

var (
	errNoExtension = errors.New("certificate lacks endorsed report extension")
	errVersion     = errors.New("unsupported extension version")
	errEmptyField  = errors.New("empty extension field")

	encMode = must.Get(cbor.CoreDetEncOptions().EncMode())
	decMode = must.Get(cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode())
)

type extensionValue struct {
	_           struct{} `cbor:",toarray"`
	Version     uint
	Signature   []byte
	SigningCert []byte
	Report      []byte
}

// MarshalExtension encodes the endorsed report as certificate extension.
func MarshalExtension(e *ias.EndorsedReport) (_ pkix.Extension, err error) {
	defer errs.Wrap(&err, "failed to marshal extension")

	if e == nil {
		return pkix.Extension{}, errs.IsNil
	}
	if len(e.Signature) == 0 || len(e.SigningCert) == 0 || len(e.Report) == 0 {
		return pkix.Extension{}, errEmptyField
	}
	value, err := encMode.Marshal(&extensionValue{
		Version:     ExtensionVersion,
		Signature:   e.Signature,
		SigningCert: e.SigningCert,
		Report:      e.Report,
	})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: ExtensionOID, Value: value}, nil
}

// UnmarshalExtension decodes an extension value.  It rejects unknown
// versions, missing or empty fields, and trailing data.  Errors wrap
// errs.Decode.
func UnmarshalExtension(value []byte) (_ *ias.EndorsedReport, err error) {
	defer errs.WrapErr(&err, errs.Decode)

	var v extensionValue
	if err := decMode.Unmarshal(value, &v); err != nil {
		return nil, err
	}
	if v.Version != ExtensionVersion {
		return nil, fmt.Errorf("%w: %d", errVersion, v.Version)
	}
	if len(v.Signature) == 0 || len(v.SigningCert) == 0 || len(v.Report) == 0 {
		return nil, errEmptyField
	}
	return &ias.EndorsedReport{
		Report:      v.Report,
		Signature:   v.Signature,
		SigningCert: v.SigningCert,
	}, nil
}

// EndorsedReportOf extracts the endorsed report from a certificate without
// verifying it.
func EndorsedReportOf(cert *x509.Certificate) (*ias.EndorsedReport, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: %w", errs.Decode, errs.IsNil)
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(ExtensionOID) {
			return UnmarshalExtension(ext.Value)
		}
	}
	return nil, fmt.Errorf("%w: %w", errs.Decode, errNoExtension)
}

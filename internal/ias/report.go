package ias

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
)

// Quote statuses as reported by the attestation service.
const (
	StatusOK                                = "OK"
	StatusSignatureInvalid                  = "SIGNATURE_INVALID"
	StatusGroupRevoked                      = "GROUP_REVOKED"
	StatusSignatureRevoked                  = "SIGNATURE_REVOKED"
	StatusKeyRevoked                        = "KEY_REVOKED"
	StatusSigRLVersionMismatch              = "SIGRL_VERSION_MISMATCH"
	StatusGroupOutOfDate                    = "GROUP_OUT_OF_DATE"
	StatusConfigurationNeeded               = "CONFIGURATION_NEEDED"
	StatusSWHardeningNeeded                 = "SW_HARDENING_NEEDED"
	StatusConfigurationAndSWHardeningNeeded = "CONFIGURATION_AND_SW_HARDENING_NEEDED"
)

// TimestampFormat is the layout of a report's timestamp, which is in UTC.
const TimestampFormat = "2006-01-02T15:04:05.999999"

var (
	errNoStatus    = errors.New("report lacks quote status")
	errNoQuoteBody = errors.New("report lacks quote body")
	errNoRoots     = errors.New("no pinned root certificates")
)

// EndorsedReport is the attestation service's verdict over a quote together
// with the proof that the service issued it.
type EndorsedReport struct {
	// Report is the raw JSON-encoded attestation verification report.
	Report []byte
	// Signature is an RSA PKCS#1 v1.5 signature over the SHA-256 hash of
	// Report.
	Signature []byte
	// SigningCert is the DER-encoded certificate of the key that created
	// Signature.
	SigningCert []byte
}

// Report is a parsed attestation verification report.
type Report struct {
	ID                    string   `json:"id"`
	Timestamp             string   `json:"timestamp"`
	Version               int      `json:"version"`
	ISVEnclaveQuoteStatus string   `json:"isvEnclaveQuoteStatus"`
	ISVEnclaveQuoteBody   []byte   `json:"isvEnclaveQuoteBody"`
	Nonce                 string   `json:"nonce,omitempty"`
	AdvisoryURL           string   `json:"advisoryURL,omitempty"`
	AdvisoryIDs           []string `json:"advisoryIDs,omitempty"`
	PlatformInfoBlob      string   `json:"platformInfoBlob,omitempty"`

	body *enclave.QuoteBody
}

// ParseReport parses a JSON-encoded attestation verification report.
func ParseReport(b []byte) (_ *Report, err error) {
	defer errs.Wrap(&err, "failed to parse report")

	r := new(Report)
	if err := json.Unmarshal(b, r); err != nil {
		return nil, err
	}
	if r.ISVEnclaveQuoteStatus == "" {
		return nil, errNoStatus
	}
	if len(r.ISVEnclaveQuoteBody) == 0 {
		return nil, errNoQuoteBody
	}
	if r.body, err = enclave.ParseQuoteBody(r.ISVEnclaveQuoteBody); err != nil {
		return nil, err
	}
	return r, nil
}

// QuoteBody returns the parsed quote body that the report refers to.
func (r *Report) QuoteBody() *enclave.QuoteBody {
	return r.body
}

// Time returns the time at which the report was issued.
func (r *Report) Time() (time.Time, error) {
	return time.Parse(TimestampFormat, r.Timestamp)
}

// Verify checks that the report was signed by the signing certificate and that
// the signing certificate chains to one of the given roots at time now.  On
// success, it returns the parsed report.
func (e *EndorsedReport) Verify(roots *x509.CertPool, now time.Time) (*Report, error) {
	cert, err := x509.ParseCertificate(e.SigningCert)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse signing certificate: %w", errs.Signature, err)
	}
	if err := cert.CheckSignature(x509.SHA256WithRSA, e.Report, e.Signature); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.Signature, err)
	}

	// A nil pool would make x509 fall back to the system roots.
	if roots == nil {
		return nil, fmt.Errorf("%w: %w", errs.Chain, errNoRoots)
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.Chain, err)
	}

	r, err := ParseReport(e.Report)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.Decode, err)
	}
	return r, nil
}

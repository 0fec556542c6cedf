package ratls

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	mapset "github.com/deckarep/golang-set/v2"
)

var (
	errNoPeerCert = errors.New("peer presented no certificate")
	errDebug      = errors.New("peer runs in a debug enclave")
	errStatus     = errors.New("quote status not accepted")
)

// Verifier decides whether a peer certificate proves that the peer runs one of
// the allowed enclave builds.  A Verifier holds read-only configuration and
// is safe for concurrent use.
type Verifier struct {
	// Roots are the pinned trust anchors of the attestation service's
	// report signing certificate.
	Roots *x509.CertPool
	// Allowed contains the measurements that we accept.
	Allowed mapset.Set[enclave.Measurement]
	// AllowedStatuses contains quote statuses besides ias.StatusOK that we
	// accept, e.g., ias.StatusSWHardeningNeeded.
	AllowedStatuses mapset.Set[string]
	// AllowDebug accepts enclaves that run in debug mode.  Debug enclaves
	// offer no confidentiality and must never be allowed in production.
	AllowDebug bool
	// Now returns the time at which certificates are validated.  It defaults
	// to time.Now.
	Now func() time.Time
}

// Verify checks the certificate and returns the peer's measurement.  The
// checks run in a fixed order and the first failing check determines the
// error: errs.Decode, errs.Signature, errs.Chain, errs.Binding,
// errs.UntrustedPlatform, or errs.UnauthorizedCaller.
func (v *Verifier) Verify(cert *x509.Certificate) (_ enclave.Measurement, err error) {
	defer errs.Wrap(&err, "failed to verify peer")

	endorsed, err := EndorsedReportOf(cert)
	if err != nil {
		return enclave.Measurement{}, err
	}
	report, err := endorsed.Verify(v.Roots, v.now())
	if err != nil {
		return enclave.Measurement{}, err
	}
	body := report.QuoteBody()

	if !body.BindsKey(cert.RawSubjectPublicKeyInfo) {
		return enclave.Measurement{}, errs.Binding
	}

	if !v.statusAllowed(report.ISVEnclaveQuoteStatus) {
		return enclave.Measurement{}, fmt.Errorf("%w: %w: %s",
			errs.UntrustedPlatform, errStatus, report.ISVEnclaveQuoteStatus)
	}
	if body.Debug() && !v.AllowDebug {
		return enclave.Measurement{}, fmt.Errorf("%w: %w", errs.UntrustedPlatform, errDebug)
	}

	if v.Allowed == nil || !v.Allowed.Contains(body.Measurement) {
		return enclave.Measurement{}, fmt.Errorf("%w: %s", errs.UnauthorizedCaller, body.Measurement)
	}
	return body.Measurement, nil
}

// VerifyPeerCertificate has the signature of tls.Config's field of the same
// name.  It verifies the leaf certificate, which must be the only one.
func (v *Verifier) VerifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("%w: %w", errs.Decode, errNoPeerCert)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %w", errs.Decode, err)
	}
	_, err = v.Verify(cert)
	return err
}

func (v *Verifier) statusAllowed(status string) bool {
	if status == ias.StatusOK {
		return true
	}
	return v.AllowedStatuses != nil && v.AllowedStatuses.Contains(status)
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

// PeerMeasurement returns the measurement in a certificate that already
// passed verification during the TLS handshake.
func PeerMeasurement(cert *x509.Certificate) (enclave.Measurement, error) {
	endorsed, err := EndorsedReportOf(cert)
	if err != nil {
		return enclave.Measurement{}, err
	}
	r, err := ias.ParseReport(endorsed.Report)
	if err != nil {
		return enclave.Measurement{}, fmt.Errorf("%w: %w", errs.Decode, err)
	}
	return r.QuoteBody().Measurement, nil
}

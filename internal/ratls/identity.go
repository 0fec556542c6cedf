package ratls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
)

// Endorser turns a quote into an endorsed report.  *ias.Client implements
// Endorser.
type Endorser interface {
	Submit(ctx context.Context, quote []byte) (*ias.EndorsedReport, error)
}

var _ Endorser = (*ias.Client)(nil)

// Identity is the process's attested TLS identity.  It is created once at
// startup and is immutable afterwards.
type Identity struct {
	Cert     *x509.Certificate
	Key      *ecdsa.PrivateKey
	Endorsed *ias.EndorsedReport
}

// NewIdentity generates a fresh key pair, has the evidence producer bind the
// public key to the enclave's measurement, has the endorser endorse the
// resulting quote, and wraps everything in a self-signed certificate.  Errors
// from the producer wrap errs.Platform, and errors from the endorser wrap
// errs.Transport, errs.Service, or errs.Encoding.
func NewIdentity(
	ctx context.Context,
	producer enclave.EvidenceProducer,
	endorser Endorser,
	name string,
) (_ *Identity, err error) {
	defer errs.Wrap(&err, "failed to create attested identity")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pubKey, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	quote, err := enclave.Quote(ctx, producer, pubKey)
	if err != nil {
		return nil, err
	}
	endorsed, err := endorser.Submit(ctx, quote)
	if err != nil {
		return nil, err
	}

	der, err := Build(key, endorsed, name)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Cert:     cert,
		Key:      key,
		Endorsed: endorsed,
	}, nil
}

// TLSCertificate returns the identity in the form that crypto/tls expects.
func (i *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{i.Cert.Raw},
		PrivateKey:  i.Key,
		Leaf:        i.Cert,
	}
}

// Fingerprint returns the SHA-256 hash of the certificate.
func (i *Identity) Fingerprint() [sha256.Size]byte {
	return sha256.Sum256(i.Cert.Raw)
}

// Measurement returns the measurement that the endorsed report attests to.
func (i *Identity) Measurement() (enclave.Measurement, error) {
	r, err := ias.ParseReport(i.Endorsed.Report)
	if err != nil {
		return enclave.Measurement{}, fmt.Errorf("%w: %w", errs.Decode, err)
	}
	return r.QuoteBody().Measurement, nil
}

// CertPEM returns the PEM-encoded certificate.
func (i *Identity) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.Cert.Raw})
}

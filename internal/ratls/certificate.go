package ratls

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
)

const (
	certOrg      = "Amnesic Systems"
	certValidity = time.Hour * 24 * 365 // One year.
)

// Build creates a self-signed certificate for the given key that carries the
// endorsed report.  The certificate is valid for both TLS server and client
// authentication.  Peers do not rely on the certificate's self-signature but
// on the endorsed report, which binds the key to an enclave.
func Build(key crypto.Signer, e *ias.EndorsedReport, name string) (_ []byte, err error) {
	defer errs.Wrap(&err, "failed to build attested certificate")

	ext, err := MarshalExtension(e)
	if err != nil {
		return nil, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{certOrg},
			CommonName:   name,
		},
		DNSNames:  []string{name},
		NotBefore: now.Add(-time.Minute),
		NotAfter:  now.Add(certValidity),
		KeyUsage:  x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		ExtraExtensions:       []pkix.Extension{ext},
	}

	return x509.CreateCertificate(
		rand.Reader,
		&template,
		&template,
		key.Public(),
		key,
	)
}

package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/Amnesic-Systems/tessera/internal/ratls"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/cobra"
)

var errNoCert = errors.New("endpoint presented no certificate")

type dialOpts struct {
	reportRootCAs   string
	mrEnclave       string
	mrSigner        string
	allowedStatuses []string
	allowDebug      bool
	timeout         time.Duration
}

func newDialCmd() *cobra.Command {
	var o dialOpts
	cmd := &cobra.Command{
		Use:   "dial <host:port>",
		Short: "Connect to an endpoint and verify its attestation",
		Long: `Connect to an attested endpoint, fetch its certificate, and check that the
certificate carries a valid report for the expected measurement.  This also
works against internal endpoints: ra-verify presents a throwaway client
certificate, which the endpoint rejects only after the handshake completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDial(cmd, args[0], &o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.reportRootCAs, "report-root-cas", "", "PEM bundle that report signing certificates must chain to")
	f.StringVar(&o.mrEnclave, "mr-enclave", "", "expected MRENCLAVE (hex)")
	f.StringVar(&o.mrSigner, "mr-signer", "", "expected MRSIGNER (hex)")
	f.StringSliceVar(&o.allowedStatuses, "allow-status", nil, "quote statuses to accept besides "+ias.StatusOK)
	f.BoolVar(&o.allowDebug, "allow-debug", false, "accept debug enclaves")
	f.DurationVar(&o.timeout, "timeout", 10*time.Second, "connection timeout")
	for _, name := range []string{"report-root-cas", "mr-enclave", "mr-signer"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runDial(cmd *cobra.Command, addr string, o *dialOpts) error {
	want, err := enclave.ParseMeasurement(o.mrEnclave, o.mrSigner)
	if err != nil {
		return err
	}
	roots, err := ias.LoadRootCAs(o.reportRootCAs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	field(cmd, "endpoint", addr)
	cert, err := fetchCert(ctx, addr)
	if err != nil {
		field(cmd, "verdict", failFmt("REJECTED"))
		field(cmd, "reason", err)
		return err
	}

	v := &ratls.Verifier{
		Roots:           roots,
		Allowed:         mapset.NewSet(want),
		AllowedStatuses: mapset.NewSet(o.allowedStatuses...),
		AllowDebug:      o.allowDebug,
	}
	m, err := v.Verify(cert)
	if err != nil {
		field(cmd, "verdict", failFmt("REJECTED"))
		field(cmd, "reason", err)
		return err
	}
	field(cmd, "measurement", m)
	field(cmd, "verdict", okFmt("ATTESTED"))
	return nil
}

// fetchCert returns the endpoint's leaf certificate once the handshake has
// completed, so that the endpoint has proven possession of the leaf's key.
// Internal endpoints demand a client certificate, so we present a throwaway
// one.  Under TLS 1.3 our side of the handshake finishes before the endpoint
// gets to reject it.
func fetchCert(ctx context.Context, addr string) (*x509.Certificate, error) {
	clientCert, err := ephemeralCert()
	if err != nil {
		return nil, err
	}
	d := &tls.Dialer{Config: &tls.Config{
		// Authentication happens via the embedded report.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{clientCert},
	}}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, errNoCert
	}
	return certs[0], nil
}

func ephemeralCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ra-verify"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

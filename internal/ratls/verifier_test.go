package ratls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/enclave/noop"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/Amnesic-Systems/tessera/internal/ias/iastest"
	"github.com/Amnesic-Systems/tessera/internal/util/must"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"
)

var (
	measurementA = enclave.Measurement{MREnclave: [32]byte{0xa}, MRSigner: [32]byte{0x5}}
	measurementB = enclave.Measurement{MREnclave: [32]byte{0xb}, MRSigner: [32]byte{0x5}}
)

func newIdentity(t *testing.T, a *iastest.Authority, opts ...noop.Option) *Identity {
	t.Helper()
	p := noop.NewProducer(append([]noop.Option{noop.WithMeasurement(measurementA)}, opts...)...)
	id, err := NewIdentity(context.Background(), p, a, "svc.example.com")
	require.NoError(t, err)
	return id
}

// rebuild creates a certificate for the given key that carries the given
// endorsed report.
func rebuild(t *testing.T, key *ecdsa.PrivateKey, e *ias.EndorsedReport) *x509.Certificate {
	t.Helper()
	der, err := Build(key, e, "svc.example.com")
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func flip(b []byte, i int) []byte {
	c := append([]byte{}, b...)
	c[i] ^= 0x01
	return c
}

func TestNewIdentity(t *testing.T) {
	a := iastest.NewAuthority(t)
	id := newIdentity(t, a)

	m, err := id.Measurement()
	require.NoError(t, err)
	require.Equal(t, measurementA, m)
	require.Equal(t, []string{"svc.example.com"}, id.Cert.DNSNames)
	require.ElementsMatch(t,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		id.Cert.ExtKeyUsage)
	require.NotEmpty(t, id.CertPEM())
	require.NotEqual(t, [32]byte{}, id.Fingerprint())

	tlsCert := id.TLSCertificate()
	require.Equal(t, id.Key, tlsCert.PrivateKey)
	require.Equal(t, id.Cert.Raw, tlsCert.Certificate[0])
}

type failingEndorser struct{}

func (failingEndorser) Submit(context.Context, []byte) (*ias.EndorsedReport, error) {
	return nil, errs.Transport
}

func TestNewIdentityFailures(t *testing.T) {
	ctx := context.Background()
	a := iastest.NewAuthority(t)

	_, err := NewIdentity(ctx, failingProducer{noop.NewProducer()}, a, "foo")
	require.ErrorIs(t, err, errs.Platform)

	_, err = NewIdentity(ctx, noop.NewProducer(), failingEndorser{}, "foo")
	require.ErrorIs(t, err, errs.Transport)
}

type failingProducer struct{ *noop.Producer }

func (failingProducer) InitQuote(context.Context) (enclave.KeyID, enclave.TargetInfo, error) {
	return nil, nil, errs.Platform
}

func TestVerify(t *testing.T) {
	var (
		a       = iastest.NewAuthority(t)
		id      = newIdentity(t, a)
		otherCA = iastest.NewAuthority(t)
	)
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	revoked := iastest.NewAuthority(t)
	revoked.SetStatus(ias.StatusGroupRevoked)
	outdated := iastest.NewAuthority(t)
	outdated.SetStatus(ias.StatusGroupOutOfDate)

	selfSigned := func() *x509.Certificate {
		tmpl := &x509.Certificate{SerialNumber: id.Cert.SerialNumber}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &otherKey.PublicKey, otherKey)
		require.NoError(t, err)
		return must.Get(x509.ParseCertificate(der))
	}

	cases := []struct {
		name     string
		cert     func(t *testing.T) *x509.Certificate
		verifier func(v *Verifier)
		roots    *x509.CertPool
		wantErr  error
	}{
		{
			name: "valid",
			cert: func(*testing.T) *x509.Certificate { return id.Cert },
		},
		{
			name:    "no extension",
			cert:    func(*testing.T) *x509.Certificate { return selfSigned() },
			wantErr: errs.Decode,
		},
		{
			name: "flipped report",
			cert: func(t *testing.T) *x509.Certificate {
				e := *id.Endorsed
				e.Report = flip(e.Report, 30)
				return rebuild(t, id.Key, &e)
			},
			wantErr: errs.Signature,
		},
		{
			name: "flipped signature",
			cert: func(t *testing.T) *x509.Certificate {
				e := *id.Endorsed
				e.Signature = flip(e.Signature, 7)
				return rebuild(t, id.Key, &e)
			},
			wantErr: errs.Signature,
		},
		{
			name:    "untrusted signer",
			cert:    func(*testing.T) *x509.Certificate { return id.Cert },
			roots:   otherCA.Roots(),
			wantErr: errs.Chain,
		},
		{
			name: "report moved to another key",
			cert: func(t *testing.T) *x509.Certificate {
				return rebuild(t, otherKey, id.Endorsed)
			},
			wantErr: errs.Binding,
		},
		{
			name: "revoked platform",
			cert: func(t *testing.T) *x509.Certificate {
				return newIdentityVia(t, revoked, a).Cert
			},
			wantErr: errs.UntrustedPlatform,
		},
		{
			name: "outdated platform without allow-list",
			cert: func(t *testing.T) *x509.Certificate {
				return newIdentityVia(t, outdated, a).Cert
			},
			wantErr: errs.UntrustedPlatform,
		},
		{
			name: "outdated platform with allow-list",
			cert: func(t *testing.T) *x509.Certificate {
				return newIdentityVia(t, outdated, a).Cert
			},
			verifier: func(v *Verifier) {
				v.AllowedStatuses = mapset.NewSet(ias.StatusGroupOutOfDate)
			},
		},
		{
			name: "debug enclave",
			cert: func(t *testing.T) *x509.Certificate {
				return newIdentity(t, a, noop.WithDebug()).Cert
			},
			wantErr: errs.UntrustedPlatform,
		},
		{
			name: "debug enclave allowed",
			cert: func(t *testing.T) *x509.Certificate {
				return newIdentity(t, a, noop.WithDebug()).Cert
			},
			verifier: func(v *Verifier) { v.AllowDebug = true },
		},
		{
			name: "unauthorized measurement",
			cert: func(t *testing.T) *x509.Certificate {
				return newIdentity(t, a, noop.WithMeasurement(measurementB)).Cert
			},
			wantErr: errs.UnauthorizedCaller,
		},
		{
			name:     "empty allow-list",
			cert:     func(*testing.T) *x509.Certificate { return id.Cert },
			verifier: func(v *Verifier) { v.Allowed = mapset.NewSet[enclave.Measurement]() },
			wantErr:  errs.UnauthorizedCaller,
		},
		{
			name:    "expired signing certificate",
			cert:    func(*testing.T) *x509.Certificate { return id.Cert },
			verifier: func(v *Verifier) {
				v.Now = func() time.Time { return time.Now().Add(time.Hour * 24 * 365) }
			},
			wantErr: errs.Chain,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			v := &Verifier{
				Roots:   a.Roots(),
				Allowed: mapset.NewSet(measurementA),
			}
			if c.roots != nil {
				v.Roots = c.roots
			}
			if c.verifier != nil {
				c.verifier(v)
			}
			m, err := v.Verify(c.cert(t))
			require.ErrorIs(t, err, c.wantErr)
			if c.wantErr == nil {
				require.Equal(t, measurementA, m)
			}
		})
	}
}

// newIdentityVia creates an identity endorsed by the given authority but whose
// signing certificate chains to trusted's roots.  The fake authorities have
// distinct hierarchies, so we have the trusted authority re-sign the report.
func newIdentityVia(t *testing.T, endorser, trusted *iastest.Authority) *Identity {
	t.Helper()
	id := newIdentity(t, endorser)
	resigned := trusted.Sign(id.Endorsed.Report)
	cert := rebuild(t, id.Key, resigned)
	return &Identity{Cert: cert, Key: id.Key, Endorsed: resigned}
}

func TestVerifyFlippedSigningCert(t *testing.T) {
	var (
		a  = iastest.NewAuthority(t)
		id = newIdentity(t, a)
		v  = &Verifier{Roots: a.Roots(), Allowed: mapset.NewSet(measurementA)}
	)

	// Depending on where the flip lands, the certificate either no longer
	// parses, no longer checks the report's signature, or no longer chains
	// to the root.
	for _, i := range []int{0, 10, 100, len(id.Endorsed.SigningCert) / 2, len(id.Endorsed.SigningCert) - 1} {
		e := *id.Endorsed
		e.SigningCert = flip(e.SigningCert, i)
		_, err := v.Verify(rebuild(t, id.Key, &e))
		require.True(t,
			errors.Is(err, errs.Signature) || errors.Is(err, errs.Chain),
			"flip at %d: %v", i, err)
	}
}

func TestVerifyPeerCertificate(t *testing.T) {
	var (
		a  = iastest.NewAuthority(t)
		id = newIdentity(t, a)
		v  = &Verifier{Roots: a.Roots(), Allowed: mapset.NewSet(measurementA)}
	)

	require.NoError(t, v.VerifyPeerCertificate([][]byte{id.Cert.Raw}, nil))
	require.ErrorIs(t, v.VerifyPeerCertificate(nil, nil), errs.Decode)
	require.ErrorIs(t, v.VerifyPeerCertificate([][]byte{[]byte("foo")}, nil), errs.Decode)

	m, err := PeerMeasurement(id.Cert)
	require.NoError(t, err)
	require.Equal(t, measurementA, m)
}

func TestConcurrentVerification(t *testing.T) {
	var (
		a  = iastest.NewAuthority(t)
		v  = &Verifier{Roots: a.Roots(), Allowed: mapset.NewSet(measurementA)}
		wg sync.WaitGroup
	)
	const n = 16

	certs := make([]*x509.Certificate, n)
	for i := range certs {
		certs[i] = newIdentity(t, a).Cert
	}

	errCh := make(chan error, n)
	for _, cert := range certs {
		wg.Add(1)
		go func(cert *x509.Certificate) {
			defer wg.Done()
			_, err := v.Verify(cert)
			errCh <- err
		}(cert)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
}

func TestHandshake(t *testing.T) {
	var (
		a      = iastest.NewAuthority(t)
		server = newIdentity(t, a)
		client = newIdentity(t, a)
		v      = &Verifier{Roots: a.Roots(), Allowed: mapset.NewSet(measurementA)}
	)

	srvConf := &tls.Config{
		Certificates:          []tls.Certificate{server.TLSCertificate()},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: v.VerifyPeerCertificate,
	}
	cliConf := &tls.Config{
		Certificates:          []tls.Certificate{client.TLSCertificate()},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: v.VerifyPeerCertificate,
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvConf)
	require.NoError(t, err)
	defer ln.Close()

	errCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()
		errCh <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), cliConf)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, <-errCh)
}

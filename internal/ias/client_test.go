package ias_test

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/Amnesic-Systems/tessera/internal/ias/iastest"
	"github.com/stretchr/testify/require"
)

func randQuote(t *testing.T, n int) []byte {
	t.Helper()
	quote := make([]byte, n)
	_, err := rand.Read(quote)
	require.NoError(t, err)
	return quote
}

func newClient(t *testing.T, cfg ias.Config) *ias.Client {
	t.Helper()
	c, err := ias.NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	_, err := ias.NewClient(ias.Config{RootCAs: x509.NewCertPool()})
	require.Error(t, err)
	_, err = ias.NewClient(ias.Config{Host: ias.DevHost})
	require.ErrorIs(t, err, errs.IsNil)
}

func TestSubmit(t *testing.T) {
	var (
		a     = iastest.NewAuthority(t)
		srv   = a.Start()
		quote = randQuote(t, 1024)
	)

	cases := []struct {
		name     string
		useNonce bool
	}{
		{name: "without nonce"},
		{name: "with nonce", useNonce: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := a.Config(srv)
			cfg.UseNonce = c.useNonce
			e, err := newClient(t, cfg).Submit(context.Background(), quote)
			require.NoError(t, err)
			require.NotEmpty(t, e.Signature)
			_, err = x509.ParseCertificate(e.SigningCert)
			require.NoError(t, err)

			r, err := e.Verify(a.Roots(), time.Now())
			require.NoError(t, err)
			require.Equal(t, ias.StatusOK, r.ISVEnclaveQuoteStatus)
			require.Equal(t, quote[:enclave.QuoteBodyLen], r.ISVEnclaveQuoteBody)
			require.Equal(t, c.useNonce, r.Nonce != "")
		})
	}
}

func TestSubmitConcurrently(t *testing.T) {
	var (
		a   = iastest.NewAuthority(t)
		srv = a.Start()
		c   = newClient(t, a.Config(srv))
		wg  sync.WaitGroup
	)
	const n = 8

	errCh := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit(context.Background(), randQuote(t, enclave.QuoteBodyLen))
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	require.Equal(t, n, a.Requests())
}

func TestNonceMismatch(t *testing.T) {
	a := iastest.NewAuthority(t)
	a.DropNonce()
	cfg := a.Config(a.Start())
	cfg.UseNonce = true

	_, err := newClient(t, cfg).Submit(context.Background(), randQuote(t, 1024))
	require.ErrorIs(t, err, errs.Service)
}

func TestWrongAPIKey(t *testing.T) {
	a := iastest.NewAuthority(t)
	cfg := a.Config(a.Start())
	cfg.APIKey = "wrong"

	_, err := newClient(t, cfg).Submit(context.Background(), randQuote(t, 1024))
	require.ErrorIs(t, err, errs.Service)
}

func TestTransportFailures(t *testing.T) {
	a := iastest.NewAuthority(t)
	srv := a.Start()

	// A listener that is closed right away gives us an address that refuses
	// connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cases := []struct {
		name   string
		modify func(*ias.Config)
	}{
		{
			name:   "connection refused",
			modify: func(c *ias.Config) { c.Addr = closedAddr },
		},
		{
			name:   "untrusted server certificate",
			modify: func(c *ias.Config) { c.RootCAs = iastest.NewAuthority(t).Roots() },
		},
		{
			name:   "wrong server name",
			modify: func(c *ias.Config) { c.Host = "other.example.com" },
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := a.Config(srv)
			c.modify(&cfg)
			_, err := newClient(t, cfg).Submit(context.Background(), randQuote(t, 1024))
			require.ErrorIs(t, err, errs.Transport)
		})
	}
}

func TestMalformedResponses(t *testing.T) {
	var (
		a       = iastest.NewAuthority(t)
		e       = a.Endorse(randQuote(t, enclave.QuoteBodyLen), "")
		sig     = base64.StdEncoding.EncodeToString(e.Signature)
		certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: e.SigningCert})
		cert    = url.PathEscape(string(certPEM))
	)
	response := func(status string, headers map[string]string, body string) string {
		s := "HTTP/1.1 " + status + "\r\n"
		for k, v := range headers {
			s += k + ": " + v + "\r\n"
		}
		return s + "\r\n" + body
	}
	length := fmt.Sprint(len(e.Report))

	cases := []struct {
		name     string
		response string
		wantErr  error
	}{
		{
			name: "valid",
			response: response("200 OK", map[string]string{
				"Content-Length":       length,
				ias.HeaderSignature:   sig,
				ias.HeaderSigningCert: cert,
			}, string(e.Report)),
		},
		{
			name: "missing content length",
			response: response("200 OK", map[string]string{
				ias.HeaderSignature:   sig,
				ias.HeaderSigningCert: cert,
			}, string(e.Report)),
			wantErr: errs.Service,
		},
		{
			name: "zero content length",
			response: response("200 OK", map[string]string{
				"Content-Length":       "0",
				ias.HeaderSignature:   sig,
				ias.HeaderSigningCert: cert,
			}, ""),
			wantErr: errs.Service,
		},
		{
			name: "truncated body",
			response: response("200 OK", map[string]string{
				"Content-Length":       length,
				ias.HeaderSignature:   sig,
				ias.HeaderSigningCert: cert,
			}, string(e.Report[:10])),
			wantErr: errs.Service,
		},
		{
			name: "missing signature",
			response: response("200 OK", map[string]string{
				"Content-Length":       length,
				ias.HeaderSigningCert: cert,
			}, string(e.Report)),
			wantErr: errs.Service,
		},
		{
			name: "missing signing certificate",
			response: response("200 OK", map[string]string{
				"Content-Length":     length,
				ias.HeaderSignature: sig,
			}, string(e.Report)),
			wantErr: errs.Service,
		},
		{
			name: "error status",
			response: response("503 Service Unavailable", map[string]string{
				"Content-Length": "0",
			}, ""),
			wantErr: errs.Service,
		},
		{
			name:     "not HTTP",
			response: "foo bar",
			wantErr:  errs.Service,
		},
		{
			name: "signature not base64",
			response: response("200 OK", map[string]string{
				"Content-Length":       length,
				ias.HeaderSignature:   "!!!",
				ias.HeaderSigningCert: cert,
			}, string(e.Report)),
			wantErr: errs.Encoding,
		},
		{
			name: "bad percent encoding",
			response: response("200 OK", map[string]string{
				"Content-Length":       length,
				ias.HeaderSignature:   sig,
				ias.HeaderSigningCert: "%zz",
			}, string(e.Report)),
			wantErr: errs.Encoding,
		},
		{
			name: "no PEM",
			response: response("200 OK", map[string]string{
				"Content-Length":       length,
				ias.HeaderSignature:   sig,
				ias.HeaderSigningCert: "foo",
			}, string(e.Report)),
			wantErr: errs.Encoding,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			addr := a.StartRaw(c.response)
			cfg := ias.Config{
				Host:    iastest.ServerName,
				Addr:    addr,
				RootCAs: a.Roots(),
			}
			got, err := newClient(t, cfg).Submit(context.Background(), randQuote(t, 1024))
			require.ErrorIs(t, err, c.wantErr)
			if c.wantErr == nil {
				require.Equal(t, e, got)
			}
		})
	}
}

func TestLoadRootCAs(t *testing.T) {
	var (
		a    = iastest.NewAuthority(t)
		dir  = t.TempDir()
		good = filepath.Join(dir, "good.pem")
		bad  = filepath.Join(dir, "bad.pem")
	)
	require.NoError(t, os.WriteFile(good, a.RootPEM(), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte("foo"), 0o600))

	pool, err := ias.LoadRootCAs(good)
	require.NoError(t, err)
	require.True(t, pool.Equal(a.Roots()))

	_, err = ias.LoadRootCAs(bad)
	require.Error(t, err)
	_, err = ias.LoadRootCAs(filepath.Join(dir, "missing.pem"))
	require.Error(t, err)
}

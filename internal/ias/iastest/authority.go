// Package iastest implements a fake attestation service for tests.  The fake
// issues reports in the real service's format, signed by a freshly generated
// certificate hierarchy.
package iastest

import (
	"bufio"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// ServerName is the name that the fake service's TLS certificate is valid for.
const ServerName = "ias.example.com"

// APIKey is the subscription key that the fake service accepts.
const APIKey = "test-api-key"

// Authority is a fake attestation service.
type Authority struct {
	t           testing.TB
	root        *x509.Certificate
	rootKey     *rsa.PrivateKey
	signingCert *x509.Certificate
	signingKey  *rsa.PrivateKey

	mu        sync.Mutex
	status    string
	dropNonce bool
	requests  int
}

// NewAuthority creates a fake attestation service whose reports carry the
// status ias.StatusOK.
func NewAuthority(t testing.TB) *Authority {
	t.Helper()

	a := &Authority{t: t, status: ias.StatusOK}
	var err error
	a.rootKey, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	a.root = a.issue(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "Fake Attestation Report Signing CA"},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, &a.rootKey.PublicKey, nil, a.rootKey)

	a.signingKey, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	a.signingCert = a.issue(&x509.Certificate{
		Subject:  pkix.Name{CommonName: "Fake Attestation Report Signing"},
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}, &a.signingKey.PublicKey, a.root, a.rootKey)
	return a
}

func (a *Authority) issue(
	tmpl *x509.Certificate,
	pub crypto.PublicKey,
	parent *x509.Certificate,
	key crypto.Signer,
) *x509.Certificate {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(a.t, err)
	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(time.Hour * 24)
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, key)
	require.NoError(a.t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(a.t, err)
	return cert
}

// SetStatus sets the quote status of subsequently issued reports.
func (a *Authority) SetStatus(status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}

// DropNonce makes the fake service omit the client's nonce from subsequently
// issued reports.
func (a *Authority) DropNonce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropNonce = true
}

// Requests returns the number of requests that the fake service has served.
func (a *Authority) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

// Roots returns a pool that contains the fake service's root certificate.
func (a *Authority) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.root)
	return pool
}

// RootPEM returns the PEM-encoded root certificate.
func (a *Authority) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.root.Raw})
}

// Endorse returns a report over the given quote as the real service would.
func (a *Authority) Endorse(quote []byte, nonce string) *ias.EndorsedReport {
	a.t.Helper()
	a.mu.Lock()
	status := a.status
	if a.dropNonce {
		nonce = ""
	}
	a.requests++
	a.mu.Unlock()

	body := quote
	if len(body) > enclave.QuoteBodyLen {
		body = body[:enclave.QuoteBodyLen]
	}
	report, err := json.Marshal(&ias.Report{
		ID:                    uuid.NewString(),
		Timestamp:             time.Now().UTC().Format(ias.TimestampFormat),
		Version:               4,
		ISVEnclaveQuoteStatus: status,
		ISVEnclaveQuoteBody:   body,
		Nonce:                 nonce,
	})
	require.NoError(a.t, err)
	return a.Sign(report)
}

// Sign signs arbitrary bytes with the report signing key.
func (a *Authority) Sign(report []byte) *ias.EndorsedReport {
	a.t.Helper()

	hash := sha256.Sum256(report)
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.signingKey, crypto.SHA256, hash[:])
	require.NoError(a.t, err)

	return &ias.EndorsedReport{
		Report:      report,
		Signature:   sig,
		SigningCert: a.signingCert.Raw,
	}
}

// Handler returns an HTTP handler that implements the report endpoint.
func (a *Authority) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ias.DefaultPath {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get(ias.HeaderAPIKey) != APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req struct {
			ISVEnclaveQuote []byte `json:"isvEnclaveQuote"`
			Nonce           string `json:"nonce"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		e := a.Endorse(req.ISVEnclaveQuote, req.Nonce)
		chain := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: e.SigningCert})
		chain = append(chain, a.RootPEM()...)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(e.Report)))
		w.Header().Set(ias.HeaderSignature, base64.StdEncoding.EncodeToString(e.Signature))
		w.Header().Set(ias.HeaderSigningCert, url.PathEscape(string(chain)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(e.Report)
	})
}

// TLSConfig returns a server configuration with a certificate for ServerName
// that chains to Roots.
func (a *Authority) TLSConfig() *tls.Config {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(a.t, err)
	cert := a.issue(&x509.Certificate{
		Subject:     pkix.Name{CommonName: ServerName},
		DNSNames:    []string{ServerName},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, &key.PublicKey, a.root, a.rootKey)

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}},
	}
}

// Start runs the fake service until the test finishes.
func (a *Authority) Start() *httptest.Server {
	srv := httptest.NewUnstartedServer(a.Handler())
	srv.TLS = a.TLSConfig()
	srv.StartTLS()
	a.t.Cleanup(srv.Close)
	return srv
}

// Config returns a client configuration that talks to the given server.
func (a *Authority) Config(srv *httptest.Server) ias.Config {
	return ias.Config{
		Host:    ServerName,
		Addr:    srv.Listener.Addr().String(),
		APIKey:  APIKey,
		RootCAs: a.Roots(),
	}
}

// StartRaw runs a TLS server that answers every connection with the given
// raw HTTP response and closes the connection afterwards.
func (a *Authority) StartRaw(response string) string {
	ln, err := tls.Listen("tcp", "127.0.0.1:0", a.TLSConfig())
	require.NoError(a.t, err)
	a.t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				// Consume the request before responding.
				req, err := http.ReadRequest(bufio.NewReader(conn))
				if err != nil {
					return
				}
				_, _ = io.Copy(io.Discard, req.Body)
				_, _ = conn.Write([]byte(response))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// Submit endorses the quote without any network round trip.
func (a *Authority) Submit(ctx context.Context, quote []byte) (*ias.EndorsedReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Endorse(quote, ""), nil
}

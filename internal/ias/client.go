// Package ias implements a client for the remote attestation service that
// turns hardware quotes into signed attestation verification reports, and the
// logic to verify such reports.
package ias

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/nonce"
	"github.com/Amnesic-Systems/tessera/internal/tunnel"
	"go.uber.org/zap"
)

const (
	DevHost     = "api.trustedservices.intel.com"
	ProdHost    = "as.sgx.trustedservices.intel.com"
	DefaultPath = "/sgx/dev/attestation/v3/report"

	HeaderAPIKey      = "Ocp-Apim-Subscription-Key"
	HeaderSignature   = "X-IASReport-Signature"
	HeaderSigningCert = "X-IASReport-Signing-Certificate"

	defaultTimeout = 30 * time.Second
	// Reports are a few KiB; anything much larger is not a report.
	maxResponseLen = 1 << 20
)

var (
	errNoContentLength = errors.New("response lacks content length")
	errMissingHeader   = errors.New("response lacks header")
	errNoPEM           = errors.New("no PEM certificate found")
	errNonceMismatch   = errors.New("report does not echo our nonce")
	errTooLarge        = errors.New("response too large")
)

// Config configures a Client.
type Config struct {
	// Host is the attestation service's hostname.  It is used for TLS
	// server name verification and as HTTP Host header.
	Host string
	// Addr is the host:port to dial.  It defaults to Host on port 443.
	Addr string
	// Path is the HTTP path of the report endpoint.  It defaults to
	// DefaultPath.
	Path string
	// APIKey is the subscription key that authenticates us to the service.
	APIKey string
	// RootCAs are the trust anchors for the service's TLS certificate.  The
	// system's certificate store is never consulted.
	RootCAs *x509.CertPool
	// Tunnel establishes the underlying connection.  It defaults to
	// dialing directly.
	Tunnel tunnel.Mechanism
	// UseNonce instructs the client to send a fresh nonce with each request
	// and to require that the report echoes it.
	UseNonce bool
	// Timeout bounds a single submission, including the TLS handshake.
	Timeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Client submits quotes to the attestation service.  It never retries; callers
// decide how to react to failures.
type Client struct {
	cfg Config
}

// NewClient returns a new client for the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("attestation service host must be set")
	}
	if cfg.RootCAs == nil {
		return nil, fmt.Errorf("root CAs: %w", errs.IsNil)
	}
	if cfg.Addr == "" {
		cfg.Addr = net.JoinHostPort(cfg.Host, "443")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Tunnel == nil {
		cfg.Tunnel = tunnel.NewNoop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{cfg: cfg}, nil
}

// LoadRootCAs reads a bundle of PEM-encoded certificates.
func LoadRootCAs(path string) (_ *x509.CertPool, err error) {
	defer errs.Wrap(&err, "failed to load root CAs from %s", path)

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errNoPEM
	}
	return pool, nil
}

type reportRequest struct {
	ISVEnclaveQuote []byte `json:"isvEnclaveQuote"`
	Nonce           string `json:"nonce,omitempty"`
}

// Submit sends the quote to the attestation service and returns the service's
// endorsed report.  Errors wrap errs.Transport, errs.Service, or
// errs.Encoding.
func (c *Client) Submit(ctx context.Context, quote []byte) (_ *EndorsedReport, err error) {
	defer errs.Wrap(&err, "failed to submit quote")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var n *nonce.Nonce
	if c.cfg.UseNonce {
		if n, err = nonce.New(); err != nil {
			return nil, err
		}
	}
	req, err := c.newRequest(quote, n)
	if err != nil {
		return nil, err
	}

	raw, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.Transport, err)
	}
	endorsed, err := parseResponse(raw, req)
	if err != nil {
		return nil, err
	}

	if n != nil {
		r, err := ParseReport(endorsed.Report)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errs.Service, err)
		}
		if r.Nonce != n.B64() {
			return nil, fmt.Errorf("%w: %w", errs.Service, errNonceMismatch)
		}
	}
	c.cfg.Logger.Debug("Received endorsed report.",
		zap.String("host", c.cfg.Host),
		zap.Int("report_len", len(endorsed.Report)))
	return endorsed, nil
}

func (c *Client) newRequest(quote []byte, n *nonce.Nonce) (*http.Request, error) {
	body := reportRequest{ISVEnclaveQuote: quote}
	if n != nil {
		body.Nonce = n.B64()
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	b = append(b, '\r', '\n')

	u := &url.URL{Scheme: "https", Host: c.cfg.Host, Path: c.cfg.Path}
	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Close = true
	req.Header.Set(HeaderAPIKey, c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// roundTrip writes the request over a fresh TLS connection and returns
// everything the server sends until it closes the connection.
func (c *Client) roundTrip(ctx context.Context, req *http.Request) (_ []byte, err error) {
	conn, err := c.cfg.Tunnel.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	tlsConn := tls.Client(conn, &tls.Config{
		RootCAs:    c.cfg.RootCAs,
		ServerName: c.cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	if err := req.Write(tlsConn); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(tlsConn, maxResponseLen+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > maxResponseLen {
		return nil, errTooLarge
	}
	return raw, nil
}

func parseResponse(raw []byte, req *http.Request) (_ *EndorsedReport, err error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.Service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: got status %d", errs.Service, resp.StatusCode)
	}
	if resp.ContentLength <= 0 {
		return nil, fmt.Errorf("%w: %w", errs.Service, errNoContentLength)
	}
	report, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated body: %w", errs.Service, err)
	}

	rawSig := resp.Header.Get(HeaderSignature)
	if rawSig == "" {
		return nil, fmt.Errorf("%w: %w %s", errs.Service, errMissingHeader, HeaderSignature)
	}
	rawCert := resp.Header.Get(HeaderSigningCert)
	if rawCert == "" {
		return nil, fmt.Errorf("%w: %w %s", errs.Service, errMissingHeader, HeaderSigningCert)
	}

	sig, err := base64.StdEncoding.DecodeString(rawSig)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %w", errs.Encoding, err)
	}
	cert, err := decodeSigningCert(rawCert)
	if err != nil {
		return nil, fmt.Errorf("%w: signing certificate: %w", errs.Encoding, err)
	}

	return &EndorsedReport{
		Report:      report,
		Signature:   sig,
		SigningCert: cert,
	}, nil
}

// decodeSigningCert turns the percent-encoded PEM certificate chain of the
// signing certificate header into the DER encoding of its first certificate.
func decodeSigningCert(s string) ([]byte, error) {
	chain, err := url.PathUnescape(s)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode([]byte(chain))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errNoPEM
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, err
	}
	return block.Bytes, nil
}

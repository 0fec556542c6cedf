// Package channel establishes mutually attested TLS connections between
// services, and plain TLS connections for external endpoints.
package channel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/logger"
	"github.com/Amnesic-Systems/tessera/internal/policy"
	"github.com/Amnesic-Systems/tessera/internal/ratls"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

// DefaultMaxConns caps the number of concurrent connections per listener.
const DefaultMaxConns = 1024

var errNoIdentity = errors.New("channel requires an identity")

// Channel creates TLS configurations that present our attested identity and
// verify peers according to the trust policy.
type Channel struct {
	identity        *ratls.Identity
	roots           *x509.CertPool
	allowedStatuses mapset.Set[string]
	allowDebug      bool
	log             *zap.Logger
}

// Config configures a Channel.
type Config struct {
	// Identity is our attested identity.
	Identity *ratls.Identity
	// Roots are the pinned roots of the attestation service's report
	// signing certificate.
	Roots *x509.CertPool
	// AllowedStatuses and AllowDebug are passed on to each verifier.
	AllowedStatuses mapset.Set[string]
	AllowDebug      bool
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// New returns a new Channel.
func New(cfg Config) (*Channel, error) {
	if cfg.Identity == nil {
		return nil, errNoIdentity
	}
	if cfg.Roots == nil {
		return nil, fmt.Errorf("roots: %w", errs.IsNil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Channel{
		identity:        cfg.Identity,
		roots:           cfg.Roots,
		allowedStatuses: cfg.AllowedStatuses,
		allowDebug:      cfg.AllowDebug,
		log:             cfg.Logger,
	}, nil
}

func (c *Channel) verifier(attr *policy.EnclaveAttribute) *ratls.Verifier {
	v := &ratls.Verifier{
		Roots:           c.roots,
		AllowedStatuses: c.allowedStatuses,
		AllowDebug:      c.allowDebug,
	}
	if attr != nil {
		v.Allowed = attr.Measurements
	}
	return v
}

var errNoPeerCert = errors.New("peer presented no certificate")

// verifyFunc returns a VerifyConnection function that logs its verdict for
// the given connection.  Unlike VerifyPeerCertificate, VerifyConnection also
// runs on resumed sessions.
func verifyFunc(v *ratls.Verifier, log *zap.Logger) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		m, err := verifyLeaf(v, cs.PeerCertificates)
		if err != nil {
			logger.Security(log, "Rejected peer.", zap.Error(err))
			return err
		}
		log.Debug("Accepted peer.",
			zap.Stringer("measurement", m),
			zap.Bool("resumed", cs.DidResume))
		return nil
	}
}

func verifyLeaf(v *ratls.Verifier, certs []*x509.Certificate) (enclave.Measurement, error) {
	if len(certs) == 0 {
		return enclave.Measurement{}, fmt.Errorf("%w: %w", errs.Decode, errNoPeerCert)
	}
	return v.Verify(certs[0])
}

func (c *Channel) baseConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.identity.TLSCertificate()},
		MinVersion:   tls.VersionTLS12,
	}
}

// ServerConfig returns the TLS configuration for the given endpoint.  For an
// attested endpoint, every client must present a certificate that proves one
// of the endpoint's allowed measurements.
func (c *Channel) ServerConfig(ep *policy.ServiceEndpoint) *tls.Config {
	base := c.baseConfig()
	if ep.Inbound.IsExternal() {
		return base
	}

	v := c.verifier(ep.Inbound.Attribute())
	base.ClientAuth = tls.RequireAnyClientCert
	// Every connection presents its evidence anew.  A resumed session would
	// carry over the verdict of an earlier handshake.
	base.SessionTicketsDisabled = true
	base.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		conf := base.Clone()
		conf.GetConfigForClient = nil
		var remote string
		if hello.Conn != nil {
			remote = hello.Conn.RemoteAddr().String()
		}
		conf.VerifyConnection = verifyFunc(v, logger.WithConnection(c.log, remote))
		return conf, nil
	}
	return base
}

// ClientConfig returns the TLS configuration to reach the given target.  For
// an attested target, the server must present a certificate that proves the
// target's measurement.  The hostname is irrelevant in that case.
func (c *Channel) ClientConfig(target *policy.TargetEndpoint) *tls.Config {
	conf := c.baseConfig()
	if target.Outbound.IsExternal() {
		return conf
	}
	conf.InsecureSkipVerify = true
	conf.VerifyConnection = verifyFunc(
		c.verifier(target.Outbound.Attribute()),
		logger.WithConnection(c.log, target.AdvertisedAddress),
	)
	return conf
}

// Listen listens on the endpoint's address and returns a listener whose
// connections are TLS connections configured for the endpoint.  At most
// maxConns connections are served concurrently; zero selects
// DefaultMaxConns.
func (c *Channel) Listen(ep *policy.ServiceEndpoint, maxConns int) (_ net.Listener, err error) {
	defer errs.Wrap(&err, "failed to listen on %s", ep.ListenAddress)

	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	ln, err := net.Listen("tcp", ep.ListenAddress)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(netutil.LimitListener(ln, maxConns), c.ServerConfig(ep)), nil
}

// Dial connects to the target and completes the TLS handshake.
func (c *Channel) Dial(ctx context.Context, target *policy.TargetEndpoint) (_ *tls.Conn, err error) {
	defer errs.Wrap(&err, "failed to dial %s", target.AdvertisedAddress)

	d := &tls.Dialer{Config: c.ClientConfig(target)}
	conn, err := d.DialContext(ctx, "tcp", target.AdvertisedAddress)
	if err != nil {
		return nil, err
	}
	return conn.(*tls.Conn), nil
}

// NewHTTPClient returns an HTTP client that talks to the target over the
// channel.  Requests should use the scheme "https" and the target's
// advertised address as host.
func (c *Channel) NewHTTPClient(target *policy.TargetEndpoint) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     c.ClientConfig(target),
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 4,
		},
		Timeout: 30 * time.Second,
	}
}

// NewServer returns an HTTP server for the given handler whose errors go to
// the channel's logger.
func (c *Channel) NewServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ErrorLog:          logger.Std(c.log),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

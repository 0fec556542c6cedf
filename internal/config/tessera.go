package config

import (
	"net/url"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
)

// Tessera represents the configuration of a tessera service.
type Tessera struct {
	// AppWebSrv can be set to the enclave-internal Web server of the
	// application, e.g., "http://127.0.0.1:8081".  Tessera terminates
	// attested TLS and forwards requests to this Web server, together with
	// the caller's verified measurement in the X-Tessera-Peer header.  If
	// unset, tessera only serves its own endpoints.
	AppWebSrv *url.URL

	// AuditorsDir contains one subdirectory per auditor, each holding the
	// auditor's public key and signature over the enclave info file.
	AuditorsDir string

	// AuditorThreshold is the number of auditor signatures that the enclave
	// info file requires.  It may only be 0 if Testing is set.
	AuditorThreshold int

	// Debug enables debug logging.
	Debug bool

	// EnclaveInfo is the path to the TOML file that lists the measurement
	// of every enclave in the deployment.
	EnclaveInfo string

	// IASAddr optionally overrides the host:port that the attestation
	// service is dialed at.  This is useful if a local forwarder sits in
	// front of the service.
	IASAddr string

	// IASAPIKey is the subscription key for the attestation service.  It is
	// read from the environment variable TESSERA_IAS_API_KEY, which may be
	// set in a .env file.
	IASAPIKey string

	// IASHost is the attestation service's hostname, e.g.,
	// "api.trustedservices.intel.com".
	IASHost string

	// IASRootCAs is the path to a PEM bundle with the trust anchors of the
	// attestation service's TLS certificate.  The system's certificate store
	// is never used.
	IASRootCAs string

	// IASUseNonce makes tessera send a fresh nonce with its quote and
	// require that the attestation service echo it.
	IASUseNonce bool

	// MaxConns caps the number of concurrent connections per endpoint.
	MaxConns int

	// Producer selects the evidence producer: enclave.TypeGramine in
	// production, or enclave.TypeNoop for testing.
	Producer string

	// ReportRootCAs is the path to a PEM bundle with the trust anchors of the
	// attestation service's report signing certificate.
	ReportRootCAs string

	// Service is this process's name in the topology.
	Service string

	// Testing facilitates local testing by disabling platform safety checks
	// and allowing the noop evidence producer.  Never set this in
	// production.
	Testing bool

	// Topology is the path to the topology file.
	Topology string

	// VSOCKPort, if non-zero, makes tessera reach the attestation service
	// through authority-proxy on the host, listening on the given VSOCK
	// port.  Use this in enclaves without network access.
	VSOCKPort uint32
}

func (c *Tessera) Validate() map[string]string {
	problems := make(map[string]string)

	// Check required fields.
	if c.Service == "" {
		problems["-service"] = "must be set"
	}
	if c.Topology == "" {
		problems["-topology"] = "must be set"
	}
	if c.EnclaveInfo == "" {
		problems["-enclave-info"] = "must be set"
	}
	if c.IASHost == "" {
		problems["-ias-host"] = "must be set"
	}
	if c.IASRootCAs == "" {
		problems["-ias-root-cas"] = "must be set"
	}
	if c.ReportRootCAs == "" {
		problems["-report-root-cas"] = "must be set"
	}
	if c.IASAddr != "" && !isValidHostPort(c.IASAddr) {
		problems["-ias-addr"] = "must be of the form host:port"
	}
	if c.MaxConns < 0 {
		problems["-max-conns"] = "must not be negative"
	}

	switch c.Producer {
	case enclave.TypeGramine:
	case enclave.TypeNoop:
		if !c.Testing {
			problems["-producer"] = "noop producer requires -insecure"
		}
	default:
		problems["-producer"] = "unknown evidence producer"
	}

	// Check invalid field combinations.
	if c.AuditorThreshold < 0 {
		problems["-auditor-threshold"] = "must not be negative"
	}
	if c.AuditorThreshold == 0 && !c.Testing {
		problems["-auditor-threshold"] = "must be positive unless -insecure is set"
	}
	if c.AuditorThreshold > 0 && c.AuditorsDir == "" {
		problems["-auditors"] = "required by -auditor-threshold"
	}

	return problems
}

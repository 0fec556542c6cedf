package config

// AuthorityProxy represents authority-proxy's configuration.
type AuthorityProxy struct {
	// Debug enables debug logging.
	Debug bool

	// Target is the host:port of the attestation service that enclave
	// connections are forwarded to, e.g.,
	// "api.trustedservices.intel.com:443".
	Target string

	// VSOCKPort determines the VSOCK port that authority-proxy will be
	// listening on for incoming connections from the enclave.
	VSOCKPort uint32
}

func (c *AuthorityProxy) Validate() map[string]string {
	problems := make(map[string]string)

	if c.VSOCKPort == 0 {
		problems["-vsock-port"] = "port must not be 0"
	}
	if !isValidHostPort(c.Target) {
		problems["-target"] = "must be of the form host:port"
	}

	return problems
}

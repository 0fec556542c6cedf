// Package policy describes which enclaves may talk to which services.  The
// policy is static: it is loaded at startup from a topology file and an
// auditor-endorsed list of enclave measurements.
package policy

import (
	"github.com/Amnesic-Systems/tessera/internal/enclave"
	mapset "github.com/deckarep/golang-set/v2"
)

// EnclaveAttribute is a named set of enclave measurements.
type EnclaveAttribute struct {
	Name         string
	Measurements mapset.Set[enclave.Measurement]
}

// NewEnclaveAttribute returns an attribute that contains the given
// measurements.
func NewEnclaveAttribute(name string, ms ...enclave.Measurement) *EnclaveAttribute {
	return &EnclaveAttribute{
		Name:         name,
		Measurements: mapset.NewSet(ms...),
	}
}

// Contains returns true if the measurement is part of the attribute.
func (a *EnclaveAttribute) Contains(m enclave.Measurement) bool {
	return a != nil && a.Measurements != nil && a.Measurements.Contains(m)
}

// Trust describes how the peer of an endpoint is authenticated.  The zero
// value is External.
type Trust struct {
	attribute *EnclaveAttribute
}

// External trusts ordinary TLS clients.  It is meant for end-user facing
// APIs, whose callers are authenticated at the application layer.
func External() Trust {
	return Trust{}
}

// Attested trusts only peers that prove to run one of the attribute's
// measurements.
func Attested(attr *EnclaveAttribute) Trust {
	if attr == nil {
		attr = NewEnclaveAttribute("")
	}
	return Trust{attribute: attr}
}

// IsExternal returns true if the peer need not be attested.
func (t Trust) IsExternal() bool {
	return t.attribute == nil
}

// Attribute returns the allowed measurements of an attested endpoint, and nil
// for an external endpoint.
func (t Trust) Attribute() *EnclaveAttribute {
	return t.attribute
}

func (t Trust) String() string {
	if t.IsExternal() {
		return "external"
	}
	return "attested(" + t.attribute.Name + ")"
}

// ServiceEndpoint is an endpoint that a service listens on.
type ServiceEndpoint struct {
	ListenAddress string
	Inbound       Trust
}

// TargetEndpoint is an endpoint that a service connects to.
type TargetEndpoint struct {
	AdvertisedAddress string
	Outbound          Trust
}

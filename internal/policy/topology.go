package policy

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Amnesic-Systems/tessera/internal/errs"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/viper"
)

var (
	errUnknownService = errors.New("unknown service")
	errNoInternal     = errors.New("service lacks internal endpoint")
	errNotACaller     = errors.New("target does not accept caller")
)

// Service is the trust configuration of a single service.
type Service struct {
	Name string
	// Enclave is the name under which the service's measurement appears in
	// the enclave info.
	Enclave string
	// Internal is the attested endpoint that other services call.
	Internal *ServiceEndpoint
	// API is the optional end-user facing endpoint.
	API *ServiceEndpoint
	// Targets are the services that this service calls, by name.
	Targets map[string]*TargetEndpoint
}

// Edge is a permitted call from one service to another.
type Edge struct {
	Caller string
	Callee string
}

// Topology is the static trust policy of a deployment.
type Topology struct {
	services map[string]*Service
	edges    []Edge
	// AllowedStatuses are the quote statuses besides OK that verifiers
	// accept.
	AllowedStatuses mapset.Set[string]
	// AllowDebug makes verifiers accept debug enclaves.
	AllowDebug bool
}

type rawTopology struct {
	Attestation struct {
		AllowedStatuses []string `mapstructure:"allowed_statuses"`
		AllowDebug      bool     `mapstructure:"allow_debug"`
	} `mapstructure:"attestation"`
	Services map[string]rawService `mapstructure:"services"`
}

type rawService struct {
	Enclave  string `mapstructure:"enclave"`
	Internal struct {
		ListenAddress     string `mapstructure:"listen_address"`
		AdvertisedAddress string `mapstructure:"advertised_address"`
	} `mapstructure:"internal"`
	API struct {
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"api"`
	Callers []string `mapstructure:"callers"`
	Targets []string `mapstructure:"targets"`
}

// LoadTopology reads a topology file and resolves enclave names against info.
// The file's format is determined by its extension; YAML looks as follows:
//
//	attestation:
//	  allowed_statuses: [GROUP_OUT_OF_DATE]
//	services:
//	  frontend:
//	    enclave: frontend
//	    internal:
//	      listen_address: 0.0.0.0:17000
//	      advertised_address: frontend:17000
//	    api:
//	      listen_address: 0.0.0.0:7777
//	    targets: [storage]
//	  storage:
//	    enclave: storage
//	    internal:
//	      listen_address: 0.0.0.0:17001
//	      advertised_address: storage:17001
//	    callers: [frontend]
//
// Service names are case insensitive.
func LoadTopology(path string, info EnclaveInfo) (_ *Topology, err error) {
	defer errs.Wrap(&err, "failed to load topology from %s", path)

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var raw rawTopology
	if err := v.Unmarshal(&raw); err != nil {
		return nil, err
	}
	return newTopology(&raw, info)
}

func newTopology(raw *rawTopology, info EnclaveInfo) (*Topology, error) {
	t := &Topology{
		services:        make(map[string]*Service, len(raw.Services)),
		AllowedStatuses: mapset.NewSet(raw.Attestation.AllowedStatuses...),
		AllowDebug:      raw.Attestation.AllowDebug,
	}

	// Resolve each service's own measurement first, so that we can build
	// caller allow-lists afterwards.
	attrs := make(map[string]*EnclaveAttribute, len(raw.Services))
	for name, rs := range raw.Services {
		name = strings.ToLower(name)
		if rs.Internal.ListenAddress == "" {
			return nil, fmt.Errorf("service %s: %w", name, errNoInternal)
		}
		enclaveName := rs.Enclave
		if enclaveName == "" {
			enclaveName = name
		}
		m, err := info.Lookup(enclaveName)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		attrs[name] = NewEnclaveAttribute(enclaveName, m)
	}

	for name, rs := range raw.Services {
		name = strings.ToLower(name)
		callers := NewEnclaveAttribute(name + " callers")
		for _, caller := range rs.Callers {
			attr, ok := attrs[strings.ToLower(caller)]
			if !ok {
				return nil, fmt.Errorf("service %s: caller: %w: %s", name, errUnknownService, caller)
			}
			callers.Measurements = callers.Measurements.Union(attr.Measurements)
		}

		svc := &Service{
			Name:    name,
			Enclave: attrs[name].Name,
			Internal: &ServiceEndpoint{
				ListenAddress: rs.Internal.ListenAddress,
				Inbound:       Attested(callers),
			},
			Targets: make(map[string]*TargetEndpoint, len(rs.Targets)),
		}
		if rs.API.ListenAddress != "" {
			svc.API = &ServiceEndpoint{
				ListenAddress: rs.API.ListenAddress,
				Inbound:       External(),
			}
		}
		t.services[name] = svc
	}

	// Targets point at the callee's advertised address and trust only the
	// callee's own measurement.  A call is only permitted if the callee
	// lists the caller, so that every edge of the call graph is declared on
	// both ends.
	for name, rs := range raw.Services {
		name = strings.ToLower(name)
		for _, target := range rs.Targets {
			target = strings.ToLower(target)
			callee, ok := raw.lookup(target)
			if !ok {
				return nil, fmt.Errorf("service %s: target: %w: %s", name, errUnknownService, target)
			}
			if !slices.ContainsFunc(callee.Callers, func(c string) bool {
				return strings.EqualFold(c, name)
			}) {
				return nil, fmt.Errorf("%w: %s -> %s", errNotACaller, name, target)
			}
			addr := callee.Internal.AdvertisedAddress
			if addr == "" {
				addr = callee.Internal.ListenAddress
			}
			t.services[name].Targets[target] = &TargetEndpoint{
				AdvertisedAddress: addr,
				Outbound:          Attested(attrs[target]),
			}
			t.edges = append(t.edges, Edge{Caller: name, Callee: target})
		}
	}
	slices.SortFunc(t.edges, func(a, b Edge) int {
		if c := strings.Compare(a.Caller, b.Caller); c != 0 {
			return c
		}
		return strings.Compare(a.Callee, b.Callee)
	})
	return t, nil
}

func (r *rawTopology) lookup(name string) (rawService, bool) {
	for n, s := range r.Services {
		if strings.EqualFold(n, name) {
			return s, true
		}
	}
	return rawService{}, false
}

// Service returns the named service.
func (t *Topology) Service(name string) (*Service, error) {
	s, ok := t.services[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownService, name)
	}
	return s, nil
}

// Services returns the names of all services in sorted order.
func (t *Topology) Services() []string {
	names := make([]string, 0, len(t.services))
	for name := range t.services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CallGraph returns all permitted calls in sorted order.
func (t *Topology) CallGraph() []Edge {
	return slices.Clone(t.edges)
}

// Target returns the endpoint through which caller reaches callee.
func (t *Topology) Target(caller, callee string) (*TargetEndpoint, error) {
	s, err := t.Service(caller)
	if err != nil {
		return nil, err
	}
	target, ok := s.Targets[strings.ToLower(callee)]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", errNotACaller, caller, callee)
	}
	return target, nil
}

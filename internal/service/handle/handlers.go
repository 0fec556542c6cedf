// Package handle implements the HTTP handlers of a tessera service.
package handle

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/Amnesic-Systems/tessera/internal/channel"
	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/httperr"
	"github.com/Amnesic-Systems/tessera/internal/ratls"
)

// Headers that carry the caller's verified measurement to the application.
const (
	PeerHeader       = "X-Tessera-Peer"
	PeerSignerHeader = "X-Tessera-Peer-Signer"
)

// Measurement is the JSON representation of an enclave measurement.
type Measurement struct {
	MREnclave string `json:"mr_enclave"`
	MRSigner  string `json:"mr_signer"`
}

// FromMeasurement converts a measurement to its JSON representation.
func FromMeasurement(m enclave.Measurement) Measurement {
	return Measurement{
		MREnclave: hex.EncodeToString(m.MREnclave[:]),
		MRSigner:  hex.EncodeToString(m.MRSigner[:]),
	}
}

// IdentityInfo describes the service's attested identity.
type IdentityInfo struct {
	Service     string      `json:"service"`
	Measurement Measurement `json:"measurement"`
	Fingerprint string      `json:"fingerprint"`
	Certificate string      `json:"certificate"`
}

// Index informs the visitor that this host runs inside an enclave.
func Index(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "This host runs service %q inside an SGX enclave.\n", service)
	}
}

// Identity returns the service's measurement and certificate.  Clients can
// check the certificate against the one presented during the TLS handshake.
func Identity(service string, id *ratls.Identity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := id.Measurement()
		if err != nil {
			encode(w, http.StatusInternalServerError, httperr.FromErr("failed to determine measurement", err))
			return
		}
		fp := id.Fingerprint()
		encode(w, http.StatusOK, &IdentityInfo{
			Service:     service,
			Measurement: FromMeasurement(m),
			Fingerprint: hex.EncodeToString(fp[:]),
			Certificate: string(id.CertPEM()),
		})
	}
}

// Whoami returns the caller's verified measurement.
func Whoami() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := channel.PeerFrom(r.Context())
		if !ok {
			encode(w, http.StatusUnauthorized, httperr.New("caller is not attested"))
			return
		}
		encode(w, http.StatusOK, FromMeasurement(m))
	}
}

// App forwards requests to the application's Web server.  Requests from
// attested callers carry the caller's MRENCLAVE in PeerHeader and its
// MRSIGNER in PeerSignerHeader.  Client-supplied values of either header are
// always dropped.
func App(appWebSrv *url.URL) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(appWebSrv)
			pr.Out.Header.Del(PeerHeader)
			pr.Out.Header.Del(PeerSignerHeader)
			if m, ok := channel.PeerFrom(pr.In.Context()); ok {
				pr.Out.Header.Set(PeerHeader, hex.EncodeToString(m.MREnclave[:]))
				pr.Out.Header.Set(PeerSignerHeader, hex.EncodeToString(m.MRSigner[:]))
			}
		},
	}
}

package channel

import (
	"context"
	"net/http"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/httperr"
	"github.com/Amnesic-Systems/tessera/internal/ratls"
)

type ctxKey struct{}

// PeerMiddleware stores the verified measurement of the TLS client in the
// request's context.  It must only be used on attested endpoints, whose
// handshake already verified the client.  Requests without a client
// certificate are rejected.
func PeerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			httperr.Write(w, http.StatusUnauthorized, &httperr.Error{
				Msg:  "client certificate required",
				Kind: httperr.KindUnauthorizedCaller,
			})
			return
		}
		m, err := ratls.PeerMeasurement(r.TLS.PeerCertificates[0])
		if err != nil {
			httperr.Write(w, http.StatusUnauthorized, httperr.FromErr("malformed client certificate", err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, m)))
	})
}

// PeerFrom returns the peer measurement that PeerMiddleware stored.
func PeerFrom(ctx context.Context) (enclave.Measurement, bool) {
	m, ok := ctx.Value(ctxKey{}).(enclave.Measurement)
	return m, ok
}

package handle

import (
	"encoding/json"
	"net/http"

	"github.com/Amnesic-Systems/tessera/internal/httperr"
)

// encode writes v as JSON.  The body is marshaled before the header is sent,
// so that a marshaling failure still results in a well-formed 500 response.
func encode[T any](w http.ResponseWriter, status int, v T) {
	b, err := json.Marshal(v)
	if err != nil {
		httperr.Write(w, http.StatusInternalServerError, httperr.New("failed to encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

package handle

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Amnesic-Systems/tessera/internal/httperr"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       any
		wantBody   string
		wantStatus int
	}{
		{
			name:   "unsupported type",
			status: http.StatusOK,
			// json.Marshal cannot encode channels.
			body:       make(chan int),
			wantBody:   `{"error":"failed to encode response"}` + "\n",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "error body",
			status:     http.StatusForbidden,
			body:       httperr.New("random error"),
			wantBody:   `{"error":"random error"}` + "\n",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "measurement",
			status:     http.StatusOK,
			body:       Measurement{MREnclave: "aa", MRSigner: "bb"},
			wantBody:   `{"mr_enclave":"aa","mr_signer":"bb"}` + "\n",
			wantStatus: http.StatusOK,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			encode(rec, c.status, c.body)
			resp := rec.Result()
			require.Equal(t, c.wantStatus, resp.StatusCode)
			require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, c.wantBody, string(b))
		})
	}
}

package httperr

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestFromErr(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind string
	}{
		{
			name: "unclassified",
			err:  io.EOF,
		},
		{
			name:     "wrapped chain failure",
			err:      fmt.Errorf("failed to verify peer: %w", fmt.Errorf("%w: expired", errs.Chain)),
			wantKind: KindChain,
		},
		{
			name:     "unauthorized caller",
			err:      errs.UnauthorizedCaller,
			wantKind: KindUnauthorizedCaller,
		},
		{
			name:     "service",
			err:      fmt.Errorf("%w: status 401", errs.Service),
			wantKind: KindService,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := FromErr("verification failed", c.err)
			require.Equal(t, "verification failed", e.Msg)
			require.Equal(t, c.wantKind, e.Kind)
			require.NotContains(t, e.Error(), c.err.Error())
		})
	}
}

func TestWriteAndFromBody(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, http.StatusUnauthorized, &Error{Msg: "go away", Kind: KindBinding})
	resp := rec.Result()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	want := &Error{Msg: "go away", Kind: KindBinding}
	require.Equal(t, want, FromBody(resp))
	// The body must not have been consumed.
	require.Equal(t, want, FromBody(resp))
}

func TestFromBodyWithoutError(t *testing.T) {
	for _, body := range []string{"", "foo", `{"other":"field"}`} {
		resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}
		require.Nil(t, FromBody(resp))
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, body, string(b))
	}
}

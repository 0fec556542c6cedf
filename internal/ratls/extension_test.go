package ratls

import (
	"testing"

	"github.com/Amnesic-Systems/tessera/internal/errs"
	"github.com/Amnesic-Systems/tessera/internal/ias"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestExtensionRoundTrip(t *testing.T) {
	e := &ias.EndorsedReport{
		Report:      []byte("report"),
		Signature:   []byte("signature"),
		SigningCert: []byte("signing cert"),
	}
	ext, err := MarshalExtension(e)
	require.NoError(t, err)
	require.True(t, ext.Id.Equal(ExtensionOID))
	require.False(t, ext.Critical)

	got, err := UnmarshalExtension(ext.Value)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestMarshalExtensionFailures(t *testing.T) {
	_, err := MarshalExtension(nil)
	require.ErrorIs(t, err, errs.IsNil)

	_, err = MarshalExtension(&ias.EndorsedReport{Report: []byte("foo")})
	require.ErrorIs(t, err, errEmptyField)
}

func TestUnmarshalExtensionFailures(t *testing.T) {
	var (
		foo   = []byte("foo")
		valid = func() []byte {
			b, err := cbor.Marshal([]any{uint(ExtensionVersion), foo, foo, foo})
			require.NoError(t, err)
			return b
		}()
		encode = func(v any) []byte {
			b, err := cbor.Marshal(v)
			require.NoError(t, err)
			return b
		}
	)

	cases := []struct {
		name    string
		in      []byte
		wantErr error
	}{
		{
			name:    "not CBOR",
			in:      []byte{0xff, 0xff},
		},
		{
			name: "trailing data",
			in:   append(append([]byte{}, valid...), 0x00),
		},
		{
			name: "unknown version",
			in:   encode([]any{uint(2), foo, foo, foo}),
			wantErr: errVersion,
		},
		{
			name: "missing field",
			in:   encode([]any{uint(ExtensionVersion), foo, foo}),
		},
		{
			name: "extra field",
			in:   encode([]any{uint(ExtensionVersion), foo, foo, foo, foo}),
		},
		{
			name:    "empty report",
			in:      encode([]any{uint(ExtensionVersion), foo, foo, []byte{}}),
			wantErr: errEmptyField,
		},
		{
			name: "map instead of array",
			in:   encode(map[string]any{"version": 1}),
		},
	}

	_, err := UnmarshalExtension(valid)
	require.NoError(t, err)

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := UnmarshalExtension(c.in)
			require.ErrorIs(t, err, errs.Decode)
			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
			}
		})
	}
}

package enclave

import (
	"encoding/hex"
	"fmt"

	"github.com/Amnesic-Systems/tessera/internal/errs"
)

const MeasurementLen = 32

// Measurement identifies an enclave build: the hash of its initial contents
// (MREnclave) and the hash of the key that signed it (MRSigner).  The type is
// comparable and may be used as a map key.
type Measurement struct {
	MREnclave [MeasurementLen]byte
	MRSigner  [MeasurementLen]byte
}

// ParseMeasurement parses hex-encoded MRENCLAVE and MRSIGNER values.
func ParseMeasurement(mrEnclave, mrSigner string) (m Measurement, err error) {
	defer errs.Wrap(&err, "failed to parse measurement")

	if err := decodeHex(m.MREnclave[:], mrEnclave); err != nil {
		return m, fmt.Errorf("mr_enclave: %w", err)
	}
	if err := decodeHex(m.MRSigner[:], mrSigner); err != nil {
		return m, fmt.Errorf("mr_signer: %w", err)
	}
	return m, nil
}

func decodeHex(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return errs.InvalidFormat
	}
	if len(b) != len(dst) {
		return errs.InvalidLength
	}
	copy(dst, b)
	return nil
}

// String returns a human-readable form that is safe to log.
func (m Measurement) String() string {
	return fmt.Sprintf("mr_enclave=%x mr_signer=%x", m.MREnclave, m.MRSigner)
}

// IsZero returns true if neither field is set.
func (m Measurement) IsZero() bool {
	return m == Measurement{}
}

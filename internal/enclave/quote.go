package enclave

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Layout of an SGX quote.  A quote starts with a fixed-size header, followed by
// the report body of the attested enclave.  The attestation service echoes
// the first QuoteBodyLen bytes back in its report.
const (
	QuoteHeaderLen = 48
	ReportBodyLen  = 384
	QuoteBodyLen   = QuoteHeaderLen + ReportBodyLen
	ReportDataLen  = 64
	// An enclave report is a report body followed by a key ID and a MAC.
	ReportLen = ReportBodyLen + 32 + 16

	// Offsets relative to the start of a report body.
	attributesOffset = 48
	mrEnclaveOffset  = 64
	mrSignerOffset   = 128
	reportDataOffset = 320

	// FlagDebug is set in the attributes of enclaves that can be inspected
	// by a debugger.
	FlagDebug = 0x2
)

var errShortQuote = errors.New("quote body too short")

// QuoteBody holds the fields of a quote body that we act on.
type QuoteBody struct {
	Measurement Measurement
	Flags       uint64
	ReportData  [ReportDataLen]byte
}

// Debug returns true if the quoted enclave runs in debug mode.
func (q *QuoteBody) Debug() bool {
	return q.Flags&FlagDebug != 0
}

// ParseQuoteBody parses a quote or quote body.  Bytes beyond QuoteBodyLen,
// like the quote signature, are ignored.
func ParseQuoteBody(b []byte) (*QuoteBody, error) {
	if len(b) < QuoteBodyLen {
		return nil, fmt.Errorf("%w: got %d bytes", errShortQuote, len(b))
	}
	return parseReportBody(b[QuoteHeaderLen:QuoteBodyLen]), nil
}

// ParseReport parses the body of an enclave report.
func ParseReport(r Report) (*QuoteBody, error) {
	if len(r) < ReportBodyLen {
		return nil, fmt.Errorf("%w: got %d bytes", errShortQuote, len(r))
	}
	return parseReportBody(r[:ReportBodyLen]), nil
}

func parseReportBody(body []byte) *QuoteBody {
	q := new(QuoteBody)
	q.Flags = binary.LittleEndian.Uint64(body[attributesOffset:])
	copy(q.Measurement.MREnclave[:], body[mrEnclaveOffset:])
	copy(q.Measurement.MRSigner[:], body[mrSignerOffset:])
	copy(q.ReportData[:], body[reportDataOffset:])
	return q
}

// MarshalReportBody lays out the given fields as a report body.  Fields that
// QuoteBody does not model are left zero.
func MarshalReportBody(q *QuoteBody) []byte {
	body := make([]byte, ReportBodyLen)
	binary.LittleEndian.PutUint64(body[attributesOffset:], q.Flags)
	copy(body[mrEnclaveOffset:], q.Measurement.MREnclave[:])
	copy(body[mrSignerOffset:], q.Measurement.MRSigner[:])
	copy(body[reportDataOffset:], q.ReportData[:])
	return body
}

// ReportDataFor returns the report data that commits to the given DER-encoded
// SubjectPublicKeyInfo: its SHA-256 hash followed by zeroes.
func ReportDataFor(pubKey []byte) (data [ReportDataLen]byte) {
	h := sha256.Sum256(pubKey)
	copy(data[:], h[:])
	return data
}

// BindsKey returns true if the report data commits to the given DER-encoded
// SubjectPublicKeyInfo.
func (q *QuoteBody) BindsKey(pubKey []byte) bool {
	h := sha256.Sum256(pubKey)
	return [sha256.Size]byte(q.ReportData[:sha256.Size]) == h
}

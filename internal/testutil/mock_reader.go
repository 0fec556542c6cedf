// Package testutil holds helpers that tests across packages share.
package testutil

import "io"

var _ io.Reader = (*MockReader)(nil)

// MockReader stands in for a randomness source.  By default it fills every
// buffer with 0x2a; options make it fail or return short reads, so that tests
// can exercise the error paths of code that reads key material or nonces.
type MockReader struct {
	err     error
	retOnly int
}

type Option func(*MockReader)

// WithFailOnRead makes every read fail with io.ErrUnexpectedEOF.
func WithFailOnRead() Option {
	return WithErr(io.ErrUnexpectedEOF)
}

// WithErr makes every read fail with err.
func WithErr(err error) Option {
	return func(m *MockReader) {
		m.err = err
	}
}

// WithShortRead makes every read return at most n bytes.
func WithShortRead(n int) Option {
	return func(m *MockReader) {
		m.retOnly = n
	}
}

func NewMockReader(opts ...Option) *MockReader {
	m := new(MockReader)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (r *MockReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n := len(p)
	if r.retOnly > 0 && r.retOnly < n {
		n = r.retOnly
	}
	for i := range p[:n] {
		p[i] = 0x2a
	}
	return n, nil
}

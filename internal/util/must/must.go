// Package must turns errors that can only stem from programming mistakes,
// like invalid constant encoder options, into panics.
package must

import "fmt"

// Get returns v, or panics if err is set.
func Get[T any](v T, err error) T {
	if err != nil {
		panic(fmt.Errorf("must: %w", err))
	}
	return v
}

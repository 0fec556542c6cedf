// Package validate checks configuration objects that report their problems
// as a map from flag name to description.
package validate

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrInvalid is wrapped by every error that Object returns.
var ErrInvalid = errors.New("invalid configuration")

type Validator interface {
	Validate() map[string]string
}

// SprintErrs formats problems one per line, sorted by field.
func SprintErrs(problems map[string]string) string {
	var b strings.Builder
	for _, field := range slices.Sorted(maps.Keys(problems)) {
		b.WriteString(field + ": " + problems[field] + "\n")
	}
	return b.String()
}

// Object validates v.  All problems are joined into a single error, sorted by
// field so that the message is stable.
func Object(v Validator) error {
	problems := v.Validate()
	if len(problems) == 0 {
		return nil
	}
	err := ErrInvalid
	for _, field := range slices.Sorted(maps.Keys(problems)) {
		err = errors.Join(err, fmt.Errorf("field %s: %v", field, problems[field]))
	}
	return err
}

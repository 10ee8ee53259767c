// Package errkind classifies input failures that must abort a run before any
// sampling work is spent.
package errkind

import "github.com/rotisserie/eris"

// ErrData marks malformed or inconsistent input: a non-nested hierarchy, an
// isolated spatial unit, a missing predictor column or value.
var ErrData = eris.New("data error")

// Data wraps ErrData with a formatted description of the offending input.
func Data(format string, args ...any) error {
	return eris.Wrapf(ErrData, format, args...)
}

// IsData reports whether err (or anything it wraps) is a data error.
func IsData(err error) bool {
	return err != nil && eris.Is(err, ErrData)
}

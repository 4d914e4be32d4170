package scoring

import (
	"errors"
	"fmt"
)

// ErrInsufficientHistory indicates every feature row was consumed by warm-up,
// leaving nothing to score. Callers treat this as "no usable features", not a
// crash.
var ErrInsufficientHistory = errors.New("scoring: insufficient history for feature windows")

// FeatureMismatchError reports a feature column a model artifact declares but
// the computed frame does not carry, e.g. a lag/window misconfiguration or a
// sensor channel absent from the input. Fatal to the scoring call it occurs in.
type FeatureMismatchError struct {
	Column string
}

func (e *FeatureMismatchError) Error() string {
	return fmt.Sprintf("scoring: model feature column %q not present in computed features", e.Column)
}

// IsFeatureMismatch reports whether err is a FeatureMismatchError.
func IsFeatureMismatch(err error) bool {
	var fm *FeatureMismatchError
	return errors.As(err, &fm)
}

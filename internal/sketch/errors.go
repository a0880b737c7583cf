package sketch

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompatible is matched by every *IncompatibleError
	ErrIncompatible = errors.New("incompatible sketches")
	// ErrInvalidSequence is returned for k-mers with non-ACGT characters
	ErrInvalidSequence = errors.New("invalid DNA sequence")
)

// IncompatibleError names the parameter two sketches disagree on
type IncompatibleError struct {
	Field string
	Want  interface{}
	Got   interface{}
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("incompatible sketches: %s mismatch (want %v, got %v)", e.Field, e.Want, e.Got)
}

func (e *IncompatibleError) Is(target error) bool {
	return target == ErrIncompatible
}

// FormatError reports malformed sketch input
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "malformed sketch: " + e.Reason
}

package composition

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// CompositionError reports that the service schemas cannot be merged into a
// valid composed schema. It aggregates every problem found in one pass so
// operators see the full picture instead of the first conflict.
//
// A CompositionError is non-fatal to a running gateway: the previously
// composed schema keeps serving.
type CompositionError struct {
	err *multierror.Error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("schema composition failed: %s", e.err.Error())
}

func (e *CompositionError) Unwrap() error {
	return e.err
}

// Problems returns the individual composition failures.
func (e *CompositionError) Problems() []error {
	return e.err.Errors
}

type compositionProblems struct {
	err *multierror.Error
}

func (p *compositionProblems) addf(format string, args ...any) {
	p.err = multierror.Append(p.err, fmt.Errorf(format, args...))
}

func (p *compositionProblems) intoError() error {
	if p.err == nil || len(p.err.Errors) == 0 {
		return nil
	}
	return &CompositionError{err: p.err}
}

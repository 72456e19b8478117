package invidx

import "github.com/pkg/errors"

// FatalError wraps an opclass callback error, tagged with the callback
// name. Nothing in this module constructs one: the scan and build paths
// do not call NewFatalError.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "invidx: fatal: " + e.Op + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// NewFatalError wraps err as a FatalError, tagging it with the
// callback name that produced it.
func NewFatalError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: errors.WithStack(err)}
}

// ResourceLimitError reports that a build or insert exceeded a
// configured resource bound (e.g. the pending-list memory cap, or a
// posting list too large to fit even an empty leaf).
type ResourceLimitError struct {
	Resource string
	Limit    int64
	Got      int64
}

func (e *ResourceLimitError) Error() string {
	return errors.Errorf("invidx: %s limit exceeded: got %d, limit %d", e.Resource, e.Got, e.Limit).Error()
}

// Cause unwraps to the pkg/errors root cause, for callers that want to
// distinguish a wrapped I/O error from a corruption error.
func Cause(err error) error { return errors.Cause(err) }

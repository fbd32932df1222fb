package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pipewise/lake/model"
)

// Error is a classified pipeline failure: which stage of the record state
// machine failed, and under which kind the failure is accounted.
type Error struct {
	Kind  model.ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// fail wraps err as a classified pipeline error.
func fail(kind model.ErrorKind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// failf is fail with formatting.
func failf(kind model.ErrorKind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// classify wraps err under (kind, stage) unless it's already classified.
func classify(err error, kind model.ErrorKind, stage string) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf extracts a pipeline error's kind; unclassified errors count as
// job errors.
func KindOf(err error) model.ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return model.ErrJob
}

// StageOf extracts a pipeline error's failing stage, or "".
func StageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage
	}
	return ""
}

// joinFindings flattens validator findings into one message.
func joinFindings(errs []error) string {
	var parts = make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

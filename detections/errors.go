package detections

import (
	"errors"
	"fmt"
)

// Stage identifies where in the inference pipeline a failure happened.
type Stage string

const (
	StageDecode Stage = "decode"
	StageShape  Stage = "shape"
	StageEngine Stage = "engine"
)

var (
	ErrValidation = errors.New("model validation failed")
	ErrDecode     = errors.New("image decode failed")
	ErrShape      = errors.New("unexpected tensor shape")
	ErrEngine     = errors.New("inference failed")
)

type StageError struct {
	Stage   Stage
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Unwrap exposes both the stage sentinel and the underlying cause so callers
// can match either with errors.Is.
func (e *StageError) Unwrap() []error {
	errs := []error{stageSentinel(e.Stage)}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func stageSentinel(s Stage) error {
	switch s {
	case StageDecode:
		return ErrDecode
	case StageShape:
		return ErrShape
	}
	return ErrEngine
}

func newStageError(stage Stage, cause error, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// StageOf reports the pipeline stage of err, or "" when err did not come
// from the pipeline.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// ValidationError explains why accumulated model bytes were rejected before
// parsing. It matches ErrValidation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ValidateModelBytes rejects empty or implausibly small model uploads.
func ValidateModelBytes(data []byte) error {
	if len(data) == 0 {
		return &ValidationError{Reason: "Model bytes are empty"}
	}
	if len(data) < MinModelBytes {
		return &ValidationError{Reason: "Model bytes too small, likely not a valid model"}
	}
	return nil
}

package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindFetch         ErrorKind = "fetch"
	KindConversion    ErrorKind = "conversion"
	KindTranscription ErrorKind = "transcription"
	KindInternal      ErrorKind = "internal"
)

// Error is the failure outcome of a job. Kind tells callers which category of
// failure happened without matching on strings; the remaining fields carry the
// structured detail for that kind.
type Error struct {
	Kind    ErrorKind
	Stage   Stage
	Message string

	// StatusCode is the transport status of a failed fetch, 0 when no response arrived.
	StatusCode int
	// ExitCode is the exit status of the conversion process, -1 when it did not exit normally.
	ExitCode int
	TimedOut bool
	// Faulted marks a transcription failure where the model capability itself broke,
	// as opposed to the model reporting an error result.
	Faulted bool

	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	parts := []string{fmt.Sprintf("[%s] %s: %s", e.Kind, e.Stage, e.Message)}
	switch e.Kind {
	case KindFetch:
		if e.StatusCode != 0 {
			parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
		}
	case KindConversion:
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
		if e.TimedOut {
			parts = append(parts, "timed out")
		}
	case KindTranscription:
		if e.Faulted {
			parts = append(parts, "model fault")
		}
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func FetchError(message string, statusCode int, cause error) *Error {
	return &Error{
		Kind:       KindFetch,
		Stage:      StageFetching,
		Message:    message,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

func ConversionError(message string, exitCode int, cause error) *Error {
	return &Error{
		Kind:     KindConversion,
		Stage:    StageConverting,
		Message:  message,
		ExitCode: exitCode,
		Cause:    cause,
	}
}

func TranscriptionError(message string, faulted bool, cause error) *Error {
	return &Error{
		Kind:    KindTranscription,
		Stage:   StageTranscribing,
		Message: message,
		Faulted: faulted,
		Cause:   cause,
	}
}

// InternalError covers workspace allocation/cleanup failures and unexpected faults.
// stage is the stage that was active when it happened.
func InternalError(stage Stage, message string, cause error) *Error {
	return &Error{
		Kind:    KindInternal,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

func IsKind(err error, kind ErrorKind) bool {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind == kind
	}
	return false
}

// AsError returns the *Error inside err. Errors from outside the taxonomy are
// reported as internal failures of stage.
func AsError(err error, stage Stage) *Error {
	if err == nil {
		return nil
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr
	}
	return InternalError(stage, "unexpected failure", err)
}

// FailedEvent builds the terminal event describing err.
func FailedEvent(jobID string, err *Error) ProgressEvent {
	event := ProgressEvent{
		JobID:       jobID,
		Stage:       StageFailed,
		FailedStage: err.Stage,
		ErrorKind:   err.Kind,
		Detail:      err.Error(),
	}
	if err.Kind == KindConversion {
		event.ExitCode = err.ExitCode
	}
	return event
}

package core

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the pipeline stage a failure originated from. The
// orchestrator switches on the kind to decide between degrading the response
// and failing the request.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindDecode
	KindTranscription
	KindGeneration
	KindSynthesis
)

func (k ErrorKind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindTranscription:
		return "transcription"
	case KindGeneration:
		return "generation"
	case KindSynthesis:
		return "synthesis"
	default:
		return "internal"
	}
}

// StageError wraps a backend or codec failure with the stage it came from.
type StageError struct {
	Kind ErrorKind
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError tags err with the originating stage kind.
func NewStageError(kind ErrorKind, err error) *StageError {
	return &StageError{Kind: kind, Err: err}
}

// KindOf extracts the stage kind from an error chain. Errors that carry no
// StageError are reported as KindInternal.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

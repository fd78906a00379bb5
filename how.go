// Package how defines the configuration and error kinds shared by the how
// command and its generation pipeline.
package how

import (
	"errors"
	"fmt"
)

// Error codes. Every failure the pipeline reports carries exactly one.
const (
	CodeCacheDirUnavailable = "cache_dir_unavailable"
	CodeModelExtraction     = "model_extraction"
	CodeEngineInit          = "engine_init"
	CodeModelLoad           = "model_load"
	CodeSessionCreation     = "session_creation"
	CodePromptTooLong       = "prompt_too_long"
	CodeTokenization        = "tokenization"
	CodeDecode              = "decode"
	CodeDetokenization      = "detokenization"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrCacheDirUnavailable = &Error{Code: CodeCacheDirUnavailable}
	ErrModelExtraction     = &Error{Code: CodeModelExtraction}
	ErrEngineInit          = &Error{Code: CodeEngineInit}
	ErrModelLoad           = &Error{Code: CodeModelLoad}
	ErrSessionCreation     = &Error{Code: CodeSessionCreation}
	ErrPromptTooLong       = &Error{Code: CodePromptTooLong}
	ErrTokenization        = &Error{Code: CodeTokenization}
	ErrDecode              = &Error{Code: CodeDecode}
	ErrDetokenization      = &Error{Code: CodeDetokenization}
)

// Error describes a failure with a machine-readable kind.
type Error struct {
	// Code is the error kind (e.g. "decode", "model_load").
	Code string
	// Message is a human-readable description.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError returns an error of the given kind.
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Errorf returns an error of the given kind with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with code. Errors that already carry a code are returned as is.
func Wrap(code string, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return &Error{Code: code, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsSoft reports whether err should end the run successfully.
func IsSoft(err error) bool {
	return errors.Is(err, ErrPromptTooLong)
}

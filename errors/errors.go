package errors

import (
	errs "errors"
	"fmt"
	"runtime"
	"strings"
)

type ErrorLevel string

func (e ErrorLevel) String() string {
	return string(e)
}

const (
	ERR_INFRASTRUCTURE ErrorLevel = "infrastructure"
	ERR_APPLICATION    ErrorLevel = "application"
	ERR_DOMAIN         ErrorLevel = "domain"
	ERR_VALIDATION     ErrorLevel = "validation"
	ERR_NOT_FOUND      ErrorLevel = "not_found"
	ERR_UNAVAILABLE    ErrorLevel = "unavailable"
	ERR_UNKNOWN        ErrorLevel = "unknown"
)

type ExtendError struct {
	Level      ErrorLevel     `json:"level"`
	Err        error          `json:"error"`
	Code       string         `json:"code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StackTrace string         `json:"-"`
}

func (e *ExtendError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	msg := e.Err.Error()
	if e.Code != "" {
		msg = fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	return msg
}

func (e *ExtendError) Unwrap() error {
	return e.Err
}

func (e *ExtendError) WithCode(code string) *ExtendError {
	e.Code = code
	return e
}

func (e *ExtendError) WithMetadata(key string, value any) *ExtendError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

func New(message string) error {
	return errs.New(message)
}

// Is reports whether err matches target. Argument order follows the rest of
// this package (target first).
func Is(target, err error) bool {
	return errs.Is(err, target)
}

func IsExtendError(err error) bool {
	var extendErr *ExtendError
	return errs.As(err, &extendErr)
}

func As(err error, target interface{}) bool {
	return errs.As(err, target)
}

func Join(errors ...error) error {
	return errs.Join(errors...)
}

func captureStackTrace() string {
	var sb strings.Builder
	// Skip 3 frames: captureStackTrace, wrap, and the caller of wrap
	for i := 3; i < 15; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fmt.Fprintf(&sb, "%s:%d\n", file, line)
	}
	return sb.String()
}

func wrap(err error, level ErrorLevel) *ExtendError {
	var existing *ExtendError
	if errs.As(err, &existing) && existing == err {
		// Keep the original level, code and metadata.
		return existing
	}
	return &ExtendError{
		Level:      level,
		Err:        err,
		StackTrace: captureStackTrace(),
	}
}

func InfraError(err error) *ExtendError {
	return wrap(err, ERR_INFRASTRUCTURE)
}

func AppError(err error) *ExtendError {
	return wrap(err, ERR_APPLICATION)
}

func DomainError(err error) *ExtendError {
	return wrap(err, ERR_DOMAIN)
}

func ValidationError(err error) *ExtendError {
	return wrap(err, ERR_VALIDATION)
}

func NotFoundError(err error) *ExtendError {
	return wrap(err, ERR_NOT_FOUND)
}

func UnavailableError(err error) *ExtendError {
	return wrap(err, ERR_UNAVAILABLE)
}

func UnknownError(err error) *ExtendError {
	return wrap(err, ERR_UNKNOWN)
}

func getErrorLevel(err *ExtendError) ErrorLevel {
	if err == nil {
		return ERR_UNKNOWN
	}
	return err.Level
}

// GetLevel returns the level of the outermost ExtendError in err's chain.
func GetLevel(err error) ErrorLevel {
	var extendErr *ExtendError
	if errs.As(err, &extendErr) {
		return getErrorLevel(extendErr)
	}
	return ERR_UNKNOWN
}

func IsInfraError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_INFRASTRUCTURE
}
func IsAppError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_APPLICATION
}
func IsDomainError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_DOMAIN
}
func IsValidationError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_VALIDATION
}
func IsNotFoundError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_NOT_FOUND
}
func IsUnavailableError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_UNAVAILABLE
}
func IsUnknownError(err *ExtendError) bool {
	return getErrorLevel(err) == ERR_UNKNOWN
}

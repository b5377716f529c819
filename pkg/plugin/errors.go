package plugin

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a runtime failure for reporting and recovery.
type ErrorKind string

const (
	// ErrorKindDirectory indicates the plugin directory could not be created.
	// It is the only kind that stops the scheduler.
	ErrorKindDirectory ErrorKind = "directory"

	// ErrorKindLoadFailed indicates the unit's top-level code failed while loading.
	ErrorKindLoadFailed ErrorKind = "load_failed"

	// ErrorKindMissingCapability indicates the unit loaded but exposes no
	// zero-argument run entry point.
	ErrorKindMissingCapability ErrorKind = "missing_capability"

	// ErrorKindExecutionFailed indicates run failed when invoked.
	ErrorKindExecutionFailed ErrorKind = "execution_failed"
)

// Error is a classified runtime error.
type Error struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Plugin is the unit name, if the error concerns a single unit.
	Plugin string `json:"plugin,omitempty"`

	// Path is the file or directory involved, if any.
	Path string `json:"path,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Plugin != "" {
		return fmt.Sprintf("[%s] %s (plugin=%s): %s", e.Kind, e.Message, e.Plugin, e.Detail())
	}
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s (path=%s): %s", e.Kind, e.Message, e.Path, e.Detail())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.Detail())
}

// Detail returns the underlying failure description without classification.
func (e *Error) Detail() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewDirectoryError creates a DirectoryError for path.
func NewDirectoryError(path string, err error) *Error {
	return &Error{
		Kind:    ErrorKindDirectory,
		Path:    path,
		Message: "cannot create plugin directory",
		Err:     err,
	}
}

// NewLoadFailedError creates a LoadFailed error for the named unit.
func NewLoadFailedError(name string, err error) *Error {
	return &Error{
		Kind:    ErrorKindLoadFailed,
		Plugin:  name,
		Message: "failed to load plugin",
		Err:     err,
	}
}

// NewMissingCapabilityError creates a MissingCapability error for the named unit.
func NewMissingCapabilityError(name, reason string) *Error {
	return &Error{
		Kind:    ErrorKindMissingCapability,
		Plugin:  name,
		Message: reason,
	}
}

// NewExecutionFailedError creates an ExecutionFailed error for the named unit.
func NewExecutionFailedError(name string, err error) *Error {
	return &Error{
		Kind:    ErrorKindExecutionFailed,
		Plugin:  name,
		Message: "plugin run failed",
		Err:     err,
	}
}

// KindOf returns the classification of err, or "" if it is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// DetailOf returns the unclassified description of err.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Detail()
	}
	return err.Error()
}

// IsDirectoryError returns true if err is a DirectoryError.
func IsDirectoryError(err error) bool {
	return KindOf(err) == ErrorKindDirectory
}

// IsLoadFailed returns true if err is a LoadFailed error.
func IsLoadFailed(err error) bool {
	return KindOf(err) == ErrorKindLoadFailed
}

// IsMissingCapability returns true if err is a MissingCapability error.
func IsMissingCapability(err error) bool {
	return KindOf(err) == ErrorKindMissingCapability
}

// IsExecutionFailed returns true if err is an ExecutionFailed error.
func IsExecutionFailed(err error) bool {
	return KindOf(err) == ErrorKindExecutionFailed
}

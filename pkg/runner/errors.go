package runner

import (
	"errors"
	"fmt"
)

// FailureKind classifies where in the build-execute cycle a failure came
// from. Every failure surfaced by this package is a *BuildError carrying
// one of these kinds.
type FailureKind string

const (
	// FailureParse means the input sources could not be parsed.
	FailureParse FailureKind = "parse"

	// FailureResolution means imports or references did not resolve.
	FailureResolution FailureKind = "resolution"

	// FailureCodegen means one package failed to lower; the error names
	// the offending package.
	FailureCodegen FailureKind = "codegen"

	// FailureLink means an object was missing or a symbol did not resolve
	// while merging objects into the library.
	FailureLink FailureKind = "link"

	// FailureTimeout means the deadline on the build-execute cycle
	// elapsed. It carries no payload beyond its kind.
	FailureTimeout FailureKind = "timeout"

	// FailureRuntime means the linked artifact misbehaved during
	// invocation.
	FailureRuntime FailureKind = "runtime"

	// FailureIO means a cache, temp-file, object or library read/write
	// failed.
	FailureIO FailureKind = "io"
)

// BuildError is a classified build failure with enough context to localize
// the fault: the package path for codegen/link failures, the file path for
// I/O failures.
type BuildError struct {
	Kind    FailureKind
	Pkg     string
	Path    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Pkg != "":
		return fmt.Sprintf("[%s] pkg %s: %s", e.Kind, e.Pkg, msg)
	case e.Path != "":
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Path, msg)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// Is matches BuildErrors by kind, so callers can test against the kind
// sentinels below with errors.Is.
func (e *BuildError) Is(target error) bool {
	t, ok := target.(*BuildError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrTimeout = &BuildError{Kind: FailureTimeout, Message: "deadline exceeded"}
)

// NewParseError wraps a parse failure.
func NewParseError(err error) *BuildError {
	return &BuildError{Kind: FailureParse, Err: err}
}

// NewResolutionError wraps a resolution failure.
func NewResolutionError(err error) *BuildError {
	return &BuildError{Kind: FailureResolution, Err: err}
}

// NewCodegenError wraps a lowering failure for one package.
func NewCodegenError(pkg string, err error) *BuildError {
	return &BuildError{Kind: FailureCodegen, Pkg: pkg, Err: err}
}

// NewLinkError reports a link failure for one package.
func NewLinkError(pkg, message string) *BuildError {
	return &BuildError{Kind: FailureLink, Pkg: pkg, Message: message}
}

// NewTimeoutError reports an elapsed deadline.
func NewTimeoutError() *BuildError {
	return &BuildError{Kind: FailureTimeout, Message: "deadline exceeded"}
}

// NewRuntimeError reports a fault inside the invoked artifact.
func NewRuntimeError(message string, err error) *BuildError {
	return &BuildError{Kind: FailureRuntime, Message: message, Err: err}
}

// NewIOError wraps a filesystem failure at path.
func NewIOError(path string, err error) *BuildError {
	return &BuildError{Kind: FailureIO, Path: path, Err: err}
}

// IsTimeout reports whether err is a timeout failure.
func IsTimeout(err error) bool {
	return kindOf(err) == FailureTimeout
}

// IsCodegen reports whether err is a lowering failure.
func IsCodegen(err error) bool {
	return kindOf(err) == FailureCodegen
}

// IsLink reports whether err is a link failure.
func IsLink(err error) bool {
	return kindOf(err) == FailureLink
}

// IsRuntimeFault reports whether err is a fault inside the invoked artifact.
func IsRuntimeFault(err error) bool {
	return kindOf(err) == FailureRuntime
}

func kindOf(err error) FailureKind {
	var e *BuildError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

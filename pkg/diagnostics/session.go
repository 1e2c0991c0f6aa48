// Package diagnostics provides the session object that accumulates
// structured errors and warnings across every phase of a build (parse,
// resolve, assemble, link, execute) and emits them exactly once.
package diagnostics

import (
	"fmt"
	"io"
	"sync"
)

// Severity classifies a diagnostic.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "unknown"
}

// Diagnostic is one reported problem. Position is optional; a zero Line
// means the diagnostic carries no source location.
type Diagnostic struct {
	Severity Severity
	Message  string
	Line     int
	Column   int
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d, column %d)", d.Severity, d.Message, d.Line, d.Column)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// State is the lifecycle state of a Session.
type State int

const (
	// StateClean means nothing has been reported yet.
	StateClean State = iota
	// StateAccumulating means at least one diagnostic has been pushed and
	// none have been emitted.
	StateAccumulating
	// StateEmitted means EmitAndAbort has drained the session.
	StateEmitted
)

// ErrAborted is returned by EmitAndAbort when the session held at least one
// error-severity diagnostic, signalling non-zero completion to the caller.
var ErrAborted = fmt.Errorf("errors were emitted, aborting")

// Session collects diagnostics for the lifetime of one top-level invocation.
//
// A session is passed explicitly through the build rather than living in
// package-level state, so nested or concurrent builds cannot contaminate
// each other's reports. It is safe for concurrent use; per-package
// compilation workers push into one shared session.
type Session struct {
	mu    sync.Mutex
	state State
	diags []Diagnostic
}

// NewSession returns a session in the Clean state.
func NewSession() *Session {
	return &Session{}
}

// Add pushes one diagnostic, moving the session to Accumulating.
func (s *Session) Add(d Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClean {
		s.state = StateAccumulating
	}
	s.diags = append(s.diags, d)
}

// AddError pushes an error-severity diagnostic with the given message.
func (s *Session) AddError(msg string) {
	s.Add(Diagnostic{Severity: SeverityError, Message: msg})
}

// AddWarning pushes a warning-severity diagnostic with the given message.
func (s *Session) AddWarning(msg string) {
	s.Add(Diagnostic{Severity: SeverityWarning, Message: msg})
}

// HasErrors reports whether any pushed diagnostic is error-severity. It
// never mutates session state; drivers that already hold an error from a
// lower layer must call this before re-pushing that error to avoid
// double-reporting one root cause.
func (s *Session) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Diagnostics returns a copy of the accumulated diagnostics in arrival order.
func (s *Session) Diagnostics() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Diagnostic, len(s.diags))
	copy(out, s.diags)
	return out
}

// EmitAndAbort writes all accumulated diagnostics to w in arrival order and
// transitions the session to Emitted. It returns ErrAborted when the session
// held at least one error, and nil otherwise. Calling it on a Clean session
// is a no-op that reports success; calling it on an already Emitted session
// returns the prior outcome without re-printing anything.
func (s *Session) EmitAndAbort(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hadErrors := false
	for _, d := range s.diags {
		if d.Severity == SeverityError {
			hadErrors = true
			break
		}
	}

	if s.state == StateEmitted {
		if hadErrors {
			return ErrAborted
		}
		return nil
	}

	for _, d := range s.diags {
		fmt.Fprintln(w, d.String())
	}
	s.state = StateEmitted

	if hadErrors {
		return ErrAborted
	}
	return nil
}

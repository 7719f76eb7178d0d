package runner

import (
	"fmt"
	"path/filepath"
)

// Error kinds carried by InvocationError.
const (
	KindLaunch = "launch" // process never started (or died outside its own control)
	KindExit   = "exit"   // process ran and exited non-zero
)

// InvocationError covers both ways a script run can fail: the process could
// not be launched, or it exited non-zero. A single type carries message plus
// raw stderr for both, so unit state stores one error record; Kind tells the
// cases apart for logs and events.
type InvocationError struct {
	Kind     string
	Path     string
	ExitCode int    // meaningful when Kind == KindExit
	Stderr   string // captured stderr, possibly truncated
	Err      error  // underlying cause when Kind == KindLaunch
}

func (e *InvocationError) Error() string {
	switch e.Kind {
	case KindExit:
		return fmt.Sprintf("%s: exit status %d", filepath.Base(e.Path), e.ExitCode)
	default:
		return fmt.Sprintf("%s: launch failed: %v", filepath.Base(e.Path), e.Err)
	}
}

func (e *InvocationError) Unwrap() error { return e.Err }

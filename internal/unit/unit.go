// Package unit holds the stateful work units the scheduler drives: one per
// discovered script, carrying lifecycle state, last output, last error, and
// scheduling configuration. A Registry maps ids to units and fans out
// change notifications to subscribers.
package unit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scriptbar/internal/runner"
	"scriptbar/internal/schedule"
)

// ErrDisabled reports an invocation attempt on a disabled unit.
// Callers treat it as a no-op, not a failure.
var ErrDisabled = errors.New("unit disabled")

// State is a unit's last known lifecycle state.
type State int

const (
	StateLoading State = iota
	StateSuccess
	StateFailed
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ErrorRecord is the last failure, kept until the next success.
type ErrorRecord struct {
	Message string `json:"message"`
	Stderr  string `json:"stderr,omitempty"`
}

// Config is a unit's derived execution configuration. The scheduler
// refreshes it from the filename token and the script's metadata header.
type Config struct {
	Plan   schedule.Plan
	Shell  bool
	Hidden bool
	Env    map[string]string
}

// Unit is one schedulable script.
//
// All fields are guarded by mu. The invocation itself runs unlocked so
// reads never block behind a slow script.
type Unit struct {
	mu sync.Mutex

	id   string
	name string
	path string

	cfg    Config
	nextAt time.Time // one-shot absolute override; zero when unset

	state       State
	lastOutput  string
	hasOutput   bool
	lastError   *ErrorRecord
	lastUpdated time.Time
}

// New creates a unit in the Loading state.
// The display name is the filename with the extension and schedule token
// stripped: "disk.5m.sh" becomes "disk".
func New(id, path string) *Unit {
	return &Unit{
		id:    id,
		name:  displayName(id),
		path:  path,
		state: StateLoading,
	}
}

func displayName(id string) string {
	base := filepath.Base(id)
	parts := strings.Split(base, ".")
	if len(parts) > 1 {
		parts = parts[:len(parts)-1] // extension
	}
	if len(parts) > 1 && schedule.IsToken(parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, ".")
}

func (u *Unit) ID() string   { return u.id }
func (u *Unit) Name() string { return u.name }
func (u *Unit) Path() string { return u.path }

func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Unit) LastUpdated() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastUpdated
}

func (u *Unit) LastError() *ErrorRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lastError == nil {
		return nil
	}
	rec := *u.lastError
	return &rec
}

// LastOutput returns the most recent successful output, and whether any
// output has been produced yet.
func (u *Unit) LastOutput() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastOutput, u.hasOutput
}

// Content is the notification-stream view of the unit: nil until the first
// successful run, the last output afterwards.
func (u *Unit) Content() *string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.hasOutput {
		return nil
	}
	out := u.lastOutput
	return &out
}

// Configure replaces the unit's derived configuration.
func (u *Unit) Configure(cfg Config) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cfg = cfg
}

func (u *Unit) Config() Config {
	u.mu.Lock()
	defer u.mu.Unlock()
	cfg := u.cfg
	if cfg.Env != nil {
		env := make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			env[k] = v
		}
		cfg.Env = env
	}
	return cfg
}

// SetNextFire arms the one-shot absolute override.
func (u *Unit) SetNextFire(t time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nextAt = t
}

// NextFire returns the absolute override, zero when unset.
func (u *Unit) NextFire() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.nextAt
}

// ConsumeNextFire clears the absolute override and reports whether one was
// set. Cleared before the scheduling decision that follows the fire, so the
// override applies to exactly one invocation.
func (u *Unit) ConsumeNextFire() (time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	t := u.nextAt
	u.nextAt = time.Time{}
	return t, !t.IsZero()
}

// Disable marks the unit disabled. Idempotent; reports whether the state
// changed.
func (u *Unit) Disable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateDisabled {
		return false
	}
	u.state = StateDisabled
	return true
}

// Enable lifts a disable, restoring the state the stored results imply:
// Failed if an error is recorded, Success if output exists, else Loading.
func (u *Unit) Enable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateDisabled {
		return false
	}
	switch {
	case u.lastError != nil:
		u.state = StateFailed
	case u.hasOutput:
		u.state = StateSuccess
	default:
		u.state = StateLoading
	}
	return true
}

// Outcome reports one completed invocation attempt.
type Outcome struct {
	Changed bool   // externally observable output differs from before
	Output  string // new output (success only)
	Stderr  string // captured stderr, possibly non-empty on success
	Err     error  // nil on success, *runner.InvocationError on failure
	Took    time.Duration
}

// Invoke runs the unit's script once, synchronously, and applies the result.
//
// Success stores the output, clears the last error, and sets Success state.
// Failure stores the error and sets Failed state; the previous output is
// kept. Either way lastUpdated is stamped before the attempt. A unit that
// is disabled when the call arrives does nothing and returns ErrDisabled.
//
// extraEnv entries are appended after the unit's own metadata env, so the
// caller's identity variables win on key collisions.
func (u *Unit) Invoke(ctx context.Context, r runner.Runner, extraEnv []string, now time.Time) Outcome {
	u.mu.Lock()
	if u.state == StateDisabled {
		u.mu.Unlock()
		return Outcome{Err: ErrDisabled}
	}
	u.lastUpdated = now

	env := make([]string, 0, len(u.cfg.Env)+len(extraEnv))
	for k, v := range u.cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, extraEnv...)
	req := runner.Request{
		Path:  u.path,
		Env:   env,
		Shell: u.cfg.Shell,
	}
	u.mu.Unlock()

	res, err := r.Run(ctx, req)

	u.mu.Lock()
	defer u.mu.Unlock()

	out := Outcome{Stderr: res.Stderr, Took: res.Took, Err: err}
	if err != nil {
		rec := &ErrorRecord{Message: err.Error(), Stderr: res.Stderr}
		var inv *runner.InvocationError
		if errors.As(err, &inv) && inv.Stderr != "" {
			rec.Stderr = inv.Stderr
		}
		u.lastError = rec
		if u.state != StateDisabled {
			u.state = StateFailed
		}
		return out
	}

	changed := !u.hasOutput || u.lastOutput != res.Stdout
	u.lastOutput = res.Stdout
	u.hasOutput = true
	u.lastError = nil
	if u.state != StateDisabled {
		u.state = StateSuccess
	} else {
		// Disabled mid-run: keep the result but stay silent.
		changed = false
	}
	out.Changed = changed
	out.Output = res.Stdout
	return out
}

// Snapshot is the read-only view served by the API and logs.
type Snapshot struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Path        string       `json:"path"`
	State       string       `json:"state"`
	Hidden      bool         `json:"hidden,omitempty"`
	Schedule    string       `json:"schedule"`
	NextFire    *time.Time   `json:"next_fire,omitempty"`
	LastUpdated *time.Time   `json:"last_updated,omitempty"`
	ContentLen  int          `json:"content_len"`
	Error       *ErrorRecord `json:"error,omitempty"`
}

func (u *Unit) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := Snapshot{
		ID:       u.id,
		Name:     u.name,
		Path:     u.path,
		State:    u.state.String(),
		Hidden:   u.cfg.Hidden,
		Schedule: u.cfg.Plan.String(),
	}
	if !u.nextAt.IsZero() {
		t := u.nextAt
		s.NextFire = &t
	}
	if !u.lastUpdated.IsZero() {
		t := u.lastUpdated
		s.LastUpdated = &t
	}
	if u.hasOutput {
		s.ContentLen = len(u.lastOutput)
	}
	if u.lastError != nil {
		rec := *u.lastError
		s.Error = &rec
	}
	return s
}

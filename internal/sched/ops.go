package sched

import (
	"context"
	"errors"
	"strings"
	"time"

	"scriptbar/internal/eventbus"
	"scriptbar/internal/metadata"
	"scriptbar/internal/queue"
	"scriptbar/internal/schedule"
	"scriptbar/internal/storage"
	"scriptbar/internal/unit"
	"scriptbar/pkg/logx"
)

// Admit registers a newly discovered script as a unit, restores its
// disabled flag from the store, and (unless disabled) queues the first run.
// The first completion arms the recurring timer.
func (s *Service) Admit(ctx context.Context, id, path string) error {
	u := unit.New(id, path)
	s.applyMeta(u)

	if s.store != nil {
		if dis, err := s.store.IsDisabled(ctx, id); err != nil {
			s.log.Warn("disabled lookup failed", logx.String("unit", id), logx.Err(err))
		} else if dis {
			u.Disable()
		}
	}

	if err := s.reg.Add(u); err != nil {
		return err
	}
	s.log.Info("unit admitted",
		logx.String("unit", id),
		logx.String("schedule", u.Config().Plan.String()),
		logx.String("state", u.State().String()),
	)
	if u.State() != unit.StateDisabled {
		s.submit(id)
	}
	return nil
}

// Evict tears a unit down: timer disarmed, pending invocation cancelled,
// registry entry removed. A run already started finishes against the
// detached unit and re-arms nothing.
func (s *Service) Evict(id string) bool {
	u := s.reg.Remove(id)

	s.mu.Lock()
	s.disarmLocked(id)
	delete(s.vers, id)
	s.mu.Unlock()

	s.q.CancelPending(id)
	if u == nil {
		return false
	}
	s.log.Info("unit evicted", logx.String("unit", id))
	return true
}

// Refresh cancels whatever is pending or armed, re-derives the unit's
// scheduling metadata from disk, and queues a fresh run. Logged no-op on a
// disabled unit.
func (s *Service) Refresh(id string) error {
	u, ok := s.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	if u.State() == unit.StateDisabled {
		s.log.Debug("refresh ignored, unit disabled", logx.String("unit", id))
		return nil
	}
	s.q.CancelPending(id)
	s.disableTimer(id)
	s.applyMeta(u)
	s.submit(id)
	return nil
}

// RefreshAt arms a one-shot refresh at the absolute time at. It overrides
// the unit's interval until it fires, then normal scheduling resumes.
func (s *Service) RefreshAt(id string, at time.Time) error {
	u, ok := s.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	if u.State() == unit.StateDisabled {
		s.log.Debug("refresh-at ignored, unit disabled", logx.String("unit", id))
		return nil
	}
	u.SetNextFire(at)
	s.enableTimer(id)
	return nil
}

// RefreshAll refreshes every enabled unit and reports how many it queued.
func (s *Service) RefreshAll() int {
	n := 0
	for _, id := range s.reg.IDs() {
		if u, ok := s.reg.Get(id); !ok || u.State() == unit.StateDisabled {
			continue
		}
		if err := s.Refresh(id); err == nil {
			n++
		}
	}
	return n
}

// Disable stops the unit: state Disabled, timer disarmed, pending
// invocation cancelled, preference persisted. A started run completes but
// stays silent.
func (s *Service) Disable(ctx context.Context, id string) error {
	u, ok := s.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	changed := u.Disable()
	s.disableTimer(id)
	s.q.CancelPending(id)
	if changed {
		s.log.Info("unit disabled", logx.String("unit", id))
		s.persistDisabled(ctx, id, true)
	}
	return nil
}

// Enable lifts a disable and triggers an immediate refresh, which re-arms
// the schedule on completion.
func (s *Service) Enable(ctx context.Context, id string) error {
	u, ok := s.reg.Get(id)
	if !ok {
		return ErrNotFound
	}
	if u.Enable() {
		s.log.Info("unit enabled", logx.String("unit", id))
		s.persistDisabled(ctx, id, false)
	}
	return s.Refresh(id)
}

func (s *Service) persistDisabled(ctx context.Context, id string, disabled bool) {
	if s.store == nil {
		return
	}
	if err := s.store.SetDisabled(ctx, id, disabled); err != nil {
		s.log.Warn("disabled flag persist failed",
			logx.String("unit", id), logx.Bool("disabled", disabled), logx.Err(err))
	}
}

// applyMeta re-derives the unit's configuration from its filename token and
// metadata header. Malformed pieces degrade instead of failing: a bad token
// means "never", a bad cron falls back to the token interval.
func (s *Service) applyMeta(u *unit.Unit) {
	every, err := schedule.FromFilename(u.ID())
	if err != nil {
		s.log.Warn("malformed schedule token", logx.String("unit", u.ID()), logx.Err(err))
	}

	m, warns, merr := metadata.Read(u.Path())
	if merr != nil {
		s.log.Debug("metadata read failed", logx.String("unit", u.ID()), logx.Err(merr))
	}
	for _, w := range warns {
		s.log.Warn("metadata directive ignored",
			logx.String("unit", u.ID()), logx.String("directive", w.String()))
	}

	shell := true
	if m.Shell != nil {
		shell = *m.Shell
	}
	cfg := unit.Config{
		Plan:   schedule.Plan{Every: every, Cron: m.Schedule},
		Shell:  shell,
		Hidden: m.Hidden,
		Env:    m.Env,
	}
	if cfg.Plan.Cron != "" {
		if _, cerr := schedule.NextAfter(cfg.Plan.Cron, s.clk.Now()); cerr != nil {
			s.log.Warn("invalid cron directive, using filename interval",
				logx.String("unit", u.ID()), logx.Err(cerr))
			cfg.Plan.Cron = ""
		}
	}
	u.Configure(cfg)
}

// submit queues one invocation for the unit.
func (s *Service) submit(id string) {
	u, ok := s.reg.Get(id)
	if !ok {
		return
	}
	if u.State() == unit.StateDisabled {
		s.log.Debug("submit skipped, unit disabled", logx.String("unit", id))
		return
	}
	if _, err := s.q.Submit(id, func(ctx context.Context) { s.invoke(ctx, id) }); err != nil {
		if !errors.Is(err, queue.ErrClosed) {
			s.log.Warn("invocation submit failed", logx.String("unit", id), logx.Err(err))
		}
	}
}

// invoke is the queued task body. It resolves the unit through the registry
// at run time, so a unit evicted while the task waited is a silent
// cancellation, and re-arms the schedule after the run.
func (s *Service) invoke(ctx context.Context, id string) {
	u, ok := s.reg.Get(id)
	if !ok {
		return
	}

	s.event(eventbus.TypeUnitRefresh, id, "")

	out := u.Invoke(ctx, s.run, s.unitEnv(u), s.clk.Now())
	switch {
	case errors.Is(out.Err, unit.ErrDisabled):
		s.log.Debug("invocation skipped, unit disabled", logx.String("unit", id))
		return
	case out.Err != nil:
		s.event(eventbus.TypeUnitUpdateError, id, out.Err.Error())
		s.log.Warn("unit run failed",
			logx.String("unit", id),
			logx.Duration("took", out.Took),
			logx.Err(out.Err),
		)
	default:
		if out.Stderr != "" {
			// Non-fatal: the run succeeded but grumbled.
			s.log.Warn("unit wrote to stderr on success",
				logx.String("unit", id),
				logx.String("stderr", preview(out.Stderr, 200)),
			)
		}
		if out.Changed {
			s.event(eventbus.TypeUnitUpdate, id, preview(out.Output, 200))
			s.reg.Notify(id, u.Content())
		}
		s.log.Debug("unit run ok",
			logx.String("unit", id),
			logx.Duration("took", out.Took),
			logx.Bool("changed", out.Changed),
			logx.Int("bytes", len(out.Output)),
		)
	}

	s.enableTimer(id)
}

// event publishes to the bus and, when a store is configured, persists.
func (s *Service) event(kind, id, value string) {
	now := s.clk.Now()
	s.bus.Publish(eventbus.Event{Type: kind, Time: now, Unit: id, Data: value})
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendEvent(ctx, storage.Event{At: now, Kind: kind, Unit: id, Value: value}); err != nil {
		s.log.Debug("event persist failed", logx.Err(err))
	}
}

func (s *Service) unitEnv(u *unit.Unit) []string {
	return []string{
		"SCRIPTBAR=1",
		"SCRIPTBAR_PLUGIN=" + u.Name(),
		"SCRIPTBAR_PLUGIN_PATH=" + u.Path(),
	}
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > n {
		s = s[:n]
	}
	return s
}

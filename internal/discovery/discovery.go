// Package discovery keeps the unit set in sync with the plugins directory.
//
// A scan diffs the directory against the previous pass (by size + mtime) and
// fires add/change/remove hooks. Between scans an fsnotify watcher reacts to
// directory events, debounced and rate-limited; the watcher re-creates
// itself with jittered backoff when it breaks, and an optional periodic
// rescan catches anything the watcher missed.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"scriptbar/pkg/logx"
)

// Hooks receive scan results. Calls are serialized; a hook runs with no
// discovery locks held beyond the scan's own.
type Hooks struct {
	OnAdd    func(ctx context.Context, id, path string)
	OnChange func(ctx context.Context, id, path string)
	OnRemove func(ctx context.Context, id string)
}

type Config struct {
	Dir         string
	RescanEvery time.Duration // 0 disables the periodic fallback rescan
}

type fingerprint struct {
	size int64
	mod  int64
}

// Service owns the directory watch.
type Service struct {
	log   logx.Logger
	hooks Hooks

	mu          sync.Mutex
	dir         string
	rescanEvery time.Duration
	seen        map[string]fingerprint

	kick    chan struct{}
	restart chan struct{}
	lim     *rate.Limiter
}

func New(cfg Config, hooks Hooks, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:         log.With(logx.String("component", "discovery")),
		hooks:       hooks,
		dir:         cfg.Dir,
		rescanEvery: cfg.RescanEvery,
		seen:        map[string]fingerprint{},
		kick:        make(chan struct{}, 1),
		restart:     make(chan struct{}, 1),
		// Bursty editors trigger many events; one rescan per couple of
		// seconds is plenty.
		lim: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Apply picks up config changes. A new directory is handled by restarting
// the watch session; the next scan then diffs old against new contents, so
// vanished units get their remove hook.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	changed := false
	if d := strings.TrimSpace(cfg.Dir); d != "" && d != s.dir {
		s.dir = d
		changed = true
	}
	if cfg.RescanEvery != s.rescanEvery {
		s.rescanEvery = cfg.RescanEvery
		changed = true
	}
	s.mu.Unlock()

	if changed {
		select {
		case s.restart <- struct{}{}:
		default:
		}
	}
}

// Kick requests an out-of-band rescan (debounced like watcher events).
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) dirNow() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *Service) rescanPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rescanEvery
}

// Scan walks the directory once and fires hooks for the diff against the
// previous pass. Dotfiles and non-regular entries are skipped; everything
// else counts as a plugin.
func (s *Service) Scan(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scan plugins dir: %w", err)
	}

	found := map[string]fingerprint{}
	paths := map[string]string{}
	for _, ent := range entries {
		name := ent.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !ent.Type().IsRegular() {
			continue
		}
		info, ierr := ent.Info()
		if ierr != nil {
			continue
		}
		found[name] = fingerprint{size: info.Size(), mod: info.ModTime().UnixNano()}
		paths[name] = filepath.Join(dir, name)
	}

	prev := s.seen
	s.seen = found

	// Removals first so an id that moved re-admits cleanly.
	for id := range prev {
		if _, ok := found[id]; !ok {
			s.log.Debug("plugin removed", logx.String("unit", id))
			if s.hooks.OnRemove != nil {
				s.hooks.OnRemove(ctx, id)
			}
		}
	}
	for id, fp := range found {
		old, existed := prev[id]
		switch {
		case !existed:
			s.log.Debug("plugin added", logx.String("unit", id))
			if s.hooks.OnAdd != nil {
				s.hooks.OnAdd(ctx, id, paths[id])
			}
		case old != fp:
			s.log.Debug("plugin changed", logx.String("unit", id))
			if s.hooks.OnChange != nil {
				s.hooks.OnChange(ctx, id, paths[id])
			}
		}
	}
	return nil
}

func (s *Service) rescan(ctx context.Context) {
	if err := s.lim.Wait(ctx); err != nil {
		return
	}
	if err := s.Scan(ctx); err != nil {
		s.log.Warn("rescan failed", logx.Err(err))
	}
}

// Run watches the plugins directory until ctx is done. The watcher
// self-heals: broken sessions are recreated with jittered backoff, and each
// new session starts with a full rescan to cover the gap.
func (s *Service) Run(ctx context.Context) error {
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// debounce collapses event bursts into one rescan
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { s.rescan(ctx) })
	}

	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		dir := s.dirNow()

		w, err := fsnotify.NewWatcher()
		if err != nil {
			s.log.Warn("plugin watch init failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			s.log.Warn("plugin watch add failed", logx.Err(err), logx.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		s.log.Debug("plugin watcher started", logx.String("dir", dir))

		// Catch up on whatever happened while unwatched.
		s.rescan(ctx)

		var tickC <-chan time.Time
		var ticker *time.Ticker
		if every := s.rescanPeriod(); every > 0 {
			ticker = time.NewTicker(every)
			tickC = ticker.C
		}

		broken, reconf := false, false
		for !broken {
			select {
			case <-ctx.Done():
				if ticker != nil {
					ticker.Stop()
				}
				_ = w.Close()
				return nil
			case <-s.restart:
				broken, reconf = true, true
			case <-s.kick:
				debounce()
			case <-tickC:
				s.rescan(ctx)
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.HasPrefix(filepath.Base(ev.Name), ".") {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			case werr, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if werr == nil {
					continue
				}
				// Overflow means missed events; a rescan recovers them.
				if strings.Contains(strings.ToLower(werr.Error()), "overflow") {
					s.log.Warn("plugin watch overflow; forcing rescan", logx.Err(werr))
					debounce()
					continue
				}
				s.log.Warn("plugin watch error", logx.Err(werr))
				if strings.Contains(strings.ToLower(werr.Error()), "closed") {
					broken = true
				}
			}
		}

		if ticker != nil {
			ticker.Stop()
		}
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		if reconf {
			// Deliberate restart (config change): no backoff.
			backoff = restartBackoffBase
			continue
		}
		s.log.Warn("plugin watcher stopped; restarting", logx.String("dir", dir))
		if !wait() {
			return nil
		}
	}
}

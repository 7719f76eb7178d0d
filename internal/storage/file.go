package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "scriptbar/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.disabled.json (snapshot of disabled unit ids)
//   - <prefix>.events.jsonl  (append-only JSON Lines, compacted in place)
//
// The event log keeps an in-memory tail so reads never scan the file, and
// the file itself is rewritten from that tail once enough writes accumulate.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	disabledPath string
	disabled     map[string]bool

	eventsFile *os.File
	ring       []Event // newest last, len <= keep
	keep       int
	writes     int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	disabledPath := prefix + ".disabled.json"
	eventsPath := prefix + ".events.jsonl"

	disabled := map[string]bool{}
	_ = loadDisabledSnapshot(disabledPath, disabled)

	keep := cfg.eventsKeep()
	ring, _ := loadEventsTail(eventsPath, keep)

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		disabledPath: disabledPath,
		disabled:     disabled,
		eventsFile:   ef,
		ring:         ring,
		keep:         keep,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return nil
	}
	err := s.eventsFile.Close()
	s.eventsFile = nil
	return err
}

func (s *fileStore) SetDisabled(ctx context.Context, id string, disabled bool) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if disabled {
		s.disabled[id] = true
	} else {
		delete(s.disabled, id)
	}
	// Toggles are rare; snapshot on every change.
	return s.writeDisabledLocked()
}

func (s *fileStore) IsDisabled(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[strings.TrimSpace(id)], nil
}

func (s *fileStore) DisabledIDs(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.disabled))
	for id := range s.disabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *fileStore) AppendEvent(ctx context.Context, e Event) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return errors.New("event log closed")
	}

	if err := json.NewEncoder(s.eventsFile).Encode(e); err != nil {
		return err
	}
	s.ring = append(s.ring, e)
	if len(s.ring) > s.keep {
		s.ring = s.ring[len(s.ring)-s.keep:]
	}

	s.writes++
	if s.writes%(s.keep*2) == 0 {
		// Best-effort compact, keeps the file proportional to the ring.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("event log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.ring) {
		limit = len(s.ring)
	}
	out := make([]Event, limit)
	copy(out, s.ring[len(s.ring)-limit:])
	return out, nil
}

func (s *fileStore) writeDisabledLocked() error {
	tmp := s.disabledPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(s.disabled))
	for id := range s.disabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := json.NewEncoder(f).Encode(ids); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.disabledPath)
}

func (s *fileStore) compactLocked() error {
	if err := s.eventsFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.eventsFile.Seek(0, 2); err != nil {
		return err
	}
	enc := json.NewEncoder(s.eventsFile)
	for _, e := range s.ring {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func loadDisabledSnapshot(path string, out map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var ids []string
	if err := json.NewDecoder(f).Decode(&ids); err != nil {
		return err
	}
	for _, id := range ids {
		if id != "" {
			out[id] = true
		}
	}
	return nil
}

func loadEventsTail(path string, keep int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ring []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		ring = append(ring, e)
		if len(ring) > keep {
			ring = ring[len(ring)-keep:]
		}
	}
	return ring, sc.Err()
}

// Package schedule resolves when a plugin unit should next run.
//
// Two sources feed a unit's schedule:
//   - the filename token ("date.5s.sh" runs every 5 seconds), and
//   - an optional cron expression from the script's metadata header,
//     which takes precedence over the token when present.
//
// A malformed token never disables the unit outright; it degrades the
// schedule to the Never sentinel so the unit still runs on demand.
package schedule

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Never is the sentinel interval for units that must not auto-refresh.
// Far enough out that an armed timer with this delay is equivalent to none.
const Never = 200 * 365 * 24 * time.Hour

// ErrBadToken marks a filename token that matches neither the empty token
// nor the <digits><unit> grammar. Callers check it with errors.Is.
var ErrBadToken = errors.New("unrecognized schedule token")

var reToken = regexp.MustCompile(`^(\d+)(ms|s|m|h|d)$`)

var unitScale = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// IsToken reports whether s matches the <digits><unit> token grammar.
func IsToken(s string) bool { return reToken.MatchString(s) }

// ParseToken parses a refresh token like "5s", "200ms", "10m", "1h", "2d".
// An empty token means "no schedule" and parses cleanly to Never.
// Anything else that fails the grammar returns (Never, ErrBadToken).
func ParseToken(token string) (time.Duration, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Never, nil
	}
	m := reToken.FindStringSubmatch(token)
	if m == nil {
		return Never, fmt.Errorf("%q: %w", token, ErrBadToken)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		// Digits that overflow int64.
		return Never, fmt.Errorf("%q: %w", token, ErrBadToken)
	}
	scale := unitScale[m[2]]
	if n <= 0 {
		return Never, nil
	}
	if n > int64(Never/scale) {
		return Never, nil
	}
	return time.Duration(n) * scale, nil
}

// FromFilename derives the refresh interval from a plugin filename of the
// form <name>.<token>.<ext>. Files without a token segment never
// auto-refresh:
//
//	"date.5s.sh"  -> 5s
//	"date.sh"     -> Never (no token, no error)
//	"date.5x.sh"  -> Never, ErrBadToken
func FromFilename(name string) (time.Duration, error) {
	base := filepath.Base(name)
	parts := strings.Split(base, ".")
	if len(parts) < 3 {
		return Never, nil
	}
	return ParseToken(parts[len(parts)-2])
}

// cronParser accepts standard 5-field crontab expressions plus descriptors
// like "@hourly" and "@every 55m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextAfter returns the first activation of the cron expression strictly
// after t.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return s.Next(t), nil
}

// Plan is a unit's resolved recurring schedule.
//
// Cron, when set, takes precedence over Every: each completion computes the
// next absolute activation instead of re-arming the fixed interval.
type Plan struct {
	Every time.Duration
	Cron  string
}

// Scheduled reports whether the plan produces any future activation.
func (p Plan) Scheduled() bool {
	if p.Cron != "" {
		return true
	}
	return p.Every > 0 && p.Every < Never
}

// Repeating reports whether the plan re-arms a fixed interval after each run
// (as opposed to cron plans, which compute one-shot activations).
func (p Plan) Repeating() bool {
	return p.Cron == "" && p.Every > 0 && p.Every < Never
}

// Delay returns how long after now the next activation is due, and whether
// the activation is a one-shot (cron) rather than a repeating interval.
func (p Plan) Delay(now time.Time) (time.Duration, bool, error) {
	if p.Cron != "" {
		at, err := NextAfter(p.Cron, now)
		if err != nil {
			return Never, false, err
		}
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true, nil
	}
	if !p.Scheduled() {
		return Never, false, nil
	}
	return p.Every, false, nil
}

// String renders the plan for logs and API snapshots.
func (p Plan) String() string {
	if p.Cron != "" {
		return "cron:" + p.Cron
	}
	if !p.Scheduled() {
		return "never"
	}
	return p.Every.String()
}

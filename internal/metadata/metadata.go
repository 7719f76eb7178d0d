// Package metadata extracts scriptbar directives from script headers.
//
// Directives are comment lines anywhere in the first chunk of the file:
//
//	# scriptbar.schedule: */5 9-17 * * *
//	# scriptbar.shell: false
//	# scriptbar.env.API_URL: http://127.0.0.1:9000
//	# scriptbar.hidden: true
//
// Absent directives yield zero values; recognized-but-unusable ones are
// reported as warnings, never as hard errors.
package metadata

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// headBytes bounds how much of a script is scanned for directives.
const headBytes = 16 << 10

const directivePrefix = "scriptbar."

// Meta holds a unit's embedded preferences.
type Meta struct {
	// Schedule is a raw cron expression; validity is checked where the next
	// fire time is computed, so a bad expression degrades instead of failing.
	Schedule string

	// Shell overrides the shell-wrapper default when present.
	Shell *bool

	// Hidden removes the unit from listing surfaces; it still runs.
	Hidden bool

	// Env adds variables to the invocation environment.
	Env map[string]string
}

// Warning reports a directive line that could not be applied.
type Warning struct {
	Line int
	Text string
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %q: %v", w.Line, w.Text, w.Err)
}

// Read parses directives from the head of the file at path.
func Read(path string) (Meta, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}, nil, fmt.Errorf("read metadata: %w", err)
	}
	defer f.Close()
	m, warns := Parse(io.LimitReader(f, headBytes))
	return m, warns, nil
}

// Parse scans r line by line for scriptbar directives.
func Parse(r io.Reader) (Meta, []Warning) {
	var (
		m     Meta
		warns []Warning
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), headBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		key, val, ok := directive(sc.Text())
		if !ok {
			continue
		}
		switch {
		case key == "schedule":
			m.Schedule = val
		case key == "shell":
			b, err := strconv.ParseBool(val)
			if err != nil {
				warns = append(warns, Warning{lineNo, sc.Text(), fmt.Errorf("shell wants true/false: %w", err)})
				continue
			}
			m.Shell = &b
		case key == "hidden":
			b, err := strconv.ParseBool(val)
			if err != nil {
				warns = append(warns, Warning{lineNo, sc.Text(), fmt.Errorf("hidden wants true/false: %w", err)})
				continue
			}
			m.Hidden = b
		case strings.HasPrefix(key, "env."):
			name := key[len("env."):]
			if !isEnvName(name) {
				warns = append(warns, Warning{lineNo, sc.Text(), fmt.Errorf("invalid env name %q", name)})
				continue
			}
			if m.Env == nil {
				m.Env = map[string]string{}
			}
			m.Env[name] = val
		default:
			warns = append(warns, Warning{lineNo, sc.Text(), fmt.Errorf("unknown directive %q", key)})
		}
	}
	// An over-long line or read hiccup only means fewer directives.
	return m, warns
}

// directive extracts ("schedule", "*/5 * * * *", true) from a comment line,
// or ok=false for anything that is not a scriptbar directive.
func directive(line string) (key, val string, ok bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "#") {
		return "", "", false
	}
	s = strings.TrimLeft(s, "#")
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, directivePrefix) {
		return "", "", false
	}
	s = s[len(directivePrefix):]
	i := strings.Index(s, ":")
	if i < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(s[:i])
	val = strings.TrimSpace(s[i+1:])
	if key == "" {
		return "", "", false
	}
	return key, val, true
}

func isEnvName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Package logging builds the process logger and the attribute helpers used
// for field names shared across packages.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Canonical field names.
const (
	KeyBuildID  = "build_id"
	KeyStage    = "stage"
	KeyRemote   = "remote"
	KeyCommit   = "commit"
	KeyRef      = "ref"
	KeyPath     = "path"
	KeyTask     = "task"
	KeyPercent  = "percent"
	KeyState    = "state"
	KeyDuration = "duration_ms"
	KeyError    = "error"
)

func BuildID(id string) slog.Attr { return slog.String(KeyBuildID, id) }
func Stage(name string) slog.Attr { return slog.String(KeyStage, name) }
func Remote(name string) slog.Attr { return slog.String(KeyRemote, name) }
func Commit(id string) slog.Attr { return slog.String(KeyCommit, id) }
func Ref(ref string) slog.Attr { return slog.String(KeyRef, ref) }
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }
func Task(name string) slog.Attr { return slog.String(KeyTask, name) }
func Percent(p int) slog.Attr { return slog.Int(KeyPercent, p) }
func State(s string) slog.Attr { return slog.String(KeyState, s) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDuration, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// ParseLevel maps debug/info/warn/error to a slog level; unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing JSON when format is "json" and text otherwise.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

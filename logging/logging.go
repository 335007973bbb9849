// Package logging builds the process logger: a fan-out of a terminal
// handler, a JSON log file and the systemd journal when running as a
// service.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// Options configures Setup.
type Options struct {
	Level slog.Leveler
	// Stderr receives terminal output. Nil disables it.
	Stderr io.Writer
	// JSONStderr writes JSON instead of text to Stderr. Workers use it so
	// the parent can re-log their lines.
	JSONStderr bool
	// File is the JSON log path. Empty disables the file. When the file
	// cannot be opened, FallbackFile is tried.
	File         string
	FallbackFile string
	// Journal enables the systemd journal when running as a service.
	Journal bool
}

// DefaultFile is the log file used by the server.
const (
	DefaultFile  = "~/.langtars/logs/langtars.log"
	FallbackFile = "/tmp/langtars.log"
)

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Setup builds the logger. The returned close function releases the log
// file.
func Setup(opts Options) (*slog.Logger, func() error) {
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	closeFn := func() error { return nil }

	service := opts.Journal && isSystemdService()

	var terminal slog.Handler
	if opts.Stderr != nil && !service {
		if opts.JSONStderr {
			terminal = slog.NewJSONHandler(opts.Stderr, hopts)
		} else {
			terminal = slog.NewTextHandler(opts.Stderr, hopts)
		}
		handlers = append(handlers, terminal)
	}

	var warnings []slog.Record
	if opts.File != "" {
		f, p, err := openLogFile(opts.File, opts.FallbackFile)
		if err != nil {
			warnings = append(warnings, warning("open log file", "error", err))
		} else {
			if p != expandHome(opts.File) {
				warnings = append(warnings, warning("log file fallback", "path", p))
			}
			handlers = append(handlers, slog.NewJSONHandler(f, hopts))
			closeFn = f.Close
		}
	}

	if service {
		jh, err := slogjournal.NewHandler(&slogjournal.Options{
			Level:        level,
			ReplaceGroup: toJournalKey,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			warnings = append(warnings, warning("new systemd journal handler", "error", err))
		} else {
			handlers = append(handlers, jh)
		}
	}

	if len(handlers) == 0 {
		return Nop(), closeFn
	}
	logger := slog.New(slogmulti.Fanout(handlers...))
	for _, r := range warnings {
		logger.Handler().Handle(context.Background(), r)
	}
	return logger, closeFn
}

func warning(msg string, args ...any) slog.Record {
	r := slog.NewRecord(time.Now(), slog.LevelWarn, msg, 0)
	r.Add(args...)
	return r
}

func openLogFile(primary, fallback string) (*os.File, string, error) {
	var firstErr error
	for _, p := range []string{primary, fallback} {
		if p == "" {
			continue
		}
		p = expandHome(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return f, p, nil
	}
	return nil, "", firstErr
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

func isSystemdService() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	if len(parts) < 3 {
		return false
	}
	return strings.HasSuffix(path.Dir(parts[2]), ".service")
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Package dispatcher turns chat messages of the form "!tars <command>
// ..." into capability calls and background tasks, and renders the
// replies as chat text.
package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/backend"
	"github.com/langbot-app/LangTARS/isolate"
)

// DefaultPrefix starts every command message.
const DefaultPrefix = "!tars"

// Settings is the part of the configuration the config command shows
// and saves.
type Settings interface {
	Summary() string
	// Save persists the settings and returns where they went.
	Save() (string, error)
	UserAllowed(userID string) bool
}

// Options wires a Dispatcher.
type Options struct {
	Host       *backend.Host
	Background *agent.Background
	// Isolated, when set with IsolatedDefault, runs auto tasks in a
	// worker process.
	Isolated        *isolate.Supervisor
	IsolatedDefault bool
	Settings        Settings
	// LogFile is tailed by the logs command.
	LogFile string
	Prefix  string
	Logger  *slog.Logger
}

// Message is one incoming chat message.
type Message struct {
	UserID string
	Text   string
	// Notify posts a later, unsolicited reply, such as the result of a
	// background task. It may be nil.
	Notify func(text string)
}

type call struct {
	args   []string
	rest   string
	notify func(string)
}

type command struct {
	name    string
	aliases []string
	usage   string
	help    string
	run     func(ctx context.Context, c call) string
}

// Dispatcher routes subcommands to their handlers.
type Dispatcher struct {
	opts     Options
	logger   *slog.Logger
	commands []*command
	byName   map[string]*command
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{opts: opts, logger: opts.Logger, byName: make(map[string]*command)}
	for _, c := range d.table() {
		d.commands = append(d.commands, c)
		d.byName[c.name] = c
		for _, a := range c.aliases {
			d.byName[a] = c
		}
	}
	return d
}

// Prefix returns the command prefix.
func (d *Dispatcher) Prefix() string { return d.opts.Prefix }

// Resolve maps a command name or alias to its canonical name.
func (d *Dispatcher) Resolve(name string) (string, bool) {
	c, ok := d.byName[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return c.name, true
}

// Handle answers a chat message. It reports false for messages that do
// not start with the prefix, which the caller should ignore.
func (d *Dispatcher) Handle(ctx context.Context, msg Message) (string, bool) {
	text := strings.TrimSpace(msg.Text)
	if !hasPrefix(text, d.opts.Prefix) {
		return "", false
	}
	if d.opts.Settings != nil && !d.opts.Settings.UserAllowed(msg.UserID) {
		d.logger.Warn("command from user not in allowed_users", "user", msg.UserID)
		return "✗ You are not allowed to use this command.", true
	}
	body := strings.TrimSpace(text[len(d.opts.Prefix):])
	name, rest, _ := strings.Cut(body, " ")
	if name == "" {
		name = "help"
	}
	return d.Execute(ctx, name, strings.TrimSpace(rest), msg.Notify), true
}

// Execute runs one subcommand with its raw argument text. It performs
// no user check.
func (d *Dispatcher) Execute(ctx context.Context, name, rest string, notify func(string)) string {
	c, ok := d.byName[strings.ToLower(name)]
	if !ok {
		return "Unknown command: " + name + "\n\n" + d.help()
	}
	if notify == nil {
		notify = func(string) {}
	}
	d.logger.Info("command", "command", c.name, "args", truncate(rest, 80))
	return c.run(ctx, call{args: strings.Fields(rest), rest: rest, notify: notify})
}

func (d *Dispatcher) help() string {
	var b strings.Builder
	b.WriteString("**LangTARS commands:**\n")
	for _, c := range d.commands {
		b.WriteString("• `")
		b.WriteString(d.opts.Prefix + " " + c.usage)
		b.WriteString("` ")
		b.WriteString(c.help)
		if len(c.aliases) > 0 {
			aliases := append([]string(nil), c.aliases...)
			sort.Strings(aliases)
			b.WriteString(" (aliases: " + strings.Join(aliases, ", ") + ")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func hasPrefix(text, prefix string) bool {
	if !strings.HasPrefix(strings.ToLower(text), strings.ToLower(prefix)) {
		return false
	}
	return len(text) == len(prefix) || text[len(prefix)] == ' '
}

// flags splits "-f" style switches from positional arguments.
func flags(args []string) (pos []string, set map[string]bool) {
	set = make(map[string]bool)
	for _, a := range args {
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			set[strings.TrimLeft(a, "-")] = true
			continue
		}
		pos = append(pos, a)
	}
	return pos, set
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

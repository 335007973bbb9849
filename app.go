package langtars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/discord"
	"github.com/langbot-app/LangTARS/dispatcher"
	"github.com/langbot-app/LangTARS/handlers"
	"github.com/langbot-app/LangTARS/isolate"
	"github.com/langbot-app/LangTARS/logging"
	"github.com/langbot-app/LangTARS/store"
)

const shutdownTimeout = 10 * time.Second

// Server is the LangTARS control server. Create one with New, then call
// Start to run the HTTP API and, when configured, the Discord bot.
type Server struct {
	host       string
	port       int
	configFile string
	jwtSecret  string
	redisURL   string
	mysqlDSN   string
	discord    string
	logLevel   string
	logger     *slog.Logger
	logFile    string

	core       *Core
	supervisor *isolate.Supervisor
	deps       *handlers.Deps
	dispatcher *dispatcher.Dispatcher
	srv        *http.Server
	bot        *discord.Bot
}

// Option configures a Server.
type Option func(*Server)

// WithPort sets the listen port (default 8700).
func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

// WithHost sets the listen host (default "127.0.0.1").
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithConfigFile sets the path to config.yaml.
func WithConfigFile(path string) Option {
	return func(s *Server) { s.configFile = path }
}

// WithJWTSecret enables token auth on the API.
func WithJWTSecret(secret string) Option {
	return func(s *Server) { s.jwtSecret = secret }
}

// WithRedis joins a Redis key to the stop signal.
func WithRedis(url string) Option {
	return func(s *Server) { s.redisURL = url }
}

// WithMySQL keeps task records in MySQL instead of memory.
func WithMySQL(dsn string) Option {
	return func(s *Server) { s.mysqlDSN = dsn }
}

// WithDiscordToken starts the Discord bot.
func WithDiscordToken(token string) Option {
	return func(s *Server) { s.discord = token }
}

// WithLogLevel sets the log level name.
func WithLogLevel(level string) Option {
	return func(s *Server) { s.logLevel = level }
}

// WithLogger replaces the logger built from the config file.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// FromAppConfig turns flags and env into options.
func FromAppConfig(c *AppConfig) []Option {
	return []Option{
		WithHost(c.Host),
		WithPort(c.Port),
		WithConfigFile(c.ConfigFile),
		WithJWTSecret(c.JWTSecret),
		WithRedis(c.RedisURL),
		WithMySQL(c.MySQLDSN),
		WithDiscordToken(c.DiscordToken),
		WithLogLevel(c.LogLevel),
	}
}

// New creates a new Server with the given options.
func New(opts ...Option) *Server {
	s := &Server{
		host:       "127.0.0.1",
		port:       8700,
		configFile: DefaultConfigPath,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start loads the config, builds the engine and runs the HTTP server. It
// blocks until the server is shut down via signal or Shutdown.
func (s *Server) Start() error {
	fc, err := LoadFileConfig(s.configFile)
	if err != nil {
		return err
	}
	closeLog := s.setupLogging(fc)
	defer closeLog()

	handler, err := s.build(context.Background(), fc, CoreOptions{
		RedisURL: s.redisURL,
		MySQLDSN: s.mysqlDSN,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}
	defer s.core.Close()

	if s.discord != "" && fc.Discord.Enabled {
		bot, err := discord.New(discord.Config{Token: s.discord, Channels: fc.Discord.Channels}, s.dispatcher, s.logger)
		if err != nil {
			return err
		}
		if err := bot.Start(); err != nil {
			return fmt.Errorf("start discord bot: %w", err)
		}
		s.bot = bot
		defer bot.Stop()
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // disable for SSE
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		s.logger.Info("shutting down")
		s.Shutdown()
	}()

	s.logger.Info("langtars starting",
		"addr", addr,
		"model", s.core.Model,
		"tools", len(s.core.Registry.List()),
		"skills", len(s.core.Skills.All()),
		"auth", s.jwtSecret != "",
		"isolation", s.supervisor != nil,
	)
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) setupLogging(fc *FileConfig) func() error {
	if s.logger != nil {
		s.logFile = fc.LogFile
		return func() error { return nil }
	}
	level := s.logLevel
	if level == "" {
		level = fc.LogLevel
	}
	s.logFile = fc.LogFile
	if s.logFile == "" {
		s.logFile = logging.DefaultFile
	}
	logger, closeFn := logging.Setup(logging.Options{
		Level:        logging.ParseLevel(level),
		Stderr:       os.Stderr,
		File:         s.logFile,
		FallbackFile: logging.FallbackFile,
		Journal:      fc.Journal,
	})
	s.logger = logger
	return closeFn
}

// build wires the core, the isolated supervisor and the front-ends, and
// returns the root HTTP handler.
func (s *Server) build(ctx context.Context, fc *FileConfig, opts CoreOptions) (http.Handler, error) {
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	opts.Logger = s.logger
	core, err := NewCore(ctx, fc, opts)
	if err != nil {
		return nil, err
	}
	s.core = core

	s.deps = &handlers.Deps{
		Background:      core.Background,
		IsolatedDefault: fc.IsolatedDefault,
		ConfigPath:      s.configFile,
		Registry:        core.Registry,
		Skills:          core.Skills,
		Installer:       core.Installer,
		Store:           core.Store,
		Traces:          core.Traces,
		EventBus:        handlers.NewEventBus(),
		ResolveUser:     ResolveUser,
		Logger:          s.logger.With("component", "http"),
	}
	if fc.WorkerPath != "" {
		runner := &isolate.Runner{Path: expandHome(fc.WorkerPath), Logger: s.logger.With("component", "worker")}
		s.supervisor = isolate.NewSupervisor(runner, core.Signal, s.logger, s.recordIsolated, isolate.WithExecution(core.Engine.Exec()))
		s.deps.Isolated = s.supervisor
	}

	s.dispatcher = dispatcher.New(dispatcher.Options{
		Host:            core.Host,
		Background:      core.Background,
		Isolated:        s.supervisor,
		IsolatedDefault: fc.IsolatedDefault,
		Settings:        &fileSettings{cfg: fc, path: s.configFile},
		LogFile:         expandHome(s.logFile),
		Logger:          s.logger.With("component", "dispatcher"),
	})

	auth := NewAuth(s.jwtSecret, fc.Users)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Isolated workers hold the engine's slot too.
		_, running := core.Background.Current()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"model":        core.Model,
			"tools_loaded": len(core.Registry.List()),
			"task_running": running,
		})
	})
	mux.HandleFunc("/auth/login", auth.handleLogin)

	api := http.NewServeMux()
	handlers.RegisterRoutes(api, s.deps)
	api.HandleFunc("/commands", s.handleCommand)
	for _, p := range []string{"/tasks", "/tasks/", "/tools", "/tools/", "/skills", "/skills/", "/events", "/commands"} {
		mux.Handle(p, authMiddleware(auth, api))
	}
	return corsMiddleware(mux), nil
}

// recordIsolated persists the outcome of a worker and announces it.
func (s *Server) recordIsolated(o isolate.Outcome) {
	task := agent.Task{
		ID:            o.Args.TaskID,
		Description:   o.Args.Description,
		MaxIterations: o.Args.MaxIterations,
		Model:         o.Args.Model,
		Status:        o.Status,
		StartedAt:     o.StartedAt,
	}
	res := agent.Result{TaskID: o.Args.TaskID, Status: o.Status, Text: o.Text}
	if err := s.core.Store.Save(context.Background(), store.FromTask(task, res, o.FinishedAt)); err != nil {
		s.logger.Error("save isolated task", "task_id", o.Args.TaskID, "error", err)
	}
	s.deps.EventBus.Broadcast(handlers.EventTaskFinished, res)
}

// handleCommand runs one dispatcher command for the CLI client.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Command string `json:"command"`
		Args    string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Command == "" {
		writeJSONError(w, http.StatusBadRequest, "command is required")
		return
	}
	if _, ok := s.dispatcher.Resolve(req.Command); !ok {
		writeJSONError(w, http.StatusNotFound, "unknown command: "+req.Command)
		return
	}
	reply := s.dispatcher.Execute(r.Context(), req.Command, req.Args, nil)
	writeJSON(w, http.StatusOK, map[string]any{"command": req.Command, "user": ResolveUser(r), "reply": reply})
}

// Shutdown gracefully shuts down the server and stops a running task.
func (s *Server) Shutdown() error {
	if s.supervisor != nil {
		s.supervisor.Stop()
	}
	if s.core != nil {
		s.core.Background.Stop()
	}
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// fileSettings lets the config command show and save the loaded file.
type fileSettings struct {
	cfg  *FileConfig
	path string
}

func (f *fileSettings) Summary() string                { return f.cfg.Summary() }
func (f *fileSettings) UserAllowed(userID string) bool { return f.cfg.UserAllowed(userID) }

func (f *fileSettings) Save() (string, error) {
	if err := f.cfg.Save(f.path); err != nil {
		return "", err
	}
	return expandHome(f.path), nil
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")
		w.Header().Set("Access-Control-Expose-Headers", "ETag")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

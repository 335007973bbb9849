package langtars

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/backend"
	"github.com/langbot-app/LangTARS/hooks"
	"github.com/langbot-app/LangTARS/llm"
	"github.com/langbot-app/LangTARS/skills"
	"github.com/langbot-app/LangTARS/stop"
	"github.com/langbot-app/LangTARS/store"
	"github.com/langbot-app/LangTARS/tools"
	"github.com/langbot-app/LangTARS/tracing"
)

// DefaultModel is used when the config names no model.
const DefaultModel = "ollama:llama3.1:8b"

const (
	taskRecordTTL      = 24 * time.Hour
	traceCapacity      = 200
	dynamicLoadTimeout = 30 * time.Second
)

// CoreOptions holds the process-level inputs of NewCore.
type CoreOptions struct {
	RedisURL string
	MySQLDSN string
	// Client replaces the model client named by the config.
	Client llm.Client
	// HTTPClient is used by skill downloads and URL fetching.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Core is the task engine and everything it runs on. The server and the
// isolated worker build the same Core from the same config file.
type Core struct {
	Config     *FileConfig
	Host       *backend.Host
	Registry   *tools.Registry
	Skills     *skills.Loader
	Installer  *tools.SkillInstaller
	Signal     stop.Signal
	Store      store.Store
	Traces     *tracing.Store
	Engine     *agent.Engine
	Background *agent.Background
	Model      string

	closers []func() error
	logger  *slog.Logger
}

// NewCore builds the engine stack for fc. Dynamic tool sources that fail
// to load are logged and skipped; a bad model spec or database is an
// error.
func NewCore(ctx context.Context, fc *FileConfig, opts CoreOptions) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Core{Config: fc, logger: logger}

	client, model := opts.Client, ""
	if client == nil {
		spec := fc.Model
		if spec == nil {
			spec = DefaultModel
		}
		var err error
		client, model, err = llm.Resolve(spec)
		if err != nil {
			return nil, fmt.Errorf("resolve model: %w", err)
		}
	}
	c.Model = model

	hostOpts := []backend.Option{backend.WithLogger(logger.With("component", "backend"))}
	if opts.HTTPClient != nil {
		hostOpts = append(hostOpts, backend.WithHTTPClient(opts.HTTPClient))
	}
	c.Host = backend.New(fc.Backend(), hostOpts...)

	c.Registry = tools.New(tools.Options{
		Host:               c.Host,
		AllowSkillOverride: fc.AllowSkillOverride,
		Logger:             logger.With("component", "tools"),
	})
	c.Skills = skills.NewLoader(skills.Config{
		Dir:        fc.SkillsPath,
		HubURL:     fc.ClawhubURL,
		HTTPClient: opts.HTTPClient,
		Logger:     logger.With("component", "skills"),
	})
	if err := c.Skills.Scan(ctx); err != nil {
		logger.Warn("scan skills", "error", err)
	}
	c.Registry.LoadSkills(c.Skills)
	c.Installer = tools.NewSkillInstaller(c.Registry, c.Skills)
	c.loadDynamic(ctx)

	signal, err := c.stopSignal(opts.RedisURL)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Signal = signal

	if opts.MySQLDSN != "" {
		sql, err := store.OpenMySQL(opts.MySQLDSN, logger.With("component", "store"))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Store = sql
	} else {
		c.Store = store.NewMemory(taskRecordTTL)
	}
	c.closers = append(c.closers, c.Store.Close)
	c.Traces = tracing.NewStore(traceCapacity)

	c.Engine = agent.NewEngine(agent.Config{
		MaxIterations: fc.PlannerMaxIterations,
		RateLimit:     fc.RateLimit(),
		Model:         model,
	}, client, c.Registry, agent.NewExecutionContext(signal, logger.With("component", "exec")),
		agent.WithHooks(
			tracing.NewTracingHook(),
			hooks.NewCompactionHook(client, fc.ContextWindow, logger.With("component", "compaction")),
			skills.NewCatalogHook(c.Skills),
		),
		agent.WithSkillInstaller(c.Installer),
		agent.WithRecorder(store.Recorder(c.Store)),
		agent.WithRecorder(c.Traces),
		agent.WithLogger(logger.With("component", "engine")),
	)
	c.Background = agent.NewBackground(c.Engine, logger, agent.WithTaskContext(c.Traces.Attach))
	return c, nil
}

func (c *Core) loadDynamic(ctx context.Context) {
	var sources []tools.DynamicSource
	for _, url := range c.Config.DynamicTools.HostCallbacks {
		sources = append(sources, tools.NewHostSource(url))
	}
	for _, srv := range c.Config.DynamicTools.MCPServers {
		src := tools.NewMCPSource(srv)
		sources = append(sources, src)
		c.closers = append(c.closers, src.Close)
	}
	if len(sources) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, dynamicLoadTimeout)
	defer cancel()
	n := c.Registry.LoadDynamic(ctx, sources...)
	c.logger.Info("dynamic tools loaded", "sources", len(sources), "tools", n)
}

// stopSignal is the marker file, joined with a Redis key when a Redis
// URL is configured so a stop can cross hosts.
func (c *Core) stopSignal(redisURL string) (stop.Signal, error) {
	file := stop.NewFileSignal(c.Config.StopFile, c.logger.With("component", "stop"))
	file.FailClosed = c.Config.StopFailClosed
	if redisURL == "" {
		return file, nil
	}
	rs, err := stop.NewRedisSignal(redisURL, c.Config.StopRedisKey, c.logger.With("component", "stop"))
	if err != nil {
		return nil, err
	}
	rs.FailClosed = c.Config.StopFailClosed
	c.closers = append(c.closers, rs.Close)
	return stop.Multi{file, rs}, nil
}

// Close releases the store, MCP sessions and Redis connection.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

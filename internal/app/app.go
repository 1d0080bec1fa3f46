// Package app assembles the service from configuration. Both the API server
// and the CLI build their dependencies through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spherical-ai/textimage/internal/api"
	"github.com/spherical-ai/textimage/internal/cache"
	"github.com/spherical-ai/textimage/internal/config"
	"github.com/spherical-ai/textimage/internal/domain"
	"github.com/spherical-ai/textimage/internal/events"
	"github.com/spherical-ai/textimage/internal/imagegen"
	"github.com/spherical-ai/textimage/internal/imagestore"
	"github.com/spherical-ai/textimage/internal/llm"
	"github.com/spherical-ai/textimage/internal/mcp"
	"github.com/spherical-ai/textimage/internal/observability"
	"github.com/spherical-ai/textimage/internal/ocr"
	"github.com/spherical-ai/textimage/internal/reasoning"
	"github.com/spherical-ai/textimage/internal/storage"
	"github.com/spherical-ai/textimage/internal/workflow"
)

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// App holds the wired service.
type App struct {
	Config  *config.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics

	Images       *imagestore.Store
	Hub          *events.Hub
	Orchestrator *workflow.Orchestrator
	Manager      *workflow.Manager
	History      *storage.RunHistory
	Cache        cache.Client
	Redis        *cache.RedisClient
}

// Options adjusts what New wires.
type Options struct {
	// WithoutHistory skips opening the run database.
	WithoutHistory bool
}

// New builds every component described by cfg. On error, anything already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = observability.Nop()
	}
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	a.Images, err = imagestore.New(cfg.Images.Dir)
	if err != nil {
		return nil, err
	}

	generator, err := newGenerator(cfg, a.Images)
	if err != nil {
		return nil, err
	}

	llmClient := newLLMClient(cfg, cfg.Reasoning.Model, logger)
	extractor, reviser := newReasoning(cfg, llmClient)

	recognizer, err := newRecognizer(cfg, a.Images, logger)
	if err != nil {
		return nil, err
	}

	if err := a.openCache(cfg); err != nil {
		return nil, err
	}

	if !opts.WithoutHistory {
		a.History, err = storage.Open(ctx, cfg.Database.Driver, cfg.DatabaseDSN(), storageOptions(cfg))
		if err != nil {
			return nil, err
		}
	}

	hubCfg := events.HubConfig{
		Retention: cfg.Events.Retention,
		Logger:    logger,
	}
	if cfg.Events.Publish && a.Redis != nil {
		hubCfg.Publisher = a.Redis
	}
	a.Hub = events.NewHub(hubCfg)

	a.Orchestrator = workflow.New(workflow.Config{
		MaxIterations: cfg.Workflow.MaxIterations,
		Deadline:      cfg.Workflow.Deadline,
	}, workflow.Deps{
		Generator:  generator,
		Recognizer: recognizer,
		Extractor:  extractor,
		Reviser:    reviser,
		Metrics:    a.Metrics,
		Logger:     logger,
	})

	var history workflow.History
	if a.History != nil {
		history = a.History
	}
	a.Manager = workflow.NewManager(a.Orchestrator, a.Hub, a.Cache, history, workflow.ManagerConfig{
		CacheTTL: cfg.Cache.TTL,
	}, logger)

	logger.Info().
		Str("generator", cfg.Generator.Driver).
		Str("recognizer", cfg.Recognizer.Driver).
		Str("reasoning", cfg.Reasoning.Driver).
		Str("cache", cfg.Cache.Driver).
		Bool("history", a.History != nil).
		Int("max_iterations", cfg.Workflow.MaxIterations).
		Dur("deadline", cfg.Workflow.Deadline).
		Msg("Service assembled")

	return a, nil
}

// Handler builds the HTTP API, with the MCP endpoint mounted when enabled.
func (a *App) Handler() http.Handler {
	opts := api.Options{
		RequestTimeout: a.Config.Server.ReadTimeout,
		Metrics:        a.Metrics.Handler(),
		Checks:         a.checks(),
		Channel:        a.Hub.Channel,
	}
	if a.Config.MCP.Enabled {
		opts.MCPBasePath = a.Config.MCP.BasePath
		opts.MCP = mcp.NewServer(a.Manager, Version, a.Logger).Handler(a.Config.MCP.BasePath)
	}
	if a.Redis != nil && a.Config.Events.Publish {
		opts.Follower = a.Redis
	}
	return api.NewServer(a.Manager, a.Images, opts, a.Logger).Router()
}

func (a *App) checks() []api.Check {
	var checks []api.Check
	if a.History != nil {
		checks = append(checks, api.Check{Name: "database", Probe: a.History.Ping})
	}
	if a.Redis != nil {
		checks = append(checks, api.Check{Name: "redis", Probe: a.Redis.Ping})
	}
	return checks
}

// Shutdown waits for runs in progress until ctx expires, then releases the
// hub and the stores.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Manager.Shutdown(ctx)
	a.Hub.Close()
	return errors.Join(err, a.closeStores())
}

func (a *App) closeStores() error {
	var errs []error
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	return errors.Join(errs...)
}

func (a *App) openCache(cfg *config.Config) error {
	switch cfg.Cache.Driver {
	case "redis":
		rc, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return domain.StorageError("connect to redis", err)
		}
		a.Redis = rc
		a.Cache = rc
	default:
		a.Cache = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	}
	return nil
}

func newGenerator(cfg *config.Config, sink imagegen.Sink) (workflow.Generator, error) {
	switch cfg.Generator.Driver {
	case "render":
		return imagegen.NewRenderer(imagegen.RenderConfig{
			Width:  cfg.Generator.Render.Width,
			Height: cfg.Generator.Render.Height,
			Scale:  cfg.Generator.Render.Scale,
		}, sink), nil
	case "fal":
		fal, err := imagegen.NewFALClient(imagegen.FALConfig{
			APIKey:          cfg.Generator.FAL.APIKey,
			BaseURL:         cfg.Generator.FAL.BaseURL,
			Model:           cfg.Generator.FAL.Model,
			ImageSize:       cfg.Generator.FAL.ImageSize,
			SafetyTolerance: cfg.Generator.FAL.SafetyTolerance,
			Timeout:         cfg.Generator.FAL.Timeout,
		}, sink)
		if err != nil {
			return nil, domain.ConfigError("create fal client", err)
		}
		return fal, nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown generator driver %q", cfg.Generator.Driver), nil)
	}
}

func newLLMClient(cfg *config.Config, model string, logger *observability.Logger) *llm.Client {
	retry := llm.DefaultRetryConfig()
	if cfg.Reasoning.MaxRetries > 0 {
		retry.MaxRetries = cfg.Reasoning.MaxRetries
	}
	return llm.NewClient(llm.Config{
		APIKey:  cfg.Reasoning.APIKey,
		BaseURL: cfg.Reasoning.BaseURL,
		Model:   model,
		Timeout: cfg.Reasoning.Timeout,
		Retry:   retry,
		Logger:  logger,
	})
}

func newReasoning(cfg *config.Config, client *llm.Client) (workflow.Extractor, workflow.Reviser) {
	if cfg.Reasoning.Driver == "heuristic" {
		return reasoning.HeuristicExtractor{}, reasoning.TemplateReviser{}
	}
	return reasoning.NewLLMExtractor(client), reasoning.NewLLMReviser(client)
}

func newRecognizer(cfg *config.Config, images *imagestore.Store, logger *observability.Logger) (workflow.Recognizer, error) {
	switch cfg.Recognizer.Driver {
	case "tesseract":
		t, err := ocr.NewTesseract(ocr.TesseractConfig{
			Language: cfg.Recognizer.Tesseract.Language,
			Preprocess: ocr.PreprocessConfig{
				MinWidth:  cfg.Recognizer.Tesseract.MinWidth,
				Contrast:  cfg.Recognizer.Tesseract.Contrast,
				Threshold: cfg.Recognizer.Tesseract.Threshold,
			},
		}, images)
		if err != nil {
			return nil, domain.ConfigError("create tesseract recognizer", err)
		}
		return t, nil
	case "vision":
		model := cfg.Recognizer.Vision.Model
		if model == "" {
			model = cfg.Reasoning.Model
		}
		return ocr.NewVision(newLLMClient(cfg, model, logger), images), nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("unknown recognizer driver %q", cfg.Recognizer.Driver), nil)
	}
}

func storageOptions(cfg *config.Config) storage.Options {
	if cfg.Database.Driver == "postgres" {
		return storage.Options{
			MaxOpenConns:    cfg.Database.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Database.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.Postgres.ConnMaxLifetime,
		}
	}
	return storage.Options{
		MaxOpenConns: cfg.Database.SQLite.MaxOpenConns,
		JournalMode:  cfg.Database.SQLite.JournalMode,
	}
}

// ShutdownTimeout is the grace period given to runs in progress.
func (a *App) ShutdownTimeout() time.Duration {
	return a.Config.Server.GracefulShutdown
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/chatrelay/internal/frontend"
	"github.com/szaher/chatrelay/internal/llm"
	"github.com/szaher/chatrelay/internal/relay"
	"github.com/szaher/chatrelay/internal/secrets"
	"github.com/szaher/chatrelay/internal/session"
	"github.com/szaher/chatrelay/internal/telemetry"
)

// Runtime owns every long-lived component of the service.
type Runtime struct {
	config   Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	relay    *relay.Relay
	store    *session.MemoryStore
	sessions *session.Manager
	server   *Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
}

// Options configures the runtime.
type Options struct {
	// LogOutput receives log lines. Defaults to stderr.
	LogOutput io.Writer
	// LLMClient replaces the client built from the provider config.
	LLMClient llm.Client
	// Resolver resolves the provider credential reference.
	Resolver secrets.Resolver
	// DisableUI turns off the browser chat page.
	DisableUI bool
}

// New builds a runtime from cfg. A missing provider credential is not an
// error: the relay runs without a client and answers with the unavailable
// fallback.
func New(cfg Config, opts Options) (*Runtime, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	redact := secrets.NewRedactFilter(telemetry.NewHandler(out, telemetry.ParseLevel(cfg.Log.Level), cfg.Log.Format))
	logger := slog.New(redact)

	client := opts.LLMClient
	if client == nil {
		resolver := opts.Resolver
		if resolver == nil {
			resolver = secrets.NewEnvResolver()
		}
		settings := cfg.ProviderSettings("")
		apiKey, err := resolveCredential(resolver, cfg.Provider.APIKey)
		switch {
		case errors.Is(err, secrets.ErrNotSet) && !settings.Provider.RequiresCredential():
		case errors.Is(err, secrets.ErrNotSet):
			logger.Warn("provider credential not set; replies will use the unavailable fallback",
				"provider", cfg.Provider.Name, "api_key", cfg.Provider.APIKey)
		case err != nil:
			return nil, fmt.Errorf("resolve provider credential: %w", err)
		}
		redact.AddSecret(apiKey)
		settings.APIKey = apiKey
		if t := cfg.Provider.Timeout.Std(); t > 0 {
			settings.HTTPTimeout = t + 5*time.Second
		}

		client, err = llm.NewClient(settings)
		if err != nil {
			return nil, fmt.Errorf("create provider client: %w", err)
		}
	}

	classifier, err := relay.NewRuleClassifier(cfg.Relay.Rules...)
	if err != nil {
		return nil, fmt.Errorf("compile classifier rules: %w", err)
	}

	policy := cfg.Policy()
	if cfg.Relay.SystemPromptFile != "" {
		prompt, err := LoadPrompt(cfg.Relay.SystemPromptFile)
		if err != nil {
			return nil, err
		}
		policy.SystemPrompt = prompt
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.MustNewMetrics(registry)

	rl := relay.New(client, policy,
		relay.WithClassifier(classifier),
		relay.WithRecorder(metrics),
		relay.WithLogger(logger),
	)

	store := session.NewMemoryStore(
		session.WithCapacity(cfg.Sessions.MaxSessions),
		session.WithIdleTTL(cfg.Sessions.IdleTTL.Std()),
		session.WithEvictHook(func(id string, reason session.EvictReason) {
			metrics.IncEvicted()
			logger.Info("session evicted", "session_id", id, "reason", string(reason))
		}),
	)
	sessions := session.NewManager(store, rl, logger)

	serverOpts := []ServerOption{
		WithLogger(logger),
		WithMetrics(metrics, registry),
		WithCORSOrigins(cfg.Server.CORSOrigins),
		WithReadTimeout(cfg.Server.ReadTimeout.Std()),
	}
	if !opts.DisableUI {
		serverOpts = append(serverOpts, WithUI(frontend.NewHandler()))
	}

	return &Runtime{
		config:   cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		relay:    rl,
		store:    store,
		sessions: sessions,
		server:   NewServer(sessions, rl, serverOpts...),
	}, nil
}

func resolveCredential(resolver secrets.Resolver, ref string) (string, error) {
	if ref == "" {
		return "", secrets.ErrNotSet
	}
	return resolver.Resolve(context.Background(), ref)
}

// Listen binds the configured address. Start calls it when needed; calling it
// first lets callers learn the bound address before serving.
func (rt *Runtime) Listen() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", rt.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", rt.config.Listen, err)
	}
	rt.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (rt *Runtime) Addr() net.Addr {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.listener == nil {
		return nil
	}
	return rt.listener.Addr()
}

// Start serves HTTP and runs the session sweeper and prompt watcher until ctx
// ends or Shutdown is called.
func (rt *Runtime) Start(ctx context.Context) error {
	var sweeper *cron.Cron
	if rt.config.Sessions.IdleTTL > 0 {
		var err error
		if sweeper, err = rt.newSweeper(); err != nil {
			return err
		}
	}
	if err := rt.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.cancel = cancel
	ln := rt.listener
	rt.mu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return rt.server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), rt.config.Server.ShutdownTimeout.Std())
		defer done()
		return rt.server.Shutdown(shutdownCtx)
	})

	if sweeper != nil {
		sweeper.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-sweeper.Stop().Done()
			return nil
		})
	}

	if path := rt.config.Relay.SystemPromptFile; path != "" {
		watcher := NewPromptWatcher(path, rt.relay.SetSystemPrompt, rt.logger)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				rt.logger.Warn("system prompt hot reload disabled", "error", err)
			}
			return nil
		})
	}

	rt.logger.Info("runtime started",
		"addr", ln.Addr().String(),
		"provider", rt.config.Provider.Name,
		"model", rt.config.Provider.Model,
		"provider_available", rt.relay.Available(),
	)
	return g.Wait()
}

func (rt *Runtime) newSweeper() (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(rt.config.Sessions.SweepSchedule, rt.Sweep)
	if err != nil {
		return nil, fmt.Errorf("sessions.sweep_schedule %q: %w", rt.config.Sessions.SweepSchedule, err)
	}
	return c, nil
}

// Sweep drops idle sessions now.
func (rt *Runtime) Sweep() {
	n := rt.store.Sweep(time.Now())
	rt.metrics.SetActiveSessions(rt.store.Len())
	if n > 0 {
		rt.logger.Info("idle sessions swept", "count", n, "active", rt.store.Len())
	}
}

// Shutdown stops Start and drains in-flight requests.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logger.Info("shutting down runtime")
	rt.mu.Lock()
	cancel := rt.cancel
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := rt.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// Server returns the HTTP server.
func (rt *Runtime) Server() *Server {
	return rt.server
}

// Relay returns the conversation relay.
func (rt *Runtime) Relay() *relay.Relay {
	return rt.relay
}

// Registry returns the metrics registry.
func (rt *Runtime) Registry() *prometheus.Registry {
	return rt.registry
}

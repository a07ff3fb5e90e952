// Package app wires all Vocoach subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithKV). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vocoach/vocoach/internal/analysis"
	"github.com/vocoach/vocoach/internal/audiocache"
	"github.com/vocoach/vocoach/internal/config"
	"github.com/vocoach/vocoach/internal/continuity"
	"github.com/vocoach/vocoach/internal/health"
	"github.com/vocoach/vocoach/internal/kv"
	"github.com/vocoach/vocoach/internal/latency"
	"github.com/vocoach/vocoach/internal/observe"
	"github.com/vocoach/vocoach/internal/orchestrator"
	"github.com/vocoach/vocoach/internal/scenario"
	"github.com/vocoach/vocoach/internal/session"
	"github.com/vocoach/vocoach/internal/store"
	"github.com/vocoach/vocoach/internal/store/memstore"
	pgstore "github.com/vocoach/vocoach/internal/store/postgres"
	"github.com/vocoach/vocoach/internal/ws"
	"github.com/vocoach/vocoach/pkg/provider/llm"
	"github.com/vocoach/vocoach/pkg/provider/stt"
	"github.com/vocoach/vocoach/pkg/provider/tts"
	"github.com/vocoach/vocoach/pkg/provider/vad"
)

// latencyExportSessions caps how many per-session breakdowns the
// /debug/latency endpoint serialises.
const latencyExportSessions = 50

// Providers holds one interface value per pipeline stage. All four are
// required; main.go populates them via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store      store.Store
	kv         kv.Store
	cache      *audiocache.Cache
	continuity *continuity.Memory
	metrics    *observe.Metrics
	monitor    *latency.Monitor
	analysis   *analysis.Scheduler
	sessions   *session.Manager
	reconnect  *session.ReconnectWindow
	orch       *orchestrator.Orchestrator
	server     *http.Server

	// closers are called in reverse order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithKV injects a key-value store instead of creating one from config.
func WithKV(s kv.Store) Option {
	return func(a *App) { a.kv = s }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil ||
		providers.TTS == nil || providers.VAD == nil {
		return nil, errors.New("app: llm, stt, tts and vad providers are all required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdownOtel)

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initKV(ctx); err != nil {
		return nil, fmt.Errorf("app: init kv: %w", err)
	}

	a.cache = audiocache.New(a.kv,
		audiocache.WithNamespace(cfg.Cache.Namespace),
		audiocache.WithTTL(cfg.Cache.TTL.Std()),
	)
	a.continuity = continuity.NewMemory(continuity.WithTTL(cfg.Session.ContinuityTTL.Std()))
	a.monitor = newMonitor(cfg.Latency, a.metrics)

	if cfg.Analysis.Enabled {
		runner := analysis.NewLLMRunner(providers.LLM, a.kv, cfg.Analysis.ResultTTL.Std())
		a.analysis = analysis.NewScheduler(runner,
			analysis.WithCache(a.kv),
			analysis.WithMonitor(a.monitor),
			analysis.WithTTL(cfg.Analysis.ResultTTL.Std()),
		)
	}

	mgrOpts := []session.ManagerOption{session.WithEvictFunc(a.evictSession)}
	if d := cfg.Session.IdleTimeout.Std(); d > 0 {
		mgrOpts = append(mgrOpts, session.WithIdleTimeout(d))
	}
	if d := cfg.Session.ReapInterval.Std(); d > 0 {
		mgrOpts = append(mgrOpts, session.WithReapInterval(d))
	}
	a.sessions = session.NewManager(mgrOpts...)

	a.orch = orchestrator.New(turnConfig(cfg.Turn), orchestrator.Deps{
		VAD:        providers.VAD,
		STT:        providers.STT,
		LLM:        providers.LLM,
		TTS:        providers.TTS,
		Store:      a.store,
		KV:         a.kv,
		Cache:      a.cache,
		Continuity: a.continuity,
		Monitor:    a.monitor,
		Analysis:   a.analysis,
		Sessions:   a.sessions,
		Summariser: session.NewLLMSummariser(providers.LLM),
	})

	if grace := cfg.Session.ReconnectGrace.Std(); grace > 0 {
		a.reconnect = session.NewReconnectWindow(grace)
		a.closers = append(a.closers, func(context.Context) error {
			a.reconnect.Close()
			return nil
		})
	}

	scenarios, err := a.loadScenarios()
	if err != nil {
		return nil, fmt.Errorf("app: load scenarios: %w", err)
	}

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(scenarios),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Monitor exposes the latency monitor, e.g. so a config reload can adjust
// alert thresholds at runtime.
func (a *App) Monitor() *latency.Monitor { return a.monitor }

// Orchestrator exposes the turn orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// initStore connects the persistent store: PostgreSQL when a DSN is
// configured, in-memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
		st, err := pgstore.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, func(context.Context) error {
			st.Close()
			return nil
		})
		slog.Info("connected to postgres store")
		return nil
	}

	slog.Warn("no postgres_dsn configured, using in-memory store; sessions are lost on restart")
	a.store = memstore.New()
	return nil
}

// initKV connects the key-value backend: Redis when an address is configured,
// in-memory otherwise.
func (a *App) initKV(ctx context.Context) error {
	if a.kv != nil {
		return nil
	}

	if addr := a.cfg.Storage.RedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: a.cfg.Storage.RedisPassword,
			DB:       a.cfg.Storage.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %q: %w", addr, err)
		}
		rs := kv.NewRedisStore(client)
		a.kv = rs
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		slog.Info("connected to redis", "addr", addr)
		return nil
	}

	slog.Warn("no redis_addr configured, using in-memory kv store")
	a.kv = kv.NewMemoryStore()
	return nil
}

// loadScenarios loads all scenario definitions from the configured directory.
func (a *App) loadScenarios() (map[string]*scenario.Scenario, error) {
	if a.cfg.Scenarios.Dir == "" {
		slog.Warn("no scenario directory configured; clients cannot start scenario sessions")
		return map[string]*scenario.Scenario{}, nil
	}
	scenarios, err := scenario.LoadDir(a.cfg.Scenarios.Dir)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded scenarios", "dir", a.cfg.Scenarios.Dir, "count", len(scenarios))
	return scenarios, nil
}

// buildHandler assembles the HTTP routes: the websocket endpoint, health
// probes, Prometheus metrics, and the latency debug export.
func (a *App) buildHandler(scenarios map[string]*scenario.Scenario) http.Handler {
	wsOpts := []ws.Option{ws.WithOriginPatterns(a.cfg.Server.OriginPatterns...)}
	if a.reconnect != nil {
		wsOpts = append(wsOpts, ws.WithReconnectWindow(a.reconnect))
	}
	wsServer := ws.NewServer(a.orch, scenarios, wsOpts...)
	checks := health.New(
		health.StoreChecker(a.store),
		health.KVChecker(a.kv),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/latency", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := a.monitor.Export(w, latencyExportSessions); err != nil {
			slog.Warn("latency export failed", "error", err)
		}
	})

	return observe.Middleware(a.metrics)(mux)
}

// evictSession tears down a session that sat idle past the timeout. The
// manager has already removed it from its map and cancelled its task.
func (a *App) evictSession(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.orch.EndSession(ctx, s.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("idle session teardown failed", "session_id", s.ID, "error", err)
	}
}

// Run serves until ctx is cancelled, supervising the HTTP server and the
// session reaper. It returns the first non-nil error from either.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.sessions.Run(ctx)
		return nil
	})

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("listening with TLS", "addr", a.cfg.Server.ListenAddr)
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", a.cfg.Server.ListenAddr)
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown releases all resources in reverse initialisation order. Safe to
// call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.sessions.Close()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil && a.stopErr == nil {
				a.stopErr = err
			}
		}
	})
	return a.stopErr
}

// newMonitor builds the latency monitor from config, bridging samples into
// the OTel histograms.
func newMonitor(cfg config.LatencyConfig, metrics *observe.Metrics) *latency.Monitor {
	opts := []latency.Option{latency.WithRecorder(metrics)}
	if cfg.WindowSize > 0 {
		opts = append(opts, latency.WithWindowSize(cfg.WindowSize))
	}
	for name, d := range cfg.Thresholds {
		opts = append(opts, latency.WithThreshold(latency.Step(name), d.Std()))
	}
	return latency.NewMonitor(opts...)
}

// turnConfig maps the YAML turn block onto the orchestrator config, keeping
// built-in defaults for fields left at zero.
func turnConfig(cfg config.TurnConfig) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	if cfg.VADThreshold > 0 {
		oc.VADThreshold = cfg.VADThreshold
	}
	if d := cfg.EndOfSpeech.Std(); d > 0 {
		oc.EndOfSpeechSilence = d
	}
	if d := cfg.GentlePrompt.Std(); d > 0 {
		oc.GentlePromptSilence = d
	}
	if d := cfg.PostSpeechWait.Std(); d > 0 {
		oc.PostSpeechWait = d
	}
	if d := cfg.SpeechPadding.Std(); d > 0 {
		oc.SpeechPadding = d
	}
	if cfg.WindowSamples > 0 {
		oc.WindowSamples = cfg.WindowSamples
	}
	if cfg.SpeechConfirmWindows > 0 {
		oc.SpeechConfirmWindows = cfg.SpeechConfirmWindows
	}
	if cfg.SilenceConfirmWindows > 0 {
		oc.SilenceConfirmWindows = cfg.SilenceConfirmWindows
	}
	if cfg.MinUtteranceBytes > 0 {
		oc.MinUtteranceBytes = cfg.MinUtteranceBytes
	}
	if d := cfg.BackendTimeout.Std(); d > 0 {
		oc.BackendTimeout = d
	}
	if cfg.Temperature > 0 {
		oc.Temperature = cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		oc.MaxTokens = cfg.MaxTokens
	}
	return oc
}

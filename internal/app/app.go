// Package app wires the parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and runs the background monitors, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStatsStore,
// WithListener, WithGatherer). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/sessionstats"
	"github.com/MrWong99/parley/internal/sessionstats/postgres"
	"github.com/MrWong99/parley/internal/stream"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown started by Run.
const serverShutdownTimeout = 10 * time.Second

// Providers holds the inference backends built by main.go via the config
// registry. The fallbacks are optional.
type Providers struct {
	LLM         llm.Provider
	LLMFallback llm.Provider
	STT         stt.Provider
	STTFallback stt.Provider
	TTS         tts.Provider
	TTSFallback tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics    *observe.Metrics
	coord      *pipeline.Coordinator
	stats      *sessionstats.Manager
	statsStore sessionstats.Store
	monitor    *health.Monitor
	transport  *transport.Handler
	watcher    *config.Watcher
	sttGroup   *resilience.STTFallback
	llmGroup   *resilience.LLMFallback
	ttsGroup   *resilience.TTSFallback
	handler    http.Handler
	server     *http.Server

	gatherer   prometheus.Gatherer
	listener   net.Listener
	logLevel   *slog.LevelVar
	configPath string
	checkers   []health.Checker

	// baseCtx is the parent of every request context; cancelling it ends
	// open WebSocket sessions.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStatsStore injects a session statistics store instead of connecting
// to stats.postgres_dsn.
func WithStatsStore(s sessionstats.Store) Option {
	return func(a *App) { a.statsStore = s }
}

// WithMetrics injects the OTel instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served at /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogLevel lets config reloads adjust the level of the installed logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithConfigFile watches path and applies valid changes while running.
func WithConfigFile(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(c ...health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.TTS == nil {
		return nil, errors.New("app: llm, stt and tts providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.WithoutCancel(ctx))

	if err := a.initStats(ctx); err != nil {
		a.cancelBase()
		return nil, fmt.Errorf("app: init stats: %w", err)
	}
	a.initCoordinator()
	a.initMonitor()
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Reload)
		if err != nil {
			a.cancelBase()
			a.runClosers()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}
	a.initHTTP()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStats creates the session statistics collector and, when configured,
// its PostgreSQL store.
func (a *App) initStats(ctx context.Context) error {
	if a.statsStore == nil && a.cfg.Stats.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Stats.PostgresDSN)
		if err != nil {
			return err
		}
		a.statsStore = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		a.checkers = append(a.checkers, health.Checker{Name: "stats_store", Check: store.Ping})
	}

	t := a.cfg.Stats.Targets
	opts := []sessionstats.Option{
		sessionstats.WithWindow(a.cfg.Stats.Window),
		sessionstats.WithTargets(sessionstats.Targets{ASR: t.ASR, LLM: t.LLM, TTS: t.TTS, E2E: t.E2E}),
	}
	if a.statsStore != nil {
		opts = append(opts, sessionstats.WithStore(a.statsStore))
	}
	a.stats = sessionstats.NewManager(opts...)
	if a.statsStore != nil {
		if err := a.stats.Load(ctx); err != nil {
			slog.Warn("app: could not load recent sessions", "err", err)
		}
	}
	return nil
}

// initCoordinator builds the resilient provider chains and the pipeline
// coordinator.
func (a *App) initCoordinator() {
	pc := a.cfg.Providers
	retry := a.cfg.Pipeline.Retry

	// ASR and LLM retry inside their stages; their fallback groups only
	// contribute circuit breakers and failover.
	a.sttGroup = resilience.NewSTTFallback(a.providers.STT, pc.STT.Name, a.fallbackConfig("stt", resilience.RetryPolicy{}))
	if a.providers.STTFallback != nil {
		a.sttGroup.AddFallback(pc.STTFallback.Name, a.providers.STTFallback)
	}
	a.llmGroup = resilience.NewLLMFallback(a.providers.LLM, pc.LLM.Name, a.fallbackConfig("llm", resilience.RetryPolicy{}))
	if a.providers.LLMFallback != nil {
		a.llmGroup.AddFallback(pc.LLMFallback.Name, a.providers.LLMFallback)
	}

	// TTS retries every backend before moving on to the next one.
	a.ttsGroup = resilience.NewTTSFallback(a.providers.TTS, pc.TTS.Name,
		a.fallbackConfig("tts", RetryPolicy("tts", retry, a.cfg.Pipeline.TTS.Timeout)))
	if a.providers.TTSFallback != nil {
		a.ttsGroup.AddFallback(pc.TTSFallback.Name, a.providers.TTSFallback)
	}

	a.coord = pipeline.NewCoordinator(pipeline.Providers{
		STT:     a.sttGroup,
		STTName: pc.STT.Name,
		LLM:     a.llmGroup,
		LLMName: pc.LLM.Name,
		TTS:     a.ttsGroup,
		TTSName: pc.TTS.Name,
	}, PipelineConfig(a.cfg), pipeline.WithStats(a.stats), pipeline.WithMetrics(a.metrics))
}

// fallbackConfig returns the failover settings for one provider kind. Breaker
// transitions are counted under kind.
func (a *App) fallbackConfig(kind string, retry resilience.RetryPolicy) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, kind, from.String(), to.String())
			},
		},
		Retry: retry,
	}
}

// initMonitor checks every provider that talks to a configured base URL.
func (a *App) initMonitor() {
	pc := a.cfg.Providers
	entries := []struct {
		id    string
		label string
		entry config.ProviderEntry
	}{
		{"stt", "STT", pc.STT},
		{"stt_fallback", "STT fallback", pc.STTFallback},
		{"llm", "LLM", pc.LLM},
		{"llm_fallback", "LLM fallback", pc.LLMFallback},
		{"tts", "TTS", pc.TTS},
		{"tts_fallback", "TTS fallback", pc.TTSFallback},
	}
	var endpoints []health.Endpoint
	for _, e := range entries {
		if e.entry.Name == "" || e.entry.BaseURL == "" {
			continue
		}
		endpoints = append(endpoints, health.Endpoint{
			ID:   e.id,
			Name: fmt.Sprintf("%s (%s)", e.label, e.entry.Name),
			URL:  e.entry.BaseURL,
		})
	}
	h := a.cfg.Health
	a.monitor = health.NewMonitor(endpoints, health.MonitorConfig{
		Interval:      h.Interval,
		Timeout:       h.Timeout,
		DegradedAfter: h.DegradedAfter,
		FailedAfter:   h.FailedAfter,
	})
}

// initHTTP mounts every route on one mux behind the observability
// middleware.
func (a *App) initHTTP() {
	a.transport = transport.NewHandler(a.coord, transport.Config{
		OutboundBuffer: a.cfg.Transport.OutboundBuffer,
		OriginPatterns: a.cfg.Transport.OriginPatterns,
	})

	mux := http.NewServeMux()
	mux.Handle("GET "+a.cfg.Transport.Path, a.transport)
	health.New(append([]health.Checker{a.monitor.Checker()}, a.checkers...)...).Register(mux)
	a.monitor.Register(mux)
	a.stats.Register(mux)
	mux.HandleFunc("GET /v1/sessions", a.serveSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", a.serveSession)
	mux.HandleFunc("GET /v1/breakers", a.serveBreakers)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}
}

// PipelineConfig converts the pipeline section of cfg into coordinator
// settings. Retry policies are derived from pipeline.retry and the per-stage
// timeouts.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	p := cfg.Pipeline
	return pipeline.Config{
		ASR: stream.ASRConfig{
			SampleRate: p.ASR.SampleRate,
			Window:     p.ASR.Window,
			Slide:      p.ASR.Slide,
			QueueSize:  p.ASR.QueueSize,
			Model:      p.ASR.Model,
			Language:   p.ASR.Language,
			Retry:      RetryPolicy("asr", p.Retry, p.ASR.Timeout),
		},
		LLM: stream.LLMConfig{
			SystemPrompt:    p.LLM.SystemPrompt,
			MaxHistoryPairs: p.LLM.MaxHistoryPairs,
			Temperature:     p.LLM.Temperature,
			MaxTokens:       p.LLM.MaxTokens,
			Retry:           RetryPolicy("llm", p.Retry, p.LLM.Timeout),
		},
		TTS: stream.TTSConfig{
			SampleRate:   p.TTS.SampleRate,
			Frame:        p.TTS.Frame,
			SegmentChars: p.TTS.SegmentChars,
			Voice:        tts.Voice(p.TTS.Voice, p.TTS.Language),
		},
		PollInterval:   p.PollInterval,
		BargeInOnFinal: p.BargeInOnFinalEnabled(),
	}
}

// RetryPolicy builds the retry policy of one stage.
func RetryPolicy(name string, rc config.RetryConfig, timeout time.Duration) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		Name:           name,
		MaxRetries:     rc.MaxRetries,
		Backoff:        resilience.ConstantBackoff(rc.Backoff),
		AttemptTimeout: timeout,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Coordinator returns the pipeline coordinator.
func (a *App) Coordinator() *pipeline.Coordinator { return a.coord }

// Stats returns the session statistics collector.
func (a *App) Stats() *sessionstats.Manager { return a.stats }

// Monitor returns the inference endpoint monitor.
func (a *App) Monitor() *health.Monitor { return a.monitor }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the health monitor and config watcher until ctx
// is cancelled or one of them fails. Open WebSocket sessions are ended when
// Run returns.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	slog.Info("app: listening", "addr", ln.Addr().String(), "stream_path", a.cfg.Transport.Path)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.monitor.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()
		err := a.server.Shutdown(sctx)
		a.cancelBase()
		return err
	})
	return g.Wait()
}

// Reload applies a changed configuration. The log level takes effect
// immediately, pipeline settings apply to sessions created afterwards and
// every other change is reported as needing a restart.
func (a *App) Reload(oldCfg, newCfg *config.Config) {
	d := config.Diff(oldCfg, newCfg)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		a.coord.SetConfig(PipelineConfig(newCfg))
		slog.Info("app: pipeline configuration updated for new sessions")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: configuration changes require a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a configured log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every session and tears down all subsystems. It respects the
// context deadline: if ctx expires before the sessions are gone the context
// error is returned after the remaining closers ran.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		a.cancelBase()

		done := make(chan struct{})
		go func() {
			a.transport.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("app: connections still open at shutdown deadline")
		}

		if err := a.coord.Shutdown(ctx); err != nil {
			shutdownErr = err
		}
		a.runClosers()
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
		}
	}
}

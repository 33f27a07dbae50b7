// Package daemon implements the playbookd diagnostics server: an optional,
// off-by-default local HTTP surface for inspecting the current playbook and
// recent reflection activity. It never participates in the write path —
// every trigger handler in internal/playbook works identically whether or
// not this process is running.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/simpleflo/playbookd/internal/audit"
	"github.com/simpleflo/playbookd/internal/config"
	"github.com/simpleflo/playbookd/internal/observability"
	"github.com/simpleflo/playbookd/internal/playbook"
)

// Daemon is the playbookd diagnostics server.
type Daemon struct {
	cfg     *config.Config
	storage *playbook.Storage
	ledger  *audit.Ledger // nil if the audit database could not be opened
	bus     *EventBus
	metrics *observability.Metrics

	router chi.Router
	server *http.Server
	logger zerolog.Logger

	mu        sync.RWMutex
	running   bool
	ready     bool
	startTime time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup

	pollInterval time.Duration
	lastHistLen  int
}

// New builds a Daemon from cfg. Opening the audit ledger is best-effort: a
// missing or unreadable ledger only disables the /history endpoint and the
// reflection events streamed over SSE, it does not fail startup.
func New(cfg *config.Config) (*Daemon, error) {
	logger := observability.Logger("daemon")

	storage := playbook.NewStorage(cfg.ResolvedPlaybookPath(), cfg.BackupsDir(), cfg.Playbook.BackupKeep, cfg.Playbook.MaxKPTs, cfg.Playbook.PruneThreshold)

	ledger, err := audit.Open(cfg.AuditDBPath())
	if err != nil {
		logger.Warn().Err(err).Msg("audit ledger unavailable, /history and reflection events disabled")
		ledger = nil
	}

	d := &Daemon{
		cfg:          cfg,
		storage:      storage,
		ledger:       ledger,
		bus:          NewEventBus(64),
		metrics:      observability.NewMetrics(prometheus.DefaultRegisterer),
		logger:       logger,
		shutdownCh:   make(chan struct{}),
		pollInterval: 2 * time.Second,
	}

	d.setupRouter()

	return d, nil
}

// setupRouter configures the HTTP router.
func (d *Daemon) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(d.loggingMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", d.handleStatus)
		r.Get("/playbook", d.handlePlaybook)
		r.Get("/history", d.handleHistory)
		r.Get("/events", d.handleSSEEvents)
		r.Get("/events/stats", d.handleSSEStats)
	})

	r.Handle("/metrics", promhttp.Handler())

	d.router = r
}

// loggingMiddleware logs HTTP requests.
func (d *Daemon) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		d.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request completed")
	})
}

// Start starts the diagnostics HTTP server, listening on the configured
// TCP address.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	d.logger.Info().
		Str("listen_addr", d.cfg.Diagnostics.ListenAddr).
		Str("playbook_path", d.cfg.ResolvedPlaybookPath()).
		Msg("starting diagnostics server")

	listener, err := net.Listen("tcp", d.cfg.Diagnostics.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Diagnostics.ListenAddr, err)
	}

	d.server = &http.Server{
		Handler:      d.router,
		ReadTimeout:  d.cfg.Diagnostics.ReadTimeout,
		WriteTimeout: d.cfg.Diagnostics.WriteTimeout,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("server error")
		}
	}()

	if d.ledger != nil {
		d.wg.Add(1)
		go d.pollReflectionsLoop(ctx)
	}

	d.mu.Lock()
	d.ready = true
	d.mu.Unlock()

	observability.LogEvent(d.logger, eventDaemonStarted, map[string]interface{}{
		"listen_addr": d.cfg.Diagnostics.ListenAddr,
	})

	d.logger.Info().Msg("diagnostics server started")
	return nil
}

// Stop gracefully stops the daemon.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.ready = false
	d.mu.Unlock()

	d.logger.Info().Msg("stopping diagnostics server")

	close(d.shutdownCh)

	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			d.logger.Error().Err(err).Msg("server shutdown error")
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("shutdown timeout, some goroutines may still be running")
	}

	d.bus.Close()

	if d.ledger != nil {
		d.ledger.Close()
	}

	observability.LogEvent(d.logger, eventDaemonStopped, nil)
	d.logger.Info().Msg("diagnostics server stopped")

	return nil
}

// Run runs the daemon until interrupted.
func (d *Daemon) Run() error {
	ctx := context.Background()

	if err := d.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-d.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return d.Stop(shutdownCtx)
}

// Ready returns whether the daemon is ready to serve requests.
func (d *Daemon) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// Config returns the daemon's configuration.
func (d *Daemon) Config() *config.Config {
	return d.cfg
}

// pollReflectionsLoop periodically checks the audit ledger for new entries
// recorded by out-of-process trigger invocations and republishes them as
// SSE events, since the CLI that actually runs reflections is a separate
// short-lived process with no direct handle on this bus.
func (d *Daemon) pollReflectionsLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkNewReflections(ctx)
		}
	}
}

func (d *Daemon) checkNewReflections(ctx context.Context) {
	entries, err := d.ledger.History(ctx, 50)
	if err != nil {
		d.logger.Debug().Err(err).Msg("poll history failed")
		return
	}

	d.mu.Lock()
	prevLen := d.lastHistLen
	d.lastHistLen = len(entries)
	d.mu.Unlock()

	if prevLen == 0 || len(entries) <= prevLen {
		return
	}

	// entries is newest-first; publish the ones that arrived since the
	// last poll, oldest-first for a sensible event order.
	fresh := entries[:len(entries)-prevLen]
	for i := len(fresh) - 1; i >= 0; i-- {
		e := fresh[i]
		d.bus.Publish(EventType(reflectionEventType(e.Outcome)), e)
		d.metrics.ReflectionOutcomes.WithLabelValues(e.Outcome).Inc()
		d.metrics.MergesApplied.Add(float64(e.MergesApplied))
		d.metrics.KPTsPruned.Add(float64(e.KPTsPruned))
		d.metrics.KPTsEvicted.Add(float64(e.KPTsEvicted))
	}
}

func reflectionEventType(outcome string) string {
	switch outcome {
	case "applied":
		return eventReflectionApplied
	case "rejected":
		return eventReflectionRejected
	default:
		return eventReflectionNoop
	}
}

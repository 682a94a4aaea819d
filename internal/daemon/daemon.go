// Package daemon wires the command interpreter to its collaborators and
// runs the process: session store, transcripts, run coordination,
// compaction, skills, the system-event sink, and the Telegram transport.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hollis/molt/internal/config"
	"github.com/hollis/molt/internal/events"
	"github.com/hollis/molt/internal/logger"
	"github.com/hollis/molt/internal/metrics"
	"github.com/hollis/molt/pkg/command"
	"github.com/hollis/molt/pkg/compactor"
	"github.com/hollis/molt/pkg/dispatch"
	"github.com/hollis/molt/pkg/runs"
	"github.com/hollis/molt/pkg/session"
	"github.com/hollis/molt/pkg/skills"
	"github.com/hollis/molt/pkg/transcript"
)

// Daemon owns the long-running components and their lifecycle.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	sessions    *session.Store
	transcripts *transcript.Store
	registry    *runs.Registry
	coordinator *runs.Coordinator
	compactor   *compactor.Compactor
	skills      *skills.Loader
	watcher     *skills.Watcher
	events      *events.Sink
	dispatcher  *dispatch.Dispatcher
	dedupe      *dedupeCache

	scheduler     *cron.Cron
	metricsServer *http.Server

	restartCh chan struct{}

	mu      sync.RWMutex
	running bool
}

// New creates a daemon from cfg, initializing components in dependency
// order.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	metrics.EnsureRegistered()

	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		config:    cfg,
		logger:    log,
		dedupe:    newDedupeCache(5 * time.Minute),
		restartCh: make(chan struct{}, 1),
	}

	var err error
	if d.sessions, err = session.NewStore(cfg.Session.StorePath); err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if d.transcripts, err = transcript.NewStore(cfg.Session.TranscriptDir); err != nil {
		return nil, fmt.Errorf("failed to open transcript store: %w", err)
	}

	zl := *log.Zerolog()
	d.registry = runs.NewRegistry(zl)
	d.coordinator = runs.NewCoordinator(d.registry, zl)

	if d.compactor, err = compactor.NewCompactor(compactor.Config{
		Provider:       cfg.Compaction.Provider,
		APIKey:         cfg.Compaction.APIKey,
		Model:          cfg.Compaction.Model,
		FallbackModels: cfg.Compaction.FallbackModels,
		MinMessages:    cfg.Compaction.MinMessages,
		MaxTokens:      cfg.Compaction.MaxTokens,
	}, d.transcripts, zl); err != nil {
		return nil, fmt.Errorf("failed to create compactor: %w", err)
	}

	if d.skills, err = skills.NewLoader(cfg.Skills.Dir, zl); err != nil {
		return nil, fmt.Errorf("failed to load skills: %w", err)
	}
	if cfg.Skills.Watch {
		if d.watcher, err = skills.NewWatcher(d.skills, zl); err != nil {
			// Watching is best effort; a missing directory is not fatal.
			d.logger.Warn().Err(err).Msg("Skills watcher disabled")
		}
	}

	if d.events, err = events.NewSink(cfg.Events.DBPath, zl); err != nil {
		return nil, fmt.Errorf("failed to open event sink: %w", err)
	}

	classifier := command.NewClassifier(d.abortTrigger)
	if d.dispatcher, err = dispatch.NewDispatcher(dispatch.Config{
		Classifier:  classifier,
		Authorizer:  dispatch.NewAuthorizer(zl),
		Sessions:    d.sessions,
		Coordinator: d.coordinator,
		Compact:     d.compactor.Compact,
		Restart:     d.requestRestart,
		Help:        d.renderHelp,
		Status:      d.renderStatus,
		SendPolicy:  d.sendPolicyAllows,
		Events:      d.events,
		StopTimeout: cfg.Compaction.StopTimeout(),
		Logger:      zl,
	}); err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	return d, nil
}

// abortTrigger matches configured abort phrases, case-insensitively.
func (d *Daemon) abortTrigger(body string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	for _, phrase := range d.config.Bot.AbortPhrases {
		if trimmed == strings.ToLower(phrase) {
			return true
		}
	}
	return false
}

// requestRestart asks the run loop to re-exec the process. The reply is
// produced before the actual restart happens.
func (d *Daemon) requestRestart(context.Context) error {
	select {
	case d.restartCh <- struct{}{}:
	default:
	}
	return nil
}

// Dispatcher exposes the dispatcher for transports and tests.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// Events exposes the system-event sink.
func (d *Daemon) Events() *events.Sink {
	return d.events
}

// Sessions exposes the session store.
func (d *Daemon) Sessions() *session.Store {
	return d.sessions
}

// Run starts background services and blocks until ctx is cancelled, a
// termination signal arrives, or a restart is requested. On restart the
// process is re-executed in place.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.dedupe.Start()

	if err := d.startSweep(); err != nil {
		return err
	}
	d.startMetrics()

	d.logger.Zerolog().Info().Str("bot", d.config.Bot.Name).Msg("Daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	restart := false
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		d.logger.Zerolog().Info().Str("signal", sig.String()).Msg("Shutting down on signal")
	case <-d.restartCh:
		d.logger.Zerolog().Info().Msg("Restart requested")
		restart = true
	}

	d.shutdown()

	if restart {
		return d.reexec()
	}
	return nil
}

// startSweep schedules the idle-session sweep.
func (d *Daemon) startSweep() error {
	if d.config.Session.SweepSchedule == "" || d.config.Session.MaxIdle <= 0 {
		return nil
	}

	d.scheduler = cron.New()
	_, err := d.scheduler.AddFunc(d.config.Session.SweepSchedule, func() {
		removed, err := d.sessions.SweepIdle(d.config.Session.MaxIdle)
		if err != nil {
			d.logger.Zerolog().Error().Err(err).Msg("Session sweep failed")
			return
		}
		if removed > 0 {
			d.events.Emit("sweep", fmt.Sprintf("🧽 Swept %d idle sessions", removed))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule: %w", err)
	}

	d.scheduler.Start()
	return nil
}

func (d *Daemon) startMetrics() {
	if !d.config.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	d.metricsServer = &http.Server{Addr: d.config.Metrics.Addr, Handler: mux}

	go func() {
		if err := d.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Zerolog().Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

func (d *Daemon) shutdown() {
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Zerolog().Warn().Err(err).Msg("Skills watcher stop failed")
		}
	}
	d.dedupe.Stop()
	if err := d.events.Close(); err != nil {
		d.logger.Zerolog().Warn().Err(err).Msg("Event sink close failed")
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.logger.Zerolog().Info().Msg("Daemon stopped")
}

// reexec replaces the process image with a fresh copy of this binary.
func (d *Daemon) reexec() error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	return syscall.Exec(executable, os.Args, os.Environ())
}

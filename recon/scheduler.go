package recon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Scheduler cadences.
const (
	CadenceBurst  = "burst"
	CadenceSteady = "steady"
	CadenceHealth = "health"
)

var (
	// ErrSchedulerStarted is returned by Start on a scheduler that already ran.
	ErrSchedulerStarted = errors.New("recon: scheduler already started")
	// ErrSchedulerNotStarted is returned by Stop before Start.
	ErrSchedulerNotStarted = errors.New("recon: scheduler not started")
)

// Runner executes reconciliation and notification passes.
type Runner interface {
	ReconcileBatch(ctx context.Context, limit int) (Report, error)
	DispatchNotifications(ctx context.Context, limit int) (NotifyReport, error)
}

// HealthChecker checks and restores the ledger connection.
type HealthChecker interface {
	Healthy(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// SchedulerConfig configures the reconciliation cadences.
type SchedulerConfig struct {
	Runner         Runner
	Health         HealthChecker
	BurstInterval  time.Duration
	BurstCount     int
	SteadyInterval time.Duration
	HealthInterval time.Duration
	BatchLimit     int
	ShutdownGrace  time.Duration
	// OnStop runs once after all passes have finished or been abandoned.
	OnStop  func()
	Logger  *slog.Logger
	Metrics Metrics
}

// Scheduler drives three cadences: a bounded burst of passes right after
// start, an unbounded steady cadence that also dispatches notifications, and
// a ledger health check. Passes never overlap; a tick that fires while a
// pass is running is dropped.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *slog.Logger

	mu          sync.Mutex
	started     bool
	stopped     bool
	tickCancel  context.CancelFunc
	passCancel  context.CancelFunc
	loops       sync.WaitGroup
	passes      sync.WaitGroup
	running     atomic.Bool
	done        chan struct{}
	signalsOnce sync.Once
	stopOnce    sync.Once
}

// NewScheduler constructs a scheduler with defaults for unset intervals.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("recon: scheduler runner required")
	}
	if cfg.BurstInterval <= 0 {
		cfg.BurstInterval = 30 * time.Second
	}
	if cfg.BurstCount < 0 {
		cfg.BurstCount = 0
	}
	if cfg.SteadyInterval <= 0 {
		cfg.SteadyInterval = time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, logger: logger.With("component", "recon.scheduler"), done: make(chan struct{})}, nil
}

// Start launches the cadences. The first burst pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	tickCtx, tickCancel := context.WithCancel(ctx)
	// Passes outlive tick cancellation so Stop can grant a grace period.
	passCtx, passCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.tickCancel = tickCancel
	s.passCancel = passCancel

	if s.cfg.BurstCount > 0 {
		s.loops.Add(1)
		go s.burstLoop(tickCtx, passCtx)
	}
	s.loops.Add(1)
	go s.steadyLoop(tickCtx, passCtx)
	if s.cfg.Health != nil {
		s.loops.Add(1)
		go s.healthLoop(tickCtx)
	}
	s.logger.Info("reconciliation scheduler started",
		"burst_interval", s.cfg.BurstInterval,
		"burst_count", s.cfg.BurstCount,
		"steady_interval", s.cfg.SteadyInterval,
		"health_interval", s.cfg.HealthInterval)
	return nil
}

// Stop ends scheduling, waits up to the shutdown grace for the cadence loops
// and the in-flight pass, cancels whatever is still running after that, then
// runs OnStop. It is idempotent.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrSchedulerNotStarted
	}
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		timer := time.NewTimer(s.cfg.ShutdownGrace)
		s.tickCancel()

		// No pass can be added once stopped is set.
		finished := make(chan struct{})
		go func() {
			s.loops.Wait()
			s.passes.Wait()
			close(finished)
		}()
		select {
		case <-finished:
			timer.Stop()
		case <-timer.C:
			s.logger.Warn("in-flight pass exceeded shutdown grace; abandoning", "grace", s.cfg.ShutdownGrace)
			s.passCancel()
			<-finished
		}
		s.passCancel()
		if s.cfg.OnStop != nil {
			s.cfg.OnStop()
		}
		close(s.done)
		s.logger.Info("reconciliation scheduler stopped")
	})
	return nil
}

// Done is closed once Stop has completed.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// StopOnSignal stops the scheduler on SIGINT or SIGTERM. Repeated calls do
// not install additional handlers.
func (s *Scheduler) StopOnSignal() {
	s.signalsOnce.Do(func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			defer signal.Stop(sigs)
			select {
			case sig := <-sigs:
				s.logger.Info("shutdown signal received", "signal", sig.String())
				_ = s.Stop()
			case <-s.done:
			}
		}()
	})
}

func (s *Scheduler) burstLoop(tickCtx, passCtx context.Context) {
	defer s.loops.Done()
	s.trigger(passCtx, CadenceBurst, false)
	fired := 1
	if fired >= s.cfg.BurstCount {
		return
	}
	ticker := time.NewTicker(s.cfg.BurstInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tickCtx.Done():
			return
		case <-ticker.C:
			s.trigger(passCtx, CadenceBurst, false)
			fired++
			if fired >= s.cfg.BurstCount {
				s.logger.Debug("burst cadence complete", "passes", fired)
				return
			}
		}
	}
}

func (s *Scheduler) steadyLoop(tickCtx, passCtx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.SteadyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tickCtx.Done():
			return
		case <-ticker.C:
			s.trigger(passCtx, CadenceSteady, true)
		}
	}
}

// healthLoop checks on tickCtx, so Stop interrupts an in-flight check or
// reconnect at once.
func (s *Scheduler) healthLoop(tickCtx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tickCtx.Done():
			return
		case <-ticker.C:
			s.checkHealth(tickCtx)
		}
	}
}

// trigger starts a pass unless one is already running.
func (s *Scheduler) trigger(ctx context.Context, cadence string, notify bool) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.logger.Debug("pass still running; tick skipped", "cadence", cadence)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveSkippedTick(cadence)
		}
		return false
	}
	s.passes.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.passes.Done()
		defer s.running.Store(false)
		s.runPass(ctx, cadence, notify)
	}()
	return true
}

func (s *Scheduler) runPass(ctx context.Context, cadence string, notify bool) {
	if _, err := s.cfg.Runner.ReconcileBatch(ctx, s.cfg.BatchLimit); err != nil {
		s.logger.Error("reconciliation pass failed", "cadence", cadence, "error", err)
	}
	if !notify || ctx.Err() != nil {
		return
	}
	if _, err := s.cfg.Runner.DispatchNotifications(ctx, s.cfg.BatchLimit); err != nil {
		s.logger.Error("notification pass failed", "cadence", cadence, "error", err)
	}
}

func (s *Scheduler) checkHealth(ctx context.Context) {
	err := s.cfg.Health.Healthy(ctx)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveHealth(err == nil)
	}
	if err == nil {
		return
	}
	s.logger.Warn("ledger unhealthy; reconnecting", "error", err)
	if err := s.cfg.Health.Reconnect(ctx); err != nil {
		s.logger.Error("ledger reconnect failed", "error", err)
		return
	}
	s.logger.Info("ledger connection restored")
}

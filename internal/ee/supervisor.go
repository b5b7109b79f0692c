package ee

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/logging"
	"github.com/opencode-ai/sessionhost/internal/runner"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

var log = logging.Named("ee")

// consecutiveHealthFailuresToError is the number of consecutive failed
// health probes before a ready EE is demoted to error (spec.md §4.3).
const consecutiveHealthFailuresToError = 3

// EmitFunc publishes an ee:* lifecycle event. Supplied by the Session that
// owns this Supervisor.
type EmitFunc func(types.SessionEvent)

// Config is the subset of internal/config.Configuration the supervisor
// needs, passed by value so this package has no import-time dependency on
// internal/config (ee is a lower layer than session, which loads config).
type Config struct {
	HealthCheckInterval time.Duration
	MaxRestarts         int
}

// Supervisor drives one session's ExecutionEnvironment through
// inactive -> starting -> ready -> (terminated|error), with error ->
// starting allowed as an explicit restart (spec.md §4.3, §3 invariant 7).
// All exported methods are safe for concurrent use, but in normal
// operation only the owning session's single serial executor calls
// EnsureReady/Terminate; the health-check loop runs on its own goroutine
// and talks to the rest of the struct only through the mutex.
type Supervisor struct {
	sessionID string
	driver    Driver
	cfg       Config
	emit      EmitFunc

	mu                  sync.Mutex
	status              types.EEStatus
	id                  string
	handle              any
	restartCount        int
	lastHealthCheck     *time.Time
	lastError           *types.EELastError
	consecutiveFailures int
	stopHealthLoop      context.CancelFunc
	restartBackoff      backoff.BackOff
}

// New constructs a Supervisor in the inactive state. The EE is not created
// until EnsureReady is first called (lazy start, spec.md §4.3).
func New(sessionID string, driver Driver, cfg Config, emit EmitFunc) *Supervisor {
	return &Supervisor{
		sessionID:      sessionID,
		driver:         driver,
		cfg:            cfg,
		emit:           emit,
		status:         types.EEInactive,
		restartBackoff: newRestartBackoff(),
	}
}

// newRestartBackoff bounds the wait between consecutive restarts of the
// same EE so a persistently failing substrate doesn't spin-loop.
func newRestartBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// State returns a snapshot of the EE's supervisor-visible status.
func (s *Supervisor) State() types.ExecutionEnvironmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ExecutionEnvironmentState{
		Status:          s.status,
		ID:              s.id,
		LastHealthCheck: s.lastHealthCheck,
		RestartCount:    s.restartCount,
		LastError:       s.lastError,
	}
}

// EnsureReady brings the EE to ready if it is not already, then spawns and
// returns a fresh Runner bound to it. From error it restarts (bounded by
// MaxRestarts); from terminated it creates a brand new EE, matching "a new
// EE is created" on post-terminal use (spec.md invariant 7).
func (s *Supervisor) EnsureReady(ctx context.Context, resumeID string) (runner.Runner, error) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	switch status {
	case types.EEReady:
		return s.spawnRunner()
	case types.EEErrorState:
		return s.restart(ctx, resumeID)
	case types.EEInactive, types.EETerminated:
		return s.create(ctx, resumeID)
	default:
		return nil, hosterr.New(hosterr.EEUnavailable, "execution environment is mid-transition")
	}
}

func (s *Supervisor) create(ctx context.Context, resumeID string) (runner.Runner, error) {
	s.mu.Lock()
	s.status = types.EEStarting
	s.mu.Unlock()
	s.emitStatus(types.EventEECreating, "")

	handle, err := s.driver.Create(ctx, resumeID)
	if err != nil {
		s.mu.Lock()
		s.status = types.EEErrorState
		s.mu.Unlock()
		s.recordError(err)
		s.emitStatus(types.EventEEError, err.Error())
		return nil, hosterr.Wrap(hosterr.EEUnavailable, "creating execution environment", err)
	}

	s.mu.Lock()
	s.handle = handle
	s.id = uuid.NewString()
	s.status = types.EEReady
	s.consecutiveFailures = 0
	id := s.id
	s.mu.Unlock()

	s.emitStatus(types.EventEEReady, "")
	s.startHealthLoop()
	log.Info().Str("sessionId", s.sessionID).Str("eeId", id).Msg("execution environment ready")

	return s.spawnRunner()
}

// restart consumes one unit of restart budget and re-creates the EE. On
// exhaustion the query fails with EEUnavailable (spec.md §4.3).
func (s *Supervisor) restart(ctx context.Context, resumeID string) (runner.Runner, error) {
	s.mu.Lock()
	if s.restartCount >= s.cfg.MaxRestarts {
		s.mu.Unlock()
		return nil, hosterr.New(hosterr.EEUnavailable, "execution environment restart budget exhausted")
	}
	s.restartCount++
	wait := s.restartBackoff.NextBackOff()
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, hosterr.Wrap(hosterr.Canceled, "restart wait canceled", ctx.Err())
		}
	}

	r, err := s.create(ctx, resumeID)
	if err == nil {
		s.mu.Lock()
		s.restartBackoff.Reset()
		s.mu.Unlock()
	}
	return r, err
}

func (s *Supervisor) spawnRunner() (runner.Runner, error) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return nil, hosterr.New(hosterr.EEUnavailable, "execution environment has no handle")
	}
	return s.driver.SpawnRunner(handle)
}

// Terminate tears down the EE. Idempotent (spec.md §4.3).
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.status == types.EETerminated || s.status == types.EEInactive {
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	if s.stopHealthLoop != nil {
		s.stopHealthLoop()
		s.stopHealthLoop = nil
	}
	s.mu.Unlock()

	var err error
	if handle != nil {
		err = s.driver.Terminate(ctx, handle)
	}

	s.mu.Lock()
	s.status = types.EETerminated
	s.handle = nil
	s.mu.Unlock()

	s.emitStatus(types.EventEETerminated, "")
	if err != nil {
		return hosterr.Wrap(hosterr.EEUnavailable, "terminating execution environment", err)
	}
	return nil
}

// startHealthLoop begins the periodic health probe. A HealthCheckInterval
// of zero disables health checking entirely (spec.md §6.4).
func (s *Supervisor) startHealthLoop() {
	if s.cfg.HealthCheckInterval <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.stopHealthLoop = cancel
	s.mu.Unlock()

	go s.healthLoop(loopCtx)
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Supervisor) probe(ctx context.Context) {
	s.mu.Lock()
	handle := s.handle
	status := s.status
	s.mu.Unlock()
	if status != types.EEReady || handle == nil {
		return
	}

	now := time.Now()
	err := s.driver.HealthCheck(ctx, handle)

	s.mu.Lock()
	s.lastHealthCheck = &now
	if err != nil {
		s.consecutiveFailures++
	} else {
		s.consecutiveFailures = 0
	}
	becameUnhealthy := err != nil && s.consecutiveFailures >= consecutiveHealthFailuresToError && s.status == types.EEReady
	if becameUnhealthy {
		s.status = types.EEErrorState
	}
	s.mu.Unlock()

	if err != nil {
		log.Warn().Str("sessionId", s.sessionID).Err(err).Int("consecutiveFailures", s.consecutiveFailures).Msg("execution environment health check failed")
	}
	if becameUnhealthy {
		s.recordError(err)
		s.emitStatus(types.EventEEError, err.Error())
	}
}

func (s *Supervisor) recordError(err error) {
	s.mu.Lock()
	s.lastError = &types.EELastError{
		Message:   err.Error(),
		Code:      string(hosterr.CodeOf(err)),
		Timestamp: time.Now(),
	}
	s.mu.Unlock()
}

func (s *Supervisor) emitStatus(evType types.EventType, statusMessage string) {
	if s.emit == nil {
		return
	}
	s.mu.Lock()
	id := s.id
	s.mu.Unlock()
	s.emit(types.SessionEvent{
		Type: evType,
		Payload: types.EEStatusPayload{
			EEID:          id,
			StatusMessage: statusMessage,
		},
		Context: types.EventContext{
			SessionID:   s.sessionID,
			Source:      types.SourceSupervisor,
			TimestampMs: time.Now().UnixMilli(),
		},
	})
}

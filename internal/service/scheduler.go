package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/model"
	"github.com/turnwarden/turnwarden/internal/repository"
)

// DeadlineHandler receives edge-triggered deadline events from the tick
// loop. The turn orchestrator implements it.
type DeadlineHandler interface {
	HandleDeadline(sessionID string)
}

// Scheduler drives the countdown across all sessions from a single tick
// loop. Sessions whose lock is held mid-advance are skipped for the tick and
// re-evaluated on the next one; deadline events fire exactly once per
// zero-crossing.
type Scheduler struct {
	timerRepo   repository.TimerStateRepository
	sessionRepo repository.SessionRepository
	locks       *SessionLocks
	notifier    Notifier
	handler     DeadlineHandler

	interval  time.Duration
	lowTime   time.Duration
	opTimeout time.Duration

	// fired tracks sessions whose current zero-crossing has already been
	// dispatched; cleared whenever the timer climbs back above zero.
	firedMu sync.Mutex
	fired   map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(
	timerRepo repository.TimerStateRepository,
	sessionRepo repository.SessionRepository,
	locks *SessionLocks,
	notifier Notifier,
	handler DeadlineHandler,
	interval time.Duration,
	lowTime time.Duration,
) *Scheduler {
	return &Scheduler{
		timerRepo:   timerRepo,
		sessionRepo: sessionRepo,
		locks:       locks,
		notifier:    notifier,
		handler:     handler,
		interval:    interval,
		lowTime:     lowTime,
		opTimeout:   30 * time.Second,
		fired:       make(map[string]bool),
		done:        make(chan struct{}),
	}
}

// SetHandler wires the deadline consumer in after construction. The
// orchestrator needs the scheduler and the scheduler needs the orchestrator,
// so one side is attached late. Must be called before Start.
func (s *Scheduler) SetHandler(handler DeadlineHandler) {
	s.handler = handler
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	log.Info().Dur("interval", s.interval).Msg("timer scheduler started")
}

func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
	log.Info().Msg("timer scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()

	states, err := s.timerRepo.ListRunning(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: list running timers")
		return
	}

	for _, state := range states {
		s.tickSession(ctx, state.SessionID)
	}
}

func (s *Scheduler) tickSession(ctx context.Context, sessionID string) {
	unlock, ok := s.locks.TryLock(sessionID)
	if !ok {
		// Mid-advance; the next tick picks it up again.
		return
	}

	crossed, err := s.advanceClock(ctx, sessionID, time.Now())
	unlock()
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("scheduler: tick")
		return
	}

	if crossed {
		s.dispatchDeadline(sessionID)
	}
}

// advanceClock accounts wall-clock time elapsed since lastTick against the
// session's countdown. Callers hold the session lock. The returned bool
// reports a fresh zero-crossing that the caller must dispatch.
func (s *Scheduler) advanceClock(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	state, err := s.timerRepo.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if state == nil || !state.Running {
		return false, nil
	}

	elapsed := int64(now.Sub(state.LastTick) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	remaining := state.RemainingSeconds - elapsed
	if remaining < 0 {
		remaining = 0
	}

	lowWarned := state.LowTimeWarned
	lowTimeSecs := int64(s.lowTime / time.Second)
	if !lowWarned && lowTimeSecs > 0 && remaining > 0 && remaining <= lowTimeSecs {
		lowWarned = true
		s.publish(ctx, model.Notification{
			Type:             model.NotifyLowTime,
			SessionID:        sessionID,
			RemainingSeconds: remaining,
			Message:          "turn deadline approaching",
			OccurredAt:       now,
		})
	}

	if err := s.timerRepo.UpdateCountdown(ctx, sessionID, remaining, now, lowWarned); err != nil {
		return false, err
	}

	return remaining == 0 && s.markFired(sessionID), nil
}

// markFired returns true only the first time a session's current crossing
// is observed.
func (s *Scheduler) markFired(sessionID string) bool {
	s.firedMu.Lock()
	defer s.firedMu.Unlock()
	if s.fired[sessionID] {
		return false
	}
	s.fired[sessionID] = true
	return true
}

func (s *Scheduler) clearFired(sessionID string) {
	s.firedMu.Lock()
	defer s.firedMu.Unlock()
	delete(s.fired, sessionID)
}

// dispatchDeadline hands the deadline event to the orchestrator outside the
// tick's own lock scope; a slow advance never delays other sessions' ticks.
func (s *Scheduler) dispatchDeadline(sessionID string) {
	log.Info().Str("sessionId", sessionID).Msg("deadline reached")
	go s.handler.HandleDeadline(sessionID)
}

// Pause freezes the countdown after accounting time elapsed so far.
func (s *Scheduler) Pause(ctx context.Context, sessionID string) (*model.TimerState, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	now := time.Now()
	if _, err := s.advanceClock(ctx, sessionID, now); err != nil {
		return nil, apperrors.Database(err)
	}

	state, err := s.getState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := s.timerRepo.SetRunning(ctx, sessionID, false, &now); err != nil {
		return nil, apperrors.Database(err)
	}

	state.Running = false
	state.PausedAt = &now
	log.Info().Str("sessionId", sessionID).Int64("remaining", state.RemainingSeconds).Msg("timer paused")
	return state, nil
}

// Resume restarts a frozen countdown. The span spent paused is never
// credited against the clock: lastTick moves to now.
func (s *Scheduler) Resume(ctx context.Context, sessionID string) (*model.TimerState, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	state, err := s.getState(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := s.timerRepo.SetRunning(ctx, sessionID, true, nil); err != nil {
		return nil, apperrors.Database(err)
	}

	state.Running = true
	state.PausedAt = nil
	log.Info().Str("sessionId", sessionID).Int64("remaining", state.RemainingSeconds).Msg("timer resumed")
	return state, nil
}

// Extend adjusts the countdown by a signed delta, clamping at zero.
func (s *Scheduler) Extend(ctx context.Context, sessionID string, delta time.Duration) (*model.TimerState, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	return s.extendLocked(ctx, sessionID, delta)
}

// extendLocked is Extend for callers already inside the session lock.
func (s *Scheduler) extendLocked(ctx context.Context, sessionID string, delta time.Duration) (*model.TimerState, error) {
	state, err := s.extendWith(ctx, s.timerRepo, sessionID, delta, time.Now())
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok {
			return nil, appErr
		}
		return nil, apperrors.Database(err)
	}

	s.noteExtended(ctx, sessionID, delta, state)
	return state, nil
}

// extendWith applies a signed delta through repo, which may be bound to a
// transaction, after accounting time elapsed on a running countdown. Callers
// hold the session lock and call noteExtended once the write is committed.
func (s *Scheduler) extendWith(ctx context.Context, repo repository.TimerStateRepository, sessionID string, delta time.Duration, now time.Time) (*model.TimerState, error) {
	state, err := repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, apperrors.NotFound("timer state")
	}

	remaining := state.RemainingSeconds
	if state.Running {
		if elapsed := int64(now.Sub(state.LastTick) / time.Second); elapsed > 0 {
			remaining -= elapsed
		}
		if remaining < 0 {
			remaining = 0
		}
	}
	remaining += int64(delta / time.Second)
	if remaining < 0 {
		remaining = 0
	}

	lowWarned := state.LowTimeWarned && remaining <= int64(s.lowTime/time.Second)
	if err := repo.UpdateCountdown(ctx, sessionID, remaining, now, lowWarned); err != nil {
		return nil, err
	}

	state.RemainingSeconds = remaining
	state.LastTick = now
	state.LowTimeWarned = lowWarned
	return state, nil
}

// noteExtended clears the deadline edge and announces the new remaining time.
// Runs after the countdown write is committed, never inside a transaction.
func (s *Scheduler) noteExtended(ctx context.Context, sessionID string, delta time.Duration, state *model.TimerState) {
	if state.RemainingSeconds > 0 {
		s.clearFired(sessionID)
	}

	s.publish(ctx, model.Notification{
		Type:             model.NotifyTimerExtended,
		SessionID:        sessionID,
		RemainingSeconds: state.RemainingSeconds,
		OccurredAt:       state.LastTick,
	})

	log.Info().
		Str("sessionId", sessionID).
		Dur("delta", delta).
		Int64("remaining", state.RemainingSeconds).
		Msg("timer extended")
}

// SetDefault changes the duration applied at each turn reset; the running
// countdown is untouched.
func (s *Scheduler) SetDefault(ctx context.Context, sessionID string, d time.Duration) error {
	if d <= 0 {
		return apperrors.InvalidInput("duration", "must be positive")
	}

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if err := s.sessionRepo.UpdateDefaultTurnSeconds(ctx, sessionID, int64(d/time.Second)); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// resetForTurnLocked restores the countdown for a fresh turn and clears the
// deadline edge. Rollback calls it after restoring a snapshot, inside the
// lock; a completed advance resets through the transaction in
// completeAdvance instead.
func (s *Scheduler) resetForTurnLocked(ctx context.Context, sessionID string, d time.Duration, now time.Time) error {
	if err := s.timerRepo.ResetForTurn(ctx, sessionID, int64(d/time.Second), now); err != nil {
		return err
	}
	s.clearFired(sessionID)
	return nil
}

// RecoverOnStartup reconstructs countdowns after a server restart, crediting
// only real time elapsed since each timer's last persisted tick and only for
// timers that were running. A timer already at zero is marked fired so the
// restart does not duplicate a deadline event for an advance whose outcome
// is recorded in the turn log.
func (s *Scheduler) RecoverOnStartup(ctx context.Context) error {
	states, err := s.timerRepo.ListRunning(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, state := range states {
		if state.RemainingSeconds == 0 {
			s.markFired(state.SessionID)
			continue
		}

		unlock := s.locks.Lock(state.SessionID)
		crossed, err := s.advanceClock(ctx, state.SessionID, now)
		unlock()
		if err != nil {
			log.Error().Err(err).Str("sessionId", state.SessionID).Msg("scheduler: recover timer")
			continue
		}

		log.Info().
			Str("sessionId", state.SessionID).
			Bool("deadlineDuringDowntime", crossed).
			Msg("timer reconstructed after restart")

		if crossed {
			s.dispatchDeadline(state.SessionID)
		}
	}
	return nil
}

func (s *Scheduler) GetState(ctx context.Context, sessionID string) (*model.TimerState, error) {
	return s.getState(ctx, sessionID)
}

func (s *Scheduler) getState(ctx context.Context, sessionID string) (*model.TimerState, error) {
	state, err := s.timerRepo.Get(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if state == nil {
		return nil, apperrors.NotFound("timer state")
	}
	return state, nil
}

func (s *Scheduler) publish(ctx context.Context, notification model.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, notification); err != nil {
		log.Error().Err(err).Str("sessionId", notification.SessionID).Msg("scheduler: publish notification")
	}
}

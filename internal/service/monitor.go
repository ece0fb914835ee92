package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turnwarden/turnwarden/internal/model"
	"github.com/turnwarden/turnwarden/internal/process"
	"github.com/turnwarden/turnwarden/internal/repository"
)

// ExternalAdvanceHandler is notified when the engine rolls a turn on its
// own, before any deadline fired. The orchestrator implements it.
type ExternalAdvanceHandler interface {
	HandleExternalAdvance(sessionID string, observedTurn int64)
}

// Monitor polls every attached engine process: liveness, lobby-to-playing
// detection, and turn counters that moved without the orchestrator's
// involvement.
type Monitor struct {
	sessionRepo repository.SessionRepository
	timerRepo   repository.TimerStateRepository
	turnRepo    repository.TurnRecordRepository
	registry    *process.Registry
	locks       *SessionLocks
	lifecycle   *LifecycleService
	notifier    Notifier
	advances    ExternalAdvanceHandler

	interval           time.Duration
	defaultTurnSeconds int64
	opTimeout          time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(
	sessionRepo repository.SessionRepository,
	timerRepo repository.TimerStateRepository,
	turnRepo repository.TurnRecordRepository,
	registry *process.Registry,
	locks *SessionLocks,
	lifecycle *LifecycleService,
	notifier Notifier,
	advances ExternalAdvanceHandler,
	interval time.Duration,
	defaultTurnSeconds int64,
) *Monitor {
	return &Monitor{
		sessionRepo:        sessionRepo,
		timerRepo:          timerRepo,
		turnRepo:           turnRepo,
		registry:           registry,
		locks:              locks,
		lifecycle:          lifecycle,
		notifier:           notifier,
		advances:           advances,
		interval:           interval,
		defaultTurnSeconds: defaultTurnSeconds,
		opTimeout:          60 * time.Second,
		done:               make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	log.Info().Dur("interval", m.interval).Msg("process monitor started")
}

func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
	log.Info().Msg("process monitor stopped")
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	sessions, err := m.sessionRepo.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("monitor: list active sessions")
		return
	}

	for _, session := range sessions {
		if !session.ProcessRunning {
			continue
		}
		m.pollSession(ctx, session)
	}
}

func (m *Monitor) pollSession(ctx context.Context, session model.Session) {
	handle, ok := m.registry.Get(session.ID)
	if !ok || !handle.Alive(ctx) {
		m.handleDeath(ctx, session, handle)
		return
	}

	status, err := handle.Status(ctx)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("monitor: status probe")
		return
	}
	if status.Turn < 0 {
		// Engine up but no status written yet.
		return
	}

	switch session.Phase {
	case model.PhaseLobby:
		if status.Turn >= 1 {
			m.handleGameStarted(ctx, session, status)
		}
	case model.PhasePlaying:
		m.checkExternalAdvance(ctx, session, status)
	}
}

// handleDeath records a vanished engine process: the countdown freezes so
// players lose no turn time to the outage, and the session stays otherwise
// intact for a relaunch.
func (m *Monitor) handleDeath(ctx context.Context, session model.Session, handle process.Handle) {
	unlock := m.locks.Lock(session.ID)
	defer unlock()

	// Re-read under the lock; an operator may have stopped it deliberately.
	current, err := m.sessionRepo.FindByID(ctx, session.ID)
	if err != nil || current == nil || !current.ProcessRunning {
		return
	}

	detail := ""
	if handle != nil {
		detail = handle.ErrorTail()
		m.registry.Detach(session.ID)
	}

	if err := m.sessionRepo.UpdateProcess(ctx, session.ID, nil, false); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("monitor: clear process")
		return
	}

	now := time.Now()
	if err := m.timerRepo.SetRunning(ctx, session.ID, false, &now); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("monitor: pause timer")
	}

	log.Error().
		Str("sessionId", session.ID).
		Str("sessionName", session.Name).
		Str("detail", detail).
		Msg("engine process died")

	m.publish(ctx, model.Notification{
		Type:        model.NotifyProcessDied,
		SessionID:   session.ID,
		SessionName: session.Name,
		Message:     detail,
		OccurredAt:  now,
	})
}

// handleGameStarted flips a lobby to playing once the engine reports turn 1
// generated, and arms the first countdown.
func (m *Monitor) handleGameStarted(ctx context.Context, session model.Session, status *process.Status) {
	unlock := m.locks.Lock(session.ID)
	defer unlock()

	current, err := m.sessionRepo.FindByID(ctx, session.ID)
	if err != nil || current == nil || current.Phase != model.PhaseLobby {
		return
	}

	if _, err := m.lifecycle.transitionLocked(ctx, current.ID, model.EventStartPlay); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("monitor: start play")
		return
	}

	now := time.Now()
	if err := m.timerRepo.ResetForTurn(ctx, session.ID, current.DefaultTurnSeconds, now); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("monitor: arm first countdown")
		return
	}

	deadline := now.Add(time.Duration(current.DefaultTurnSeconds) * time.Second)
	log.Info().
		Str("sessionId", session.ID).
		Str("sessionName", session.Name).
		Int64("turn", status.Turn).
		Msg("game started")

	m.publish(ctx, model.Notification{
		Type:             model.NotifyGameStarted,
		SessionID:        session.ID,
		SessionName:      session.Name,
		TurnNumber:       status.Turn,
		RemainingSeconds: current.DefaultTurnSeconds,
		NextDeadline:     &deadline,
		OccurredAt:       now,
	})
}

// checkExternalAdvance compares the engine's own turn counter against the
// latest turn record. A higher counter means the engine rolled the turn
// itself, typically because every player submitted early.
func (m *Monitor) checkExternalAdvance(ctx context.Context, session model.Session, status *process.Status) {
	latest, err := m.turnRepo.Latest(ctx, session.ID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("monitor: latest turn record")
		return
	}

	// With no records yet the engine legitimately sits at turn 1; the first
	// record is only written when turn 1 closes.
	recorded := int64(1)
	if latest != nil {
		if !latest.Phase.Resolved() {
			// An advance is mid-protocol; the counter moving is the
			// orchestrator's own doing, not an external host.
			return
		}
		recorded = latest.TurnNumber
	}

	if status.Turn <= recorded {
		return
	}

	log.Info().
		Str("sessionId", session.ID).
		Int64("engineTurn", status.Turn).
		Int64("recordedTurn", recorded).
		Msg("engine advanced turn on its own")

	go m.advances.HandleExternalAdvance(session.ID, status.Turn)
}

func (m *Monitor) publish(ctx context.Context, notification model.Notification) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Publish(ctx, notification); err != nil {
		log.Error().Err(err).Str("sessionId", notification.SessionID).Msg("monitor: publish notification")
	}
}

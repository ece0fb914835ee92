package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/model"
	"github.com/turnwarden/turnwarden/internal/repository"
)

// transitionTable fixes which lifecycle events are legal in which phase and
// what phase they lead to. Anything absent is rejected with
// InvalidStateTransition; flags are never silently reordered.
//
// launch appears twice because launching the engine does not change the
// lifecycle: a lobby stays a lobby, and a crashed playing session may be
// relaunched.
var transitionTable = map[model.LifecyclePhase]map[model.LifecycleEvent]model.LifecyclePhase{
	model.PhaseLobby: {
		model.EventLaunch:      model.PhaseLobby,
		model.EventStartPlay:   model.PhasePlaying,
		model.EventDeleteLobby: model.PhaseDeleted,
	},
	model.PhasePlaying: {
		model.EventLaunch:       model.PhasePlaying,
		model.EventEndGame:      model.PhaseEnded,
		model.EventResetStarted: model.PhaseLobby,
	},
	model.PhaseEnded: {
		model.EventDeleteLobby: model.PhaseDeleted,
	},
	model.PhaseDeleted: {},
}

// LifecycleService is the session state machine. It owns Session rows; all
// phase mutations go through Transition.
type LifecycleService struct {
	sessionRepo repository.SessionRepository
	timerRepo   repository.TimerStateRepository
	locks       *SessionLocks
}

func NewLifecycleService(
	sessionRepo repository.SessionRepository,
	timerRepo repository.TimerStateRepository,
	locks *SessionLocks,
) *LifecycleService {
	return &LifecycleService{
		sessionRepo: sessionRepo,
		timerRepo:   timerRepo,
		locks:       locks,
	}
}

// Create registers a new session in the lobby phase with a stopped timer at
// the default turn duration.
func (s *LifecycleService) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	if params.Name == "" {
		return nil, apperrors.MissingRequired("name")
	}
	if params.EnginePort <= 0 || params.EnginePort > 65535 {
		return nil, apperrors.InvalidInput("enginePort", "must be between 1 and 65535")
	}
	if params.DefaultTurnSeconds <= 0 {
		return nil, apperrors.InvalidInput("defaultTurnSeconds", "must be positive")
	}

	existing, err := s.sessionRepo.FindByName(ctx, params.Name)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing != nil {
		return nil, apperrors.AlreadyExists(fmt.Sprintf("session %q", params.Name))
	}

	session, err := s.sessionRepo.Create(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if _, err := s.timerRepo.Create(ctx, session.ID, params.DefaultTurnSeconds, false); err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("name", session.Name).
		Msg("session created")

	return session, nil
}

// Transition applies a lifecycle event under the session lock.
func (s *LifecycleService) Transition(ctx context.Context, sessionID string, event model.LifecycleEvent) (*model.Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	return s.transitionLocked(ctx, sessionID, event)
}

// transitionLocked is Transition without acquiring the session lock; the
// orchestrator calls it while already inside the exclusivity region.
func (s *LifecycleService) transitionLocked(ctx context.Context, sessionID string, event model.LifecycleEvent) (*model.Session, error) {
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("session")
	}

	next, ok := transitionTable[session.Phase][event]
	if !ok {
		return nil, apperrors.InvalidStateTransition(string(session.Phase), string(event))
	}

	if next != session.Phase {
		if err := s.sessionRepo.UpdatePhase(ctx, sessionID, next); err != nil {
			return nil, apperrors.Database(err)
		}
	}

	if event == model.EventResetStarted {
		// Privileged escape hatch for operator recovery; audited apart
		// from normal transitions.
		log.Warn().
			Str("sessionId", sessionID).
			Str("from", string(session.Phase)).
			Str("to", string(next)).
			Msg("resetStarted applied: session forced back to lobby")
	} else {
		log.Info().
			Str("sessionId", sessionID).
			Str("event", string(event)).
			Str("from", string(session.Phase)).
			Str("to", string(next)).
			Msg("lifecycle transition")
	}

	session.Phase = next
	return session, nil
}

func (s *LifecycleService) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("session")
	}
	return session, nil
}

func (s *LifecycleService) ListActive(ctx context.Context) ([]model.Session, error) {
	sessions, err := s.sessionRepo.ListActive(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return sessions, nil
}

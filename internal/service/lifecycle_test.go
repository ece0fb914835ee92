package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/model"
)

func newLifecycleFixture() (*LifecycleService, *mockSessionRepo, *mockTimerRepo) {
	sessionRepo := new(mockSessionRepo)
	timerRepo := new(mockTimerRepo)
	svc := NewLifecycleService(sessionRepo, timerRepo, NewSessionLocks())
	return svc, sessionRepo, timerRepo
}

func TestLifecycleService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("creates session with stopped timer", func(t *testing.T) {
		svc, sessionRepo, timerRepo := newLifecycleFixture()

		params := model.CreateSessionParams{
			Name:               "midnight-war",
			EnginePort:         6500,
			DefaultTurnSeconds: 86400,
		}
		created := &model.Session{
			ID:                 "sess-1",
			Name:               "midnight-war",
			Phase:              model.PhaseLobby,
			EnginePort:         6500,
			DefaultTurnSeconds: 86400,
		}

		sessionRepo.On("FindByName", ctx, "midnight-war").Return(nil, nil)
		sessionRepo.On("Create", ctx, params).Return(created, nil)
		timerRepo.On("Create", ctx, "sess-1", int64(86400), false).
			Return(&model.TimerState{SessionID: "sess-1", RemainingSeconds: 86400}, nil)

		session, err := svc.Create(ctx, params)

		assert.NoError(t, err)
		assert.Equal(t, model.PhaseLobby, session.Phase)
		assert.False(t, session.Flags().Started)
		sessionRepo.AssertExpectations(t)
		timerRepo.AssertExpectations(t)
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		svc, sessionRepo, _ := newLifecycleFixture()

		sessionRepo.On("FindByName", ctx, "midnight-war").
			Return(&model.Session{ID: "sess-1", Name: "midnight-war"}, nil)

		session, err := svc.Create(ctx, model.CreateSessionParams{
			Name:               "midnight-war",
			EnginePort:         6500,
			DefaultTurnSeconds: 86400,
		})

		assert.Nil(t, session)
		assert.Equal(t, apperrors.ErrCodeAlreadyExists, apperrors.GetCode(err))
	})

	t.Run("rejects missing name", func(t *testing.T) {
		svc, _, _ := newLifecycleFixture()

		_, err := svc.Create(ctx, model.CreateSessionParams{
			EnginePort:         6500,
			DefaultTurnSeconds: 86400,
		})

		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})

	t.Run("rejects non-positive turn duration", func(t *testing.T) {
		svc, _, _ := newLifecycleFixture()

		_, err := svc.Create(ctx, model.CreateSessionParams{
			Name:               "midnight-war",
			EnginePort:         6500,
			DefaultTurnSeconds: 0,
		})

		assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetCode(err))
	})
}

func TestLifecycleService_Transition(t *testing.T) {
	ctx := context.Background()

	legal := []struct {
		name  string
		from  model.LifecyclePhase
		event model.LifecycleEvent
		to    model.LifecyclePhase
	}{
		{"lobby launch stays lobby", model.PhaseLobby, model.EventLaunch, model.PhaseLobby},
		{"lobby startPlay", model.PhaseLobby, model.EventStartPlay, model.PhasePlaying},
		{"lobby deleteLobby", model.PhaseLobby, model.EventDeleteLobby, model.PhaseDeleted},
		{"playing relaunch stays playing", model.PhasePlaying, model.EventLaunch, model.PhasePlaying},
		{"playing endGame", model.PhasePlaying, model.EventEndGame, model.PhaseEnded},
		{"playing resetStarted back to lobby", model.PhasePlaying, model.EventResetStarted, model.PhaseLobby},
		{"ended deleteLobby", model.PhaseEnded, model.EventDeleteLobby, model.PhaseDeleted},
	}

	for _, tc := range legal {
		t.Run(tc.name, func(t *testing.T) {
			svc, sessionRepo, _ := newLifecycleFixture()

			sessionRepo.On("FindByID", ctx, "sess-1").
				Return(&model.Session{ID: "sess-1", Phase: tc.from}, nil)
			if tc.to != tc.from {
				sessionRepo.On("UpdatePhase", ctx, "sess-1", tc.to).Return(nil)
			}

			session, err := svc.Transition(ctx, "sess-1", tc.event)

			assert.NoError(t, err)
			assert.Equal(t, tc.to, session.Phase)
			sessionRepo.AssertExpectations(t)
		})
	}

	illegal := []struct {
		name  string
		from  model.LifecyclePhase
		event model.LifecycleEvent
	}{
		{"cannot start an ended game", model.PhaseEnded, model.EventStartPlay},
		{"cannot delete mid-game", model.PhasePlaying, model.EventDeleteLobby},
		{"cannot end a lobby", model.PhaseLobby, model.EventEndGame},
		{"deleted accepts nothing", model.PhaseDeleted, model.EventLaunch},
		{"cannot resetStarted a lobby", model.PhaseLobby, model.EventResetStarted},
	}

	for _, tc := range illegal {
		t.Run(tc.name, func(t *testing.T) {
			svc, sessionRepo, _ := newLifecycleFixture()

			sessionRepo.On("FindByID", ctx, "sess-1").
				Return(&model.Session{ID: "sess-1", Phase: tc.from}, nil)

			session, err := svc.Transition(ctx, "sess-1", tc.event)

			assert.Nil(t, session)
			assert.Equal(t, apperrors.ErrCodeInvalidStateTransition, apperrors.GetCode(err))
			sessionRepo.AssertNotCalled(t, "UpdatePhase", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("unknown session", func(t *testing.T) {
		svc, sessionRepo, _ := newLifecycleFixture()

		sessionRepo.On("FindByID", ctx, "sess-missing").Return(nil, nil)

		_, err := svc.Transition(ctx, "sess-missing", model.EventLaunch)

		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})
}

func TestSessionFlags_DerivedFromPhase(t *testing.T) {
	tests := []struct {
		phase   model.LifecyclePhase
		active  bool
		started bool
		ended   bool
	}{
		{model.PhaseLobby, true, false, false},
		{model.PhasePlaying, true, true, false},
		{model.PhaseEnded, true, true, true},
		{model.PhaseDeleted, false, true, true},
	}

	for _, tc := range tests {
		t.Run(string(tc.phase), func(t *testing.T) {
			s := &model.Session{Phase: tc.phase}
			flags := s.Flags()
			assert.Equal(t, tc.active, flags.Active)
			assert.Equal(t, tc.started, flags.Started)
			assert.Equal(t, tc.ended, flags.Ended)
		})
	}
}

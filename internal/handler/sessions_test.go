package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/turnwarden/turnwarden/internal/model"
	"github.com/turnwarden/turnwarden/internal/repository"
	"github.com/turnwarden/turnwarden/internal/service"
)

// Mock repositories

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) FindByName(ctx context.Context, name string) (*model.Session, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) ListActive(ctx context.Context) ([]model.Session, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Session), args.Error(1)
}

func (m *mockSessionRepo) ListByPhase(ctx context.Context, phase model.LifecyclePhase) ([]model.Session, error) {
	args := m.Called(ctx, phase)
	return args.Get(0).([]model.Session), args.Error(1)
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) UpdatePhase(ctx context.Context, id string, phase model.LifecyclePhase) error {
	args := m.Called(ctx, id, phase)
	return args.Error(0)
}

func (m *mockSessionRepo) UpdateProcess(ctx context.Context, id string, pid *int64, running bool) error {
	args := m.Called(ctx, id, pid, running)
	return args.Error(0)
}

func (m *mockSessionRepo) UpdateDefaultTurnSeconds(ctx context.Context, id string, seconds int64) error {
	args := m.Called(ctx, id, seconds)
	return args.Error(0)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return m
}

type mockTimerRepo struct {
	mock.Mock
}

func (m *mockTimerRepo) Get(ctx context.Context, sessionID string) (*model.TimerState, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TimerState), args.Error(1)
}

func (m *mockTimerRepo) ListRunning(ctx context.Context) ([]model.TimerState, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.TimerState), args.Error(1)
}

func (m *mockTimerRepo) Create(ctx context.Context, sessionID string, remainingSeconds int64, running bool) (*model.TimerState, error) {
	args := m.Called(ctx, sessionID, remainingSeconds, running)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TimerState), args.Error(1)
}

func (m *mockTimerRepo) UpdateCountdown(ctx context.Context, sessionID string, remainingSeconds int64, lastTick time.Time, lowWarned bool) error {
	args := m.Called(ctx, sessionID, remainingSeconds, lastTick, lowWarned)
	return args.Error(0)
}

func (m *mockTimerRepo) SetRunning(ctx context.Context, sessionID string, running bool, pausedAt *time.Time) error {
	args := m.Called(ctx, sessionID, running, pausedAt)
	return args.Error(0)
}

func (m *mockTimerRepo) ResetForTurn(ctx context.Context, sessionID string, remainingSeconds int64, now time.Time) error {
	args := m.Called(ctx, sessionID, remainingSeconds, now)
	return args.Error(0)
}

func (m *mockTimerRepo) WithTx(tx *sqlx.Tx) repository.TimerStateRepository {
	return m
}

type sessionHandlerFixture struct {
	sessionRepo *mockSessionRepo
	timerRepo   *mockTimerRepo
	router      chi.Router
}

func newSessionHandlerFixture(t *testing.T) *sessionHandlerFixture {
	t.Helper()

	sessionRepo := &mockSessionRepo{}
	timerRepo := &mockTimerRepo{}
	locks := service.NewSessionLocks()

	lifecycle := service.NewLifecycleService(sessionRepo, timerRepo, locks)
	scheduler := service.NewScheduler(timerRepo, sessionRepo, locks, nil, nil, time.Second, time.Hour)

	h := NewSessionHandler(lifecycle, nil, scheduler, nil, nil, nil)
	r := chi.NewRouter()
	r.Mount("/sessions", h.Routes())

	return &sessionHandlerFixture{
		sessionRepo: sessionRepo,
		timerRepo:   timerRepo,
		router:      r,
	}
}

func (f *sessionHandlerFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSessionHandler_Create(t *testing.T) {
	t.Run("creates a session", func(t *testing.T) {
		f := newSessionHandlerFixture(t)
		created := &model.Session{
			ID:                 "sess-1",
			Name:               "weekend-league",
			Phase:              model.PhaseLobby,
			EnginePort:         6500,
			DefaultTurnSeconds: 86400,
		}
		f.sessionRepo.On("FindByName", mock.Anything, "weekend-league").Return(nil, nil)
		f.sessionRepo.On("Create", mock.Anything, mock.Anything).Return(created, nil)
		f.timerRepo.On("Create", mock.Anything, "sess-1", int64(86400), false).
			Return(&model.TimerState{SessionID: "sess-1", RemainingSeconds: 86400}, nil)

		rec := f.do("POST", "/sessions", map[string]any{
			"name":               "weekend-league",
			"enginePort":         6500,
			"defaultTurnSeconds": 86400,
		})

		require.Equal(t, http.StatusCreated, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "sess-1", body["id"])
		assert.Equal(t, "lobby", body["phase"])
		assert.Equal(t, true, body["active"])
		assert.Equal(t, false, body["started"])
		f.sessionRepo.AssertExpectations(t)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		f := newSessionHandlerFixture(t)

		req := httptest.NewRequest("POST", "/sessions", bytes.NewBufferString("{nope"))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		f.sessionRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("rejects missing name", func(t *testing.T) {
		f := newSessionHandlerFixture(t)

		rec := f.do("POST", "/sessions", map[string]any{
			"enginePort":         6500,
			"defaultTurnSeconds": 86400,
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		f := newSessionHandlerFixture(t)
		f.sessionRepo.On("FindByName", mock.Anything, "weekend-league").
			Return(&model.Session{ID: "sess-1", Name: "weekend-league"}, nil)

		rec := f.do("POST", "/sessions", map[string]any{
			"name":               "weekend-league",
			"enginePort":         6500,
			"defaultTurnSeconds": 86400,
		})

		assert.Equal(t, http.StatusConflict, rec.Code)
		f.sessionRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})
}

func TestSessionHandler_Get(t *testing.T) {
	t.Run("returns session with derived flags", func(t *testing.T) {
		f := newSessionHandlerFixture(t)
		pid := int64(4242)
		f.sessionRepo.On("FindByID", mock.Anything, "sess-1").Return(&model.Session{
			ID:             "sess-1",
			Name:           "weekend-league",
			Phase:          model.PhasePlaying,
			ProcessPID:     &pid,
			ProcessRunning: true,
		}, nil)

		rec := f.do("GET", "/sessions/sess-1", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "playing", body["phase"])
		assert.Equal(t, true, body["started"])
		assert.Equal(t, false, body["ended"])
		assert.Equal(t, float64(4242), body["processPid"])
	})

	t.Run("returns 404 for unknown session", func(t *testing.T) {
		f := newSessionHandlerFixture(t)
		f.sessionRepo.On("FindByID", mock.Anything, "nope").Return(nil, nil)

		rec := f.do("GET", "/sessions/nope", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSessionHandler_Timer(t *testing.T) {
	t.Run("returns timer state", func(t *testing.T) {
		f := newSessionHandlerFixture(t)
		f.timerRepo.On("Get", mock.Anything, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 3600,
			Running:          true,
		}, nil)

		rec := f.do("GET", "/sessions/sess-1/timer", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, float64(3600), body["remainingSeconds"])
		assert.Equal(t, true, body["running"])
	})

	t.Run("returns 404 without timer state", func(t *testing.T) {
		f := newSessionHandlerFixture(t)
		f.timerRepo.On("Get", mock.Anything, "sess-1").Return(nil, nil)

		rec := f.do("GET", "/sessions/sess-1/timer", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rejects zero extension delta", func(t *testing.T) {
		f := newSessionHandlerFixture(t)

		rec := f.do("POST", "/sessions/sess-1/timer/extend", map[string]any{
			"deltaSeconds": 0,
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		f.timerRepo.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})
}

func TestSessionHandler_Rollback(t *testing.T) {
	t.Run("rejects non-positive turn", func(t *testing.T) {
		f := newSessionHandlerFixture(t)

		rec := f.do("POST", "/sessions/sess-1/rollback", map[string]any{
			"toTurn": 0,
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		f := newSessionHandlerFixture(t)

		req := httptest.NewRequest("POST", "/sessions/sess-1/rollback", bytes.NewBufferString("not json"))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

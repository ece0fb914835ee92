package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/model"
)

type fakeDeadlineHandler struct {
	ch chan string
}

func newFakeDeadlineHandler() *fakeDeadlineHandler {
	return &fakeDeadlineHandler{ch: make(chan string, 8)}
}

func (f *fakeDeadlineHandler) HandleDeadline(sessionID string) {
	f.ch <- sessionID
}

func (f *fakeDeadlineHandler) expectDispatch(t *testing.T, sessionID string) {
	t.Helper()
	select {
	case got := <-f.ch:
		assert.Equal(t, sessionID, got)
	case <-time.After(time.Second):
		t.Fatal("expected a deadline dispatch")
	}
}

func (f *fakeDeadlineHandler) expectNoDispatch(t *testing.T) {
	t.Helper()
	select {
	case got := <-f.ch:
		t.Fatalf("unexpected deadline dispatch for %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func newSchedulerFixture(handler DeadlineHandler) (*Scheduler, *mockTimerRepo, *mockSessionRepo, *fakeNotifier) {
	timerRepo := new(mockTimerRepo)
	sessionRepo := new(mockSessionRepo)
	notifier := &fakeNotifier{}
	sched := NewScheduler(timerRepo, sessionRepo, NewSessionLocks(), notifier, handler, time.Second, time.Hour)
	return sched, timerRepo, sessionRepo, notifier
}

func TestScheduler_AdvanceClock(t *testing.T) {
	ctx := context.Background()

	t.Run("decrements by elapsed wall time", func(t *testing.T) {
		sched, timerRepo, _, _ := newSchedulerFixture(newFakeDeadlineHandler())

		now := time.Now()
		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 7200,
			Running:          true,
			LastTick:         now.Add(-10 * time.Second),
		}, nil)
		timerRepo.On("UpdateCountdown", ctx, "sess-1", int64(7190), now, false).Return(nil)

		crossed, err := sched.advanceClock(ctx, "sess-1", now)

		assert.NoError(t, err)
		assert.False(t, crossed)
		timerRepo.AssertExpectations(t)
	})

	t.Run("paused timer is untouched", func(t *testing.T) {
		sched, timerRepo, _, _ := newSchedulerFixture(newFakeDeadlineHandler())

		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 7200,
			Running:          false,
			LastTick:         time.Now().Add(-time.Hour),
		}, nil)

		crossed, err := sched.advanceClock(ctx, "sess-1", time.Now())

		assert.NoError(t, err)
		assert.False(t, crossed)
		timerRepo.AssertNotCalled(t, "UpdateCountdown",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("zero crossing reported exactly once", func(t *testing.T) {
		sched, timerRepo, _, _ := newSchedulerFixture(newFakeDeadlineHandler())

		now := time.Now()
		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 5,
			Running:          true,
			LastTick:         now.Add(-30 * time.Second),
		}, nil)
		timerRepo.On("UpdateCountdown", ctx, "sess-1", int64(0), mock.Anything, false).Return(nil)

		crossed, err := sched.advanceClock(ctx, "sess-1", now)
		assert.NoError(t, err)
		assert.True(t, crossed)

		// The timer sits at zero while the advance runs; no second event.
		crossed, err = sched.advanceClock(ctx, "sess-1", now.Add(time.Second))
		assert.NoError(t, err)
		assert.False(t, crossed)
	})

	t.Run("low time warning fires once on threshold crossing", func(t *testing.T) {
		sched, timerRepo, _, notifier := newSchedulerFixture(newFakeDeadlineHandler())

		now := time.Now()
		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 3700,
			Running:          true,
			LastTick:         now.Add(-200 * time.Second),
		}, nil)
		timerRepo.On("UpdateCountdown", ctx, "sess-1", int64(3500), now, true).Return(nil)

		_, err := sched.advanceClock(ctx, "sess-1", now)

		assert.NoError(t, err)
		warnings := notifier.byType(model.NotifyLowTime)
		assert.Len(t, warnings, 1)
		assert.Equal(t, int64(3500), warnings[0].RemainingSeconds)
		timerRepo.AssertExpectations(t)
	})

	t.Run("already-warned timer stays quiet", func(t *testing.T) {
		sched, timerRepo, _, notifier := newSchedulerFixture(newFakeDeadlineHandler())

		now := time.Now()
		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 3000,
			Running:          true,
			LastTick:         now.Add(-10 * time.Second),
			LowTimeWarned:    true,
		}, nil)
		timerRepo.On("UpdateCountdown", ctx, "sess-1", int64(2990), now, true).Return(nil)

		_, err := sched.advanceClock(ctx, "sess-1", now)

		assert.NoError(t, err)
		assert.Empty(t, notifier.byType(model.NotifyLowTime))
	})
}

func TestScheduler_PauseResume(t *testing.T) {
	ctx := context.Background()

	t.Run("pause accounts elapsed time then freezes", func(t *testing.T) {
		sched, timerRepo, _, _ := newSchedulerFixture(newFakeDeadlineHandler())

		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 600,
			Running:          true,
			LastTick:         time.Now().Add(-5 * time.Second),
		}, nil)
		timerRepo.On("UpdateCountdown", ctx, "sess-1",
			mock.MatchedBy(func(r int64) bool { return r >= 594 && r <= 596 }),
			mock.Anything, false).Return(nil)
		timerRepo.On("SetRunning", ctx, "sess-1", false, mock.Anything).Return(nil)

		state, err := sched.Pause(ctx, "sess-1")

		assert.NoError(t, err)
		assert.False(t, state.Running)
		assert.NotNil(t, state.PausedAt)
		timerRepo.AssertExpectations(t)
	})

	t.Run("resume restarts without crediting paused span", func(t *testing.T) {
		sched, timerRepo, _, _ := newSchedulerFixture(newFakeDeadlineHandler())

		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 595,
			Running:          false,
			LastTick:         time.Now().Add(-2 * time.Hour),
		}, nil)
		timerRepo.On("SetRunning", ctx, "sess-1", true, (*time.Time)(nil)).Return(nil)

		state, err := sched.Resume(ctx, "sess-1")

		assert.NoError(t, err)
		assert.True(t, state.Running)
		assert.Equal(t, int64(595), state.RemainingSeconds)
		// No countdown update: the two paused hours cost nothing.
		timerRepo.AssertNotCalled(t, "UpdateCountdown",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("pause of unknown session", func(t *testing.T) {
		sched, timerRepo, _, _ := newSchedulerFixture(newFakeDeadlineHandler())

		timerRepo.On("Get", ctx, "sess-missing").Return(nil, nil)

		_, err := sched.Pause(ctx, "sess-missing")

		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})
}

func TestScheduler_Extend(t *testing.T) {
	ctx := context.Background()

	t.Run("positive delta pushes deadline out", func(t *testing.T) {
		sched, timerRepo, _, notifier := newSchedulerFixture(newFakeDeadlineHandler())

		now := time.Now()
		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 600,
			Running:          true,
			LastTick:         now,
		}, nil)
		timerRepo.On("UpdateCountdown", ctx, "sess-1", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		state, err := sched.Extend(ctx, "sess-1", 30*time.Minute)

		assert.NoError(t, err)
		assert.Equal(t, int64(2400), state.RemainingSeconds)
		assert.Len(t, notifier.byType(model.NotifyTimerExtended), 1)
	})

	t.Run("negative delta clamps at zero", func(t *testing.T) {
		sched, timerRepo, _, _ := newSchedulerFixture(newFakeDeadlineHandler())

		timerRepo.On("Get", ctx, "sess-1").Return(&model.TimerState{
			SessionID:        "sess-1",
			RemainingSeconds: 600,
			Running:          true,
			LastTick:         time.Now(),
		}, nil)
		timerRepo.On("UpdateCountdown", ctx, "sess-1", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		state, err := sched.Extend(ctx, "sess-1", -2*time.Hour)

		assert.NoError(t, err)
		assert.Equal(t, int64(0), state.RemainingSeconds)
	})
}

func TestScheduler_RecoverOnStartup(t *testing.T) {
	ctx := context.Background()

	t.Run("credits downtime and dispatches missed deadlines", func(t *testing.T) {
		handler := newFakeDeadlineHandler()
		sched, timerRepo, _, _ := newSchedulerFixture(handler)

		now := time.Now()
		timerRepo.On("ListRunning", ctx).Return([]model.TimerState{
			{SessionID: "sess-expired", RemainingSeconds: 50, Running: true, LastTick: now.Add(-10 * time.Minute)},
		}, nil)
		timerRepo.On("Get", ctx, "sess-expired").Return(&model.TimerState{
			SessionID:        "sess-expired",
			RemainingSeconds: 50,
			Running:          true,
			LastTick:         now.Add(-10 * time.Minute),
		}, nil)
		timerRepo.On("UpdateCountdown", ctx, "sess-expired", int64(0), mock.Anything, false).Return(nil)

		err := sched.RecoverOnStartup(ctx)

		assert.NoError(t, err)
		handler.expectDispatch(t, "sess-expired")
	})

	t.Run("timer already at zero is not re-dispatched", func(t *testing.T) {
		handler := newFakeDeadlineHandler()
		sched, timerRepo, _, _ := newSchedulerFixture(handler)

		timerRepo.On("ListRunning", ctx).Return([]model.TimerState{
			{SessionID: "sess-stuck", RemainingSeconds: 0, Running: true, LastTick: time.Now()},
		}, nil)

		err := sched.RecoverOnStartup(ctx)

		assert.NoError(t, err)
		handler.expectNoDispatch(t)
		timerRepo.AssertNotCalled(t, "UpdateCountdown",
			mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/turnwarden/turnwarden/internal/model"
)

type TimerStateRepository interface {
	Get(ctx context.Context, sessionID string) (*model.TimerState, error)
	ListRunning(ctx context.Context) ([]model.TimerState, error)
	Create(ctx context.Context, sessionID string, remainingSeconds int64, running bool) (*model.TimerState, error)
	// UpdateCountdown persists the scheduler's view after a tick or a
	// synchronous timer operation.
	UpdateCountdown(ctx context.Context, sessionID string, remainingSeconds int64, lastTick time.Time, lowWarned bool) error
	SetRunning(ctx context.Context, sessionID string, running bool, pausedAt *time.Time) error
	// ResetForTurn restores the countdown to the given value, marks the
	// timer running and clears the low-time warning edge.
	ResetForTurn(ctx context.Context, sessionID string, remainingSeconds int64, now time.Time) error
	WithTx(tx *sqlx.Tx) TimerStateRepository
}

type timerDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type timerRepo struct {
	db timerDB
}

func NewTimerStateRepository(db *sqlx.DB) TimerStateRepository {
	return &timerRepo{db: db}
}

func (r *timerRepo) WithTx(tx *sqlx.Tx) TimerStateRepository {
	return &timerRepo{db: tx}
}

func (r *timerRepo) Get(ctx context.Context, sessionID string) (*model.TimerState, error) {
	var state model.TimerState
	err := r.db.GetContext(ctx, &state, `
		SELECT * FROM timer_states WHERE session_id = $1
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *timerRepo) ListRunning(ctx context.Context) ([]model.TimerState, error) {
	var states []model.TimerState
	err := r.db.SelectContext(ctx, &states, `
		SELECT t.* FROM timer_states t
		JOIN sessions s ON s.id = t.session_id
		WHERE t.running = TRUE AND s.phase IN ('lobby', 'playing')
		ORDER BY t.session_id
	`)
	if err != nil {
		return nil, err
	}
	return states, nil
}

func (r *timerRepo) Create(ctx context.Context, sessionID string, remainingSeconds int64, running bool) (*model.TimerState, error) {
	var state model.TimerState
	err := r.db.GetContext(ctx, &state, `
		INSERT INTO timer_states (session_id, remaining_seconds, running, last_tick)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, sessionID, remainingSeconds, running, time.Now())
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *timerRepo) UpdateCountdown(ctx context.Context, sessionID string, remainingSeconds int64, lastTick time.Time, lowWarned bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE timer_states SET
			remaining_seconds = $2,
			last_tick = $3,
			low_time_warned = $4,
			updated_at = $3
		WHERE session_id = $1
	`, sessionID, remainingSeconds, lastTick, lowWarned)
	return err
}

func (r *timerRepo) SetRunning(ctx context.Context, sessionID string, running bool, pausedAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE timer_states SET
			running = $2,
			paused_at = $3,
			last_tick = $4,
			updated_at = $4
		WHERE session_id = $1
	`, sessionID, running, pausedAt, time.Now())
	return err
}

func (r *timerRepo) ResetForTurn(ctx context.Context, sessionID string, remainingSeconds int64, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE timer_states SET
			remaining_seconds = $2,
			running = TRUE,
			paused_at = NULL,
			low_time_warned = FALSE,
			last_tick = $3,
			updated_at = $3
		WHERE session_id = $1
	`, sessionID, remainingSeconds, now)
	return err
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/turnwarden/turnwarden/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindByName(ctx context.Context, name string) (*model.Session, error)
	ListActive(ctx context.Context) ([]model.Session, error)
	ListByPhase(ctx context.Context, phase model.LifecyclePhase) ([]model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	UpdatePhase(ctx context.Context, id string, phase model.LifecyclePhase) error
	UpdateProcess(ctx context.Context, id string, pid *int64, running bool) error
	UpdateDefaultTurnSeconds(ctx context.Context, id string, seconds int64) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) FindByName(ctx context.Context, name string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE name = $1 AND phase != 'deleted'
	`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) ListActive(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE phase IN ('lobby', 'playing')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) ListByPhase(ctx context.Context, phase model.LifecyclePhase) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions WHERE phase = $1 ORDER BY created_at
	`, phase)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, name, phase, config, engine_port, default_turn_seconds)
		VALUES ($1, $2, 'lobby', $3, $4, $5)
		RETURNING *
	`, uuid.NewString(), params.Name, params.Config, params.EnginePort, params.DefaultTurnSeconds)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) UpdatePhase(ctx context.Context, id string, phase model.LifecyclePhase) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET phase = $2, updated_at = $3 WHERE id = $1
	`, id, phase, time.Now())
	return err
}

func (r *sessionRepo) UpdateProcess(ctx context.Context, id string, pid *int64, running bool) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET process_pid = $2, process_running = $3, updated_at = $4
		WHERE id = $1
	`, id, pid, running, time.Now())
	return err
}

func (r *sessionRepo) UpdateDefaultTurnSeconds(ctx context.Context, id string, seconds int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET default_turn_seconds = $2, updated_at = $3 WHERE id = $1
	`, id, seconds, time.Now())
	return err
}

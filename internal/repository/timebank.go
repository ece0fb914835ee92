package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/turnwarden/turnwarden/internal/model"
)

type TimeBankRepository interface {
	Get(ctx context.Context, sessionID, nation string) (*model.PlayerTimeBank, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.PlayerTimeBank, error)
	Upsert(ctx context.Context, params model.CreateTimeBankParams) (*model.PlayerTimeBank, error)
	// RecordSpend applies one granted extension: a new balance and an
	// incremented per-turn use count, in a single statement.
	RecordSpend(ctx context.Context, sessionID, nation string, newBalanceSeconds int64) error
	// ResetTurn zeroes per-turn extension counts and credits each bank its
	// configured per-turn bonus.
	ResetTurn(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID, nation string) error
	WithTx(tx *sqlx.Tx) TimeBankRepository
}

type timeBankDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type timeBankRepo struct {
	db timeBankDB
}

func NewTimeBankRepository(db *sqlx.DB) TimeBankRepository {
	return &timeBankRepo{db: db}
}

func (r *timeBankRepo) WithTx(tx *sqlx.Tx) TimeBankRepository {
	return &timeBankRepo{db: tx}
}

func (r *timeBankRepo) Get(ctx context.Context, sessionID, nation string) (*model.PlayerTimeBank, error) {
	var bank model.PlayerTimeBank
	err := r.db.GetContext(ctx, &bank, `
		SELECT * FROM player_time_banks
		WHERE session_id = $1 AND nation = $2
	`, sessionID, nation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bank, nil
}

func (r *timeBankRepo) ListBySession(ctx context.Context, sessionID string) ([]model.PlayerTimeBank, error) {
	var banks []model.PlayerTimeBank
	err := r.db.SelectContext(ctx, &banks, `
		SELECT * FROM player_time_banks
		WHERE session_id = $1
		ORDER BY nation
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return banks, nil
}

func (r *timeBankRepo) Upsert(ctx context.Context, params model.CreateTimeBankParams) (*model.PlayerTimeBank, error) {
	var bank model.PlayerTimeBank
	err := r.db.GetContext(ctx, &bank, `
		INSERT INTO player_time_banks
			(session_id, nation, balance_seconds, max_extensions_per_turn, per_turn_bonus_seconds)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, nation) DO UPDATE SET
			max_extensions_per_turn = EXCLUDED.max_extensions_per_turn,
			per_turn_bonus_seconds = EXCLUDED.per_turn_bonus_seconds,
			updated_at = NOW()
		RETURNING *
	`, params.SessionID, params.Nation, params.BalanceSeconds,
		params.MaxExtensionsPerTurn, params.PerTurnBonusSeconds)
	if err != nil {
		return nil, err
	}
	return &bank, nil
}

func (r *timeBankRepo) RecordSpend(ctx context.Context, sessionID, nation string, newBalanceSeconds int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE player_time_banks SET
			balance_seconds = $3,
			extensions_used_this_turn = extensions_used_this_turn + 1,
			updated_at = $4
		WHERE session_id = $1 AND nation = $2
	`, sessionID, nation, newBalanceSeconds, time.Now())
	return err
}

func (r *timeBankRepo) ResetTurn(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE player_time_banks SET
			extensions_used_this_turn = 0,
			balance_seconds = balance_seconds + per_turn_bonus_seconds,
			updated_at = $2
		WHERE session_id = $1
	`, sessionID, time.Now())
	return err
}

func (r *timeBankRepo) Delete(ctx context.Context, sessionID, nation string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM player_time_banks WHERE session_id = $1 AND nation = $2
	`, sessionID, nation)
	return err
}

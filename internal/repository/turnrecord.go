package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/turnwarden/turnwarden/internal/model"
)

type TurnRecordRepository interface {
	Latest(ctx context.Context, sessionID string) (*model.TurnRecord, error)
	// FindUnresolved returns the record of an advance that has not reached
	// the complete phase, or nil when the session has no in-flight turn.
	FindUnresolved(ctx context.Context, sessionID string) (*model.TurnRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.TurnRecord, error)
	Create(ctx context.Context, sessionID string, turnNumber int64) (*model.TurnRecord, error)
	UpdatePhase(ctx context.Context, id int64, phase model.AdvancePhase) error
	SetPreBackupRef(ctx context.Context, id int64, ref string) error
	// Complete stores the post-backup ref, stamps completion and moves the
	// record to the complete phase in one statement.
	Complete(ctx context.Context, id int64, postRef string) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	// TruncateAfter removes every record with turn_number > turnNumber.
	// Only rollback calls this; forward history is otherwise append-only.
	TruncateAfter(ctx context.Context, sessionID string, turnNumber int64) (int64, error)
	WithTx(tx *sqlx.Tx) TurnRecordRepository
}

type turnRecordDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type turnRecordRepo struct {
	db turnRecordDB
}

func NewTurnRecordRepository(db *sqlx.DB) TurnRecordRepository {
	return &turnRecordRepo{db: db}
}

func (r *turnRecordRepo) WithTx(tx *sqlx.Tx) TurnRecordRepository {
	return &turnRecordRepo{db: tx}
}

func (r *turnRecordRepo) Latest(ctx context.Context, sessionID string) (*model.TurnRecord, error) {
	var record model.TurnRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM turn_records
		WHERE session_id = $1
		ORDER BY turn_number DESC
		LIMIT 1
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *turnRecordRepo) FindUnresolved(ctx context.Context, sessionID string) (*model.TurnRecord, error) {
	var record model.TurnRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM turn_records
		WHERE session_id = $1 AND phase != 'complete'
		ORDER BY turn_number DESC
		LIMIT 1
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *turnRecordRepo) ListBySession(ctx context.Context, sessionID string) ([]model.TurnRecord, error) {
	var records []model.TurnRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM turn_records
		WHERE session_id = $1
		ORDER BY turn_number
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *turnRecordRepo) Create(ctx context.Context, sessionID string, turnNumber int64) (*model.TurnRecord, error) {
	var record model.TurnRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO turn_records (session_id, turn_number, phase, started_at)
		VALUES ($1, $2, 'pre_backup', $3)
		RETURNING *
	`, sessionID, turnNumber, time.Now())
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *turnRecordRepo) UpdatePhase(ctx context.Context, id int64, phase model.AdvancePhase) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE turn_records SET phase = $2 WHERE id = $1
	`, id, phase)
	return err
}

func (r *turnRecordRepo) SetPreBackupRef(ctx context.Context, id int64, ref string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE turn_records SET pre_backup_ref = $2, phase = 'advancing' WHERE id = $1
	`, id, ref)
	return err
}

func (r *turnRecordRepo) Complete(ctx context.Context, id int64, postRef string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE turn_records SET
			post_backup_ref = $2,
			phase = 'complete',
			failure_reason = NULL,
			completed_at = $3
		WHERE id = $1
	`, id, postRef, time.Now())
	return err
}

func (r *turnRecordRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE turn_records SET phase = 'failed', failure_reason = $2 WHERE id = $1
	`, id, reason)
	return err
}

func (r *turnRecordRepo) TruncateAfter(ctx context.Context, sessionID string, turnNumber int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM turn_records
		WHERE session_id = $1 AND turn_number > $2
	`, sessionID, turnNumber)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

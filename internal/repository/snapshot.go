package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/turnwarden/turnwarden/internal/model"
)

type CreateSnapshotParams struct {
	SessionID   string
	TurnNumber  int64
	Phase       model.BackupPhase
	LocationRef string
	Checksum    string
	SizeBytes   int64
}

// SnapshotRepository indexes stored backup archives. Rows are append-only;
// there is deliberately no update or delete so rollback cannot rewrite
// history.
type SnapshotRepository interface {
	Create(ctx context.Context, params CreateSnapshotParams) (*model.BackupSnapshot, error)
	Find(ctx context.Context, sessionID string, turnNumber int64, phase model.BackupPhase) (*model.BackupSnapshot, error)
	FindByRef(ctx context.Context, ref string) (*model.BackupSnapshot, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.BackupSnapshot, error)
	WithTx(tx *sqlx.Tx) SnapshotRepository
}

type snapshotDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type snapshotRepo struct {
	db snapshotDB
}

func NewSnapshotRepository(db *sqlx.DB) SnapshotRepository {
	return &snapshotRepo{db: db}
}

func (r *snapshotRepo) WithTx(tx *sqlx.Tx) SnapshotRepository {
	return &snapshotRepo{db: tx}
}

func (r *snapshotRepo) Create(ctx context.Context, params CreateSnapshotParams) (*model.BackupSnapshot, error) {
	var snapshot model.BackupSnapshot
	err := r.db.GetContext(ctx, &snapshot, `
		INSERT INTO backup_snapshots
			(id, session_id, turn_number, phase, location_ref, checksum, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, uuid.NewString(), params.SessionID, params.TurnNumber, params.Phase,
		params.LocationRef, params.Checksum, params.SizeBytes)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *snapshotRepo) Find(ctx context.Context, sessionID string, turnNumber int64, phase model.BackupPhase) (*model.BackupSnapshot, error) {
	var snapshot model.BackupSnapshot
	err := r.db.GetContext(ctx, &snapshot, `
		SELECT * FROM backup_snapshots
		WHERE session_id = $1 AND turn_number = $2 AND phase = $3
		ORDER BY written_at DESC
		LIMIT 1
	`, sessionID, turnNumber, phase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *snapshotRepo) FindByRef(ctx context.Context, ref string) (*model.BackupSnapshot, error) {
	var snapshot model.BackupSnapshot
	err := r.db.GetContext(ctx, &snapshot, `
		SELECT * FROM backup_snapshots WHERE location_ref = $1
	`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *snapshotRepo) ListBySession(ctx context.Context, sessionID string) ([]model.BackupSnapshot, error) {
	var snapshots []model.BackupSnapshot
	err := r.db.SelectContext(ctx, &snapshots, `
		SELECT * FROM backup_snapshots
		WHERE session_id = $1
		ORDER BY turn_number, phase
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

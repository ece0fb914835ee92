package model

import "time"

// TurnRecord is the append-only log of turn advances, one row per turn per
// session. Phase records how far the advance protocol got; a record whose
// phase is not complete blocks further advances until it is resumed or the
// session is rolled back.
type TurnRecord struct {
	ID            int64        `db:"id" json:"-"`
	SessionID     string       `db:"session_id" json:"sessionId"`
	TurnNumber    int64        `db:"turn_number" json:"turnNumber"`
	Phase         AdvancePhase `db:"phase" json:"phase"`
	PreBackupRef  *string      `db:"pre_backup_ref" json:"preBackupRef,omitempty"`
	PostBackupRef *string      `db:"post_backup_ref" json:"postBackupRef,omitempty"`
	FailureReason *string      `db:"failure_reason" json:"failureReason,omitempty"`
	StartedAt     time.Time    `db:"started_at" json:"startedAt"`
	CompletedAt   *time.Time   `db:"completed_at" json:"completedAt,omitempty"`
}

package model

import "time"

// BackupSnapshot is the index entry for one stored snapshot archive. The row
// points at externally stored files; it is never mutated after write, and
// rollback copies from a snapshot rather than altering it.
type BackupSnapshot struct {
	ID          string      `db:"id" json:"id"`
	SessionID   string      `db:"session_id" json:"sessionId"`
	TurnNumber  int64       `db:"turn_number" json:"turnNumber"`
	Phase       BackupPhase `db:"phase" json:"phase"`
	LocationRef string      `db:"location_ref" json:"locationRef"`
	Checksum    string      `db:"checksum" json:"checksum"`
	SizeBytes   int64       `db:"size_bytes" json:"sizeBytes"`
	WrittenAt   time.Time   `db:"written_at" json:"writtenAt"`
}

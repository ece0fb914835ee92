package model

import "time"

// TimerState is the shared countdown for a session. Remaining is frozen
// whenever Running is false; LastTick is the instant the scheduler (or a
// synchronous operation) last accounted for elapsed time, which is what
// restart reconstruction credits against.
type TimerState struct {
	SessionID        string     `db:"session_id" json:"sessionId"`
	RemainingSeconds int64      `db:"remaining_seconds" json:"remainingSeconds"`
	Running          bool       `db:"running" json:"running"`
	PausedAt         *time.Time `db:"paused_at" json:"pausedAt,omitempty"`
	LastTick         time.Time  `db:"last_tick" json:"lastTick"`
	LowTimeWarned    bool       `db:"low_time_warned" json:"-"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

func (t *TimerState) Remaining() time.Duration {
	return time.Duration(t.RemainingSeconds) * time.Second
}

// Deadline is the projected wall-clock deadline, meaningful only while the
// timer is running.
func (t *TimerState) Deadline(now time.Time) time.Time {
	return now.Add(t.Remaining())
}

package model

import "time"

// NotificationType identifies an outbound event consumed by the chat layer.
type NotificationType string

const (
	NotifyTurnCompleted  NotificationType = "turn_completed"
	NotifyGameStarted    NotificationType = "game_started"
	NotifyLowTime        NotificationType = "low_time"
	NotifyProcessDied    NotificationType = "process_died"
	NotifyAdvanceFailed  NotificationType = "advance_failed"
	NotifyRolledBack     NotificationType = "rolled_back"
	NotifyTimerExtended  NotificationType = "timer_extended"
	NotifySessionEnded   NotificationType = "session_ended"
)

// Notification is the structured event the engine emits after mutating a
// session. The chat/UI layer renders these; it never touches persistence or
// the game process directly.
type Notification struct {
	Type               NotificationType `json:"type"`
	SessionID          string           `json:"sessionId"`
	SessionName        string           `json:"sessionName,omitempty"`
	TurnNumber         int64            `json:"turnNumber,omitempty"`
	RemainingSeconds   int64            `json:"remainingSeconds,omitempty"`
	NextDeadline       *time.Time       `json:"nextDeadline,omitempty"`
	OutstandingPlayers []string         `json:"outstandingPlayers,omitempty"`
	Message            string           `json:"message,omitempty"`
	OccurredAt         time.Time        `json:"occurredAt"`
}

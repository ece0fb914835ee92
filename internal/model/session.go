package model

import (
	"encoding/json"
	"time"
)

type Session struct {
	ID                 string           `db:"id" json:"id"`
	Name               string           `db:"name" json:"name"`
	Phase              LifecyclePhase   `db:"phase" json:"phase"`
	Config             *json.RawMessage `db:"config" json:"config,omitempty"`
	EnginePort         int              `db:"engine_port" json:"enginePort"`
	DefaultTurnSeconds int64            `db:"default_turn_seconds" json:"defaultTurnSeconds"`
	ProcessPID         *int64           `db:"process_pid" json:"processPid,omitempty"`
	ProcessRunning     bool             `db:"process_running" json:"processRunning"`
	CreatedAt          time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updatedAt"`
}

// SessionFlags are the legacy boolean view of the lifecycle phase, kept at
// the interface boundary for callers that predate the phase enum.
type SessionFlags struct {
	Active  bool `json:"active"`
	Started bool `json:"started"`
	Ended   bool `json:"ended"`
}

func (s *Session) Flags() SessionFlags {
	return SessionFlags{
		Active:  s.Phase != PhaseDeleted,
		Started: s.Phase == PhasePlaying || s.Phase == PhaseEnded || s.Phase == PhaseDeleted,
		Ended:   s.Phase == PhaseEnded || s.Phase == PhaseDeleted,
	}
}

func (s *Session) DefaultTurnDuration() time.Duration {
	return time.Duration(s.DefaultTurnSeconds) * time.Second
}

type CreateSessionParams struct {
	Name               string
	Config             *json.RawMessage
	EnginePort         int
	DefaultTurnSeconds int64
}

package handler

import (
	"net/http"

	"github.com/turnwarden/turnwarden/internal/httputil"
	"github.com/turnwarden/turnwarden/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}

// formatSession is the wire shape of a session: the phase plus the derived
// legacy booleans, so existing consumers keep their flags.
func formatSession(s *model.Session) map[string]any {
	flags := s.Flags()
	out := map[string]any{
		"id":                 s.ID,
		"name":               s.Name,
		"phase":              s.Phase,
		"active":             flags.Active,
		"started":            flags.Started,
		"ended":              flags.Ended,
		"enginePort":         s.EnginePort,
		"defaultTurnSeconds": s.DefaultTurnSeconds,
		"processRunning":     s.ProcessRunning,
		"createdAt":          s.CreatedAt,
		"updatedAt":          s.UpdatedAt,
	}
	if s.Config != nil {
		out["config"] = s.Config
	}
	if s.ProcessPID != nil {
		out["processPid"] = *s.ProcessPID
	}
	return out
}

func formatTimer(t *model.TimerState) map[string]any {
	out := map[string]any{
		"sessionId":        t.SessionID,
		"remainingSeconds": t.RemainingSeconds,
		"running":          t.Running,
		"lastTick":         t.LastTick,
	}
	if t.PausedAt != nil {
		out["pausedAt"] = *t.PausedAt
	}
	return out
}

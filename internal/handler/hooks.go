package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/service"
)

// HookHandler receives the engine's own callbacks around hosting. The engine
// blocks on the pre hook, so anything but a 200 stops it from processing the
// turn.
type HookHandler struct {
	orchestrator *service.Orchestrator
}

func NewHookHandler(orchestrator *service.Orchestrator) *HookHandler {
	return &HookHandler{orchestrator: orchestrator}
}

func (h *HookHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/pre-advance", h.PreAdvance)
	r.Post("/post-advance", h.PostAdvance)

	return r
}

// POST /hooks/pre-advance?session_id=...
func (h *HookHandler) PreAdvance(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, apperrors.MissingRequired("session_id"))
		return
	}

	if err := h.orchestrator.PreAdvanceHook(r.Context(), sessionID); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("pre-advance hook refused")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "cleared": true})
}

// POST /hooks/post-advance?session_id=...
func (h *HookHandler) PostAdvance(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, apperrors.MissingRequired("session_id"))
		return
	}

	result, err := h.orchestrator.PostAdvanceHook(r.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("post-advance hook failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

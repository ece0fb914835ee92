package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/model"
	"github.com/turnwarden/turnwarden/internal/repository"
	"github.com/turnwarden/turnwarden/internal/service"
)

type SessionHandler struct {
	lifecycle    *service.LifecycleService
	orchestrator *service.Orchestrator
	scheduler    *service.Scheduler
	ledger       *service.Ledger
	turnRepo     repository.TurnRecordRepository
	snapRepo     repository.SnapshotRepository
}

func NewSessionHandler(
	lifecycle *service.LifecycleService,
	orchestrator *service.Orchestrator,
	scheduler *service.Scheduler,
	ledger *service.Ledger,
	turnRepo repository.TurnRecordRepository,
	snapRepo repository.SnapshotRepository,
) *SessionHandler {
	return &SessionHandler{
		lifecycle:    lifecycle,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		ledger:       ledger,
		turnRepo:     turnRepo,
		snapRepo:     snapRepo,
	}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)

	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Delete)
		r.Post("/launch", h.Launch)
		r.Post("/end", h.End)
		r.Post("/reset-started", h.ResetStarted)
		r.Post("/force-advance", h.ForceAdvance)
		r.Post("/resume-advance", h.ResumeAdvance)
		r.Post("/rollback", h.Rollback)
		r.Get("/status", h.Status)
		r.Get("/turns", h.ListTurns)
		r.Get("/snapshots", h.ListSnapshots)

		r.Get("/timer", h.GetTimer)
		r.Post("/timer/pause", h.PauseTimer)
		r.Post("/timer/resume", h.ResumeTimer)
		r.Post("/timer/extend", h.ExtendTimer)
		r.Put("/timer/default", h.SetDefaultTurnDuration)

		r.Get("/time-banks", h.ListTimeBanks)
		r.Put("/time-banks/{nation}", h.UpsertTimeBank)
		r.Delete("/time-banks/{nation}", h.RemoveTimeBank)
		r.Post("/time-banks/{nation}/request-extension", h.RequestExtension)
	})

	return r
}

// POST /sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name               string           `json:"name"`
		Config             *json.RawMessage `json:"config,omitempty"`
		EnginePort         int              `json:"enginePort"`
		DefaultTurnSeconds int64            `json:"defaultTurnSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	session, err := h.lifecycle.Create(r.Context(), model.CreateSessionParams{
		Name:               req.Name,
		Config:             req.Config,
		EnginePort:         req.EnginePort,
		DefaultTurnSeconds: req.DefaultTurnSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, formatSession(session))
}

// GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.lifecycle.ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for i := range sessions {
		out = append(out, formatSession(&sessions[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// GET /sessions/{sessionID}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.lifecycle.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatSession(session))
}

// DELETE /sessions/{sessionID}
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	session, err := h.orchestrator.Delete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatSession(session))
}

// POST /sessions/{sessionID}/launch
func (h *SessionHandler) Launch(w http.ResponseWriter, r *http.Request) {
	session, err := h.orchestrator.Launch(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatSession(session))
}

// POST /sessions/{sessionID}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	session, err := h.orchestrator.End(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatSession(session))
}

// POST /sessions/{sessionID}/reset-started
// Privileged recovery: drops the session back to the lobby phase out of the
// normal ordering.
func (h *SessionHandler) ResetStarted(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.lifecycle.Transition(r.Context(), sessionID, model.EventResetStarted)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatSession(session))
}

// POST /sessions/{sessionID}/force-advance
func (h *SessionHandler) ForceAdvance(w http.ResponseWriter, r *http.Request) {
	result, err := h.orchestrator.ForceAdvance(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /sessions/{sessionID}/resume-advance
func (h *SessionHandler) ResumeAdvance(w http.ResponseWriter, r *http.Request) {
	result, err := h.orchestrator.ResumeAdvance(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /sessions/{sessionID}/rollback
func (h *SessionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToTurn int64 `json:"toTurn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}
	if req.ToTurn < 1 {
		writeError(w, apperrors.InvalidInput("toTurn", "must be a positive turn number"))
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := h.orchestrator.Rollback(r.Context(), sessionID, req.ToTurn); err != nil {
		writeError(w, err)
		return
	}

	log.Info().Str("sessionId", sessionID).Int64("toTurn", req.ToTurn).Msg("rollback requested via API")
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "toTurn": req.ToTurn})
}

// GET /sessions/{sessionID}/status
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.orchestrator.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /sessions/{sessionID}/turns
func (h *SessionHandler) ListTurns(w http.ResponseWriter, r *http.Request) {
	records, err := h.turnRepo.ListBySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": records})
}

// GET /sessions/{sessionID}/snapshots
func (h *SessionHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.snapRepo.ListBySession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

// GET /sessions/{sessionID}/timer
func (h *SessionHandler) GetTimer(w http.ResponseWriter, r *http.Request) {
	state, err := h.scheduler.GetState(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatTimer(state))
}

// POST /sessions/{sessionID}/timer/pause
func (h *SessionHandler) PauseTimer(w http.ResponseWriter, r *http.Request) {
	state, err := h.scheduler.Pause(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatTimer(state))
}

// POST /sessions/{sessionID}/timer/resume
func (h *SessionHandler) ResumeTimer(w http.ResponseWriter, r *http.Request) {
	state, err := h.scheduler.Resume(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatTimer(state))
}

// POST /sessions/{sessionID}/timer/extend
// Operator adjustment; deltaSeconds may be negative and clamps at zero.
func (h *SessionHandler) ExtendTimer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeltaSeconds int64 `json:"deltaSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}
	if req.DeltaSeconds == 0 {
		writeError(w, apperrors.InvalidInput("deltaSeconds", "must be non-zero"))
		return
	}

	state, err := h.scheduler.Extend(r.Context(), chi.URLParam(r, "sessionID"),
		time.Duration(req.DeltaSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, formatTimer(state))
}

// PUT /sessions/{sessionID}/timer/default
func (h *SessionHandler) SetDefaultTurnDuration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultTurnSeconds int64 `json:"defaultTurnSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	err := h.scheduler.SetDefault(r.Context(), sessionID,
		time.Duration(req.DefaultTurnSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":          sessionID,
		"defaultTurnSeconds": req.DefaultTurnSeconds,
	})
}

// GET /sessions/{sessionID}/time-banks
func (h *SessionHandler) ListTimeBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := h.ledger.ListBanks(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeBanks": banks})
}

// PUT /sessions/{sessionID}/time-banks/{nation}
func (h *SessionHandler) UpsertTimeBank(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BalanceSeconds       int64 `json:"balanceSeconds"`
		MaxExtensionsPerTurn *int  `json:"maxExtensionsPerTurn,omitempty"`
		PerTurnBonusSeconds  int64 `json:"perTurnBonusSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	bank, err := h.ledger.UpsertBank(r.Context(), model.CreateTimeBankParams{
		SessionID:            chi.URLParam(r, "sessionID"),
		Nation:               chi.URLParam(r, "nation"),
		BalanceSeconds:       req.BalanceSeconds,
		MaxExtensionsPerTurn: req.MaxExtensionsPerTurn,
		PerTurnBonusSeconds:  req.PerTurnBonusSeconds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bank)
}

// DELETE /sessions/{sessionID}/time-banks/{nation}
func (h *SessionHandler) RemoveTimeBank(w http.ResponseWriter, r *http.Request) {
	err := h.ledger.RemoveBank(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "nation"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /sessions/{sessionID}/time-banks/{nation}/request-extension
func (h *SessionHandler) RequestExtension(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountSeconds int64 `json:"amountSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	result, err := h.ledger.RequestExtension(
		r.Context(),
		chi.URLParam(r, "sessionID"),
		chi.URLParam(r, "nation"),
		time.Duration(req.AmountSeconds)*time.Second,
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

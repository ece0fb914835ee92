package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/turnwarden/turnwarden/internal/backup"
	"github.com/turnwarden/turnwarden/internal/config"
	"github.com/turnwarden/turnwarden/internal/database"
	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/model"
	"github.com/turnwarden/turnwarden/internal/process"
	"github.com/turnwarden/turnwarden/internal/repository"
)

// HandleFactory builds a process handle for a launch spec. Swappable in
// tests.
type HandleFactory func(spec process.LaunchSpec) process.Handle

// TxRunner runs a function inside a database transaction. *database.DB
// satisfies it.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// LaunchSettings carries the host-level pieces of an engine launch.
type LaunchSettings struct {
	Binary      string
	DataDir     string
	HookBaseURL string
}

// AdvanceResult summarizes a completed turn advance.
type AdvanceResult struct {
	TurnNumber         int64      `json:"turnNumber"`
	RemainingSeconds   int64      `json:"remainingSeconds"`
	NextDeadline       *time.Time `json:"nextDeadline,omitempty"`
	OutstandingPlayers []string   `json:"outstandingPlayers,omitempty"`
}

// Orchestrator owns the turn advance protocol: pre-backup, engine signal,
// confirmation, post-backup, bookkeeping, notification. Every advance runs
// under the session lock; concurrent attempts are rejected, not queued.
type Orchestrator struct {
	db          TxRunner
	sessionRepo repository.SessionRepository
	timerRepo   repository.TimerStateRepository
	bankRepo    repository.TimeBankRepository
	turnRepo    repository.TurnRecordRepository
	snapRepo    repository.SnapshotRepository
	store       backup.Store
	registry    *process.Registry
	locks       *SessionLocks
	lifecycle   *LifecycleService
	scheduler   *Scheduler
	notifier    Notifier

	newHandle HandleFactory
	settings  LaunchSettings

	// confirmation poll knobs, compressed in tests
	retryLimit   int
	probeTimeout time.Duration
	retryBackoff time.Duration
	pollInterval time.Duration
}

func NewOrchestrator(
	db TxRunner,
	sessionRepo repository.SessionRepository,
	timerRepo repository.TimerStateRepository,
	bankRepo repository.TimeBankRepository,
	turnRepo repository.TurnRecordRepository,
	snapRepo repository.SnapshotRepository,
	store backup.Store,
	registry *process.Registry,
	locks *SessionLocks,
	lifecycle *LifecycleService,
	scheduler *Scheduler,
	notifier Notifier,
	settings LaunchSettings,
) *Orchestrator {
	return &Orchestrator{
		db:          db,
		sessionRepo: sessionRepo,
		timerRepo:   timerRepo,
		bankRepo:    bankRepo,
		turnRepo:    turnRepo,
		snapRepo:    snapRepo,
		store:       store,
		registry:    registry,
		locks:       locks,
		lifecycle:   lifecycle,
		scheduler:   scheduler,
		notifier:    notifier,
		newHandle: func(spec process.LaunchSpec) process.Handle {
			return process.NewEngineProcess(spec)
		},
		settings:     settings,
		retryLimit:   config.AdvanceRetryLimit,
		probeTimeout: config.AdvanceProbeTimeout,
		retryBackoff: config.AdvanceRetryBackoff,
		pollInterval: 2 * time.Second,
	}
}

// SetHandleFactory replaces the process handle constructor, for tests.
func (o *Orchestrator) SetHandleFactory(f HandleFactory) {
	o.newHandle = f
}

func (o *Orchestrator) workdirFor(sessionID string) string {
	return filepath.Join(o.settings.DataDir, sessionID)
}

func (o *Orchestrator) hookURL(path, sessionID string) string {
	return fmt.Sprintf("%s%s?session_id=%s", strings.TrimRight(o.settings.HookBaseURL, "/"), path, sessionID)
}

func (o *Orchestrator) launchSpec(session *model.Session) process.LaunchSpec {
	var extra struct {
		EngineArgs []string `json:"engineArgs"`
	}
	if session.Config != nil {
		// Opaque to the core; malformed configs just launch without extras.
		_ = json.Unmarshal(*session.Config, &extra)
	}

	return process.LaunchSpec{
		Binary:      o.settings.Binary,
		SessionID:   session.ID,
		SessionName: session.Name,
		Workdir:     o.workdirFor(session.ID),
		Port:        session.EnginePort,
		PreHookURL:  o.hookURL("/hooks/pre-advance", session.ID),
		PostHookURL: o.hookURL("/hooks/post-advance", session.ID),
		ExtraArgs:   extra.EngineArgs,
	}
}

// Launch starts (or restarts) the engine process for a session. A session
// whose process died keeps its phase; relaunching also resumes a countdown
// the monitor paused on death.
func (o *Orchestrator) Launch(ctx context.Context, sessionID string) (*model.Session, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	session, err := o.lifecycle.transitionLocked(ctx, sessionID, model.EventLaunch)
	if err != nil {
		return nil, err
	}

	if existing, ok := o.registry.Get(sessionID); ok {
		if existing.Alive(ctx) {
			return nil, apperrors.AlreadyExists("engine process")
		}
		o.registry.Detach(sessionID)
	}

	handle := o.newHandle(o.launchSpec(session))
	pid, err := handle.Start(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeExternal, "engine launch failed", err)
	}

	if err := o.registry.Attach(sessionID, handle); err != nil {
		_ = handle.Stop(ctx)
		return nil, apperrors.Internal(err.Error())
	}

	if err := o.sessionRepo.UpdateProcess(ctx, sessionID, &pid, true); err != nil {
		return nil, apperrors.Database(err)
	}
	session.ProcessPID = &pid
	session.ProcessRunning = true

	if session.Phase == model.PhasePlaying {
		if err := o.timerRepo.SetRunning(ctx, sessionID, true, nil); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("launch: resume countdown")
		}
	}

	log.Info().
		Str("sessionId", sessionID).
		Str("sessionName", session.Name).
		Int64("pid", pid).
		Msg("engine launched")

	return session, nil
}

// ForceAdvance runs the advance protocol now, regardless of the countdown.
func (o *Orchestrator) ForceAdvance(ctx context.Context, sessionID string) (*AdvanceResult, error) {
	return o.runAdvance(ctx, sessionID)
}

// HandleDeadline is the scheduler's entry point for an expired countdown.
func (o *Orchestrator) HandleDeadline(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.BackupTimeout+2*config.AdvanceProbeTimeout)
	defer cancel()

	if _, err := o.runAdvance(ctx, sessionID); err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeAdvanceInProgress {
			log.Debug().Str("sessionId", sessionID).Msg("deadline advance skipped: already in progress")
			return
		}
		log.Error().Err(err).Str("sessionId", sessionID).Msg("deadline advance failed")
	}
}

// HandleExternalAdvance is the monitor's entry point when the engine rolled
// the turn itself. By the time we see it the engine is already at
// observedTurn, so there is no signal or confirmation step; the hooks may
// already have written a record for it.
func (o *Orchestrator) HandleExternalAdvance(sessionID string, observedTurn int64) {
	ctx, cancel := context.WithTimeout(context.Background(), config.BackupTimeout)
	defer cancel()

	unlock, ok := o.locks.TryLock(sessionID)
	if !ok {
		// The post hook is likely completing the same turn right now.
		return
	}
	defer unlock()

	session, handle, err := o.playingSession(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("external advance")
		return
	}

	record, err := o.turnRepo.FindUnresolved(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("external advance: find record")
		return
	}

	if record == nil {
		latest, err := o.turnRepo.Latest(ctx, sessionID)
		if err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("external advance: latest record")
			return
		}
		if latest != nil && latest.TurnNumber >= observedTurn {
			return
		}
		// Hooks never fired (unreachable host URL, manual hosting). Record
		// the advance after the fact; there is no pre snapshot to take.
		record, err = o.turnRepo.Create(ctx, sessionID, observedTurn)
		if err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("external advance: create record")
			return
		}
		if err := o.turnRepo.UpdatePhase(ctx, record.ID, model.AdvanceSignaling); err != nil {
			log.Error().Err(err).Str("sessionId", sessionID).Msg("external advance: phase")
			return
		}
		record.Phase = model.AdvanceSignaling
		log.Warn().
			Str("sessionId", sessionID).
			Int64("turn", observedTurn).
			Msg("turn advanced without hooks; no pre snapshot exists for it")
	}

	if _, err := o.completeAdvance(ctx, session, record, handle); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("external advance: complete")
	}
}

// PreAdvanceHook services the engine's synchronous pre-host callback. For an
// orchestrator-initiated advance the pre snapshot already exists and the call
// is a no-op acknowledgment; for an engine-initiated advance this is where
// the record and pre snapshot are created.
func (o *Orchestrator) PreAdvanceHook(ctx context.Context, sessionID string) error {
	unlock, ok := o.locks.TryLock(sessionID)
	if !ok {
		// runAdvance holds the lock. If its pre snapshot is already on
		// disk the engine may proceed; otherwise it must not host yet.
		record, err := o.turnRepo.FindUnresolved(ctx, sessionID)
		if err != nil {
			return apperrors.Database(err)
		}
		if record != nil && record.PreBackupRef != nil {
			return nil
		}
		return apperrors.AdvanceInProgress(sessionID)
	}
	defer unlock()

	session, handle, err := o.playingSession(ctx, sessionID)
	if err != nil {
		return err
	}

	record, err := o.turnRepo.FindUnresolved(ctx, sessionID)
	if err != nil {
		return apperrors.Database(err)
	}
	if record != nil {
		if record.PreBackupRef != nil {
			return nil
		}
		if record.Phase == model.AdvanceFailed {
			return apperrors.AdvanceUnresolved(record.TurnNumber)
		}
	}

	if record == nil {
		status, err := handle.Status(ctx)
		if err != nil {
			return apperrors.ProcessUnresponsive(err.Error())
		}
		record, err = o.turnRepo.Create(ctx, sessionID, status.Turn+1)
		if err != nil {
			return apperrors.Database(err)
		}
	}

	if err := o.takePreSnapshot(ctx, session, record, handle); err != nil {
		return err
	}

	log.Info().
		Str("sessionId", sessionID).
		Int64("turn", record.TurnNumber).
		Msg("pre-advance hook: snapshot written, engine cleared to host")
	return nil
}

// PostAdvanceHook services the engine's post-host callback. It blocks on the
// session lock so an orchestrator-initiated advance finishes its own
// bookkeeping first, then completes whatever remains unresolved. With
// nothing unresolved it reports the last completed turn, so replayed hooks
// are harmless.
func (o *Orchestrator) PostAdvanceHook(ctx context.Context, sessionID string) (*AdvanceResult, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	session, handle, err := o.playingSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	record, err := o.turnRepo.FindUnresolved(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	if record == nil {
		latest, err := o.turnRepo.Latest(ctx, sessionID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if latest == nil {
			return nil, apperrors.NotFound("turn record")
		}
		state, err := o.getTimerLocked(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return resultFromState(latest.TurnNumber, state), nil
	}

	if record.Phase == model.AdvanceFailed {
		return nil, apperrors.AdvanceUnresolved(record.TurnNumber)
	}

	return o.completeAdvance(ctx, session, record, handle)
}

// runAdvance is the orchestrator-initiated advance: deadline expiry and
// operator force. The engine has not hosted yet when it starts.
func (o *Orchestrator) runAdvance(ctx context.Context, sessionID string) (*AdvanceResult, error) {
	unlock, ok := o.locks.TryLock(sessionID)
	if !ok {
		return nil, apperrors.AdvanceInProgress(sessionID)
	}
	defer unlock()

	session, handle, err := o.playingSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unresolved, err := o.turnRepo.FindUnresolved(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if unresolved != nil {
		return nil, apperrors.AdvanceUnresolved(unresolved.TurnNumber)
	}

	status, err := handle.Status(ctx)
	if err != nil || status.Turn < 1 {
		return nil, apperrors.ProcessUnresponsive("engine status unavailable")
	}

	record, err := o.turnRepo.Create(ctx, sessionID, status.Turn+1)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	return o.driveAdvance(ctx, session, record, handle)
}

// ResumeAdvance picks up an unresolved advance from its persisted phase,
// after a crash or a failed attempt whose cause the operator has fixed.
func (o *Orchestrator) ResumeAdvance(ctx context.Context, sessionID string) (*AdvanceResult, error) {
	unlock, ok := o.locks.TryLock(sessionID)
	if !ok {
		return nil, apperrors.AdvanceInProgress(sessionID)
	}
	defer unlock()

	session, handle, err := o.playingSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	record, err := o.turnRepo.FindUnresolved(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if record == nil {
		return nil, apperrors.NotFound("unresolved advance")
	}

	log.Info().
		Str("sessionId", sessionID).
		Int64("turn", record.TurnNumber).
		Str("phase", string(record.Phase)).
		Msg("resuming advance")

	// If the engine already hosted, skip straight to completion.
	status, err := handle.Status(ctx)
	if err == nil && status.Turn >= record.TurnNumber {
		return o.completeAdvance(ctx, session, record, handle)
	}

	return o.driveAdvance(ctx, session, record, handle)
}

// driveAdvance runs the protocol from wherever record stands: pre snapshot
// if missing, then signal, confirm, complete. Callers hold the session lock.
func (o *Orchestrator) driveAdvance(ctx context.Context, session *model.Session, record *model.TurnRecord, handle process.Handle) (*AdvanceResult, error) {
	if record.PreBackupRef == nil {
		if err := o.takePreSnapshot(ctx, session, record, handle); err != nil {
			o.failAdvance(ctx, session, record, err)
			return nil, err
		}
	}

	if err := handle.SignalAdvance(ctx); err != nil {
		err = apperrors.ProcessUnresponsive(err.Error())
		o.failAdvance(ctx, session, record, err)
		return nil, err
	}

	if err := o.confirmAdvance(ctx, handle, record.TurnNumber); err != nil {
		o.failAdvance(ctx, session, record, err)
		return nil, err
	}

	return o.completeAdvance(ctx, session, record, handle)
}

// takePreSnapshot is the hard gate before any hosting: no snapshot, no
// advance.
func (o *Orchestrator) takePreSnapshot(ctx context.Context, session *model.Session, record *model.TurnRecord, handle process.Handle) error {
	snapCtx, cancel := context.WithTimeout(ctx, config.BackupTimeout)
	defer cancel()

	archive, err := o.ensureSnapshot(snapCtx, session.ID, record.TurnNumber, model.BackupPre, handle.Workdir())
	if err != nil {
		return apperrors.BackupFailure(string(model.BackupPre), err)
	}

	if err := o.turnRepo.SetPreBackupRef(ctx, record.ID, archive.Ref); err != nil {
		return apperrors.Database(err)
	}
	record.PreBackupRef = &archive.Ref
	record.Phase = model.AdvanceSignaling
	return nil
}

// confirmAdvance polls the engine's turn counter until it reaches target,
// re-signaling between attempts. The turn is only considered processed once
// the engine says so itself.
func (o *Orchestrator) confirmAdvance(ctx context.Context, handle process.Handle, target int64) error {
	backoff := o.retryBackoff
	for attempt := 1; attempt <= o.retryLimit; attempt++ {
		deadline := time.Now().Add(o.probeTimeout)
		for {
			status, err := handle.Status(ctx)
			if err == nil && status.Turn >= target {
				return nil
			}
			if !time.Now().Before(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return apperrors.ProcessUnresponsive("confirmation interrupted: " + ctx.Err().Error())
			case <-time.After(o.pollInterval):
			}
		}

		if attempt < o.retryLimit {
			log.Warn().
				Int("attempt", attempt).
				Int64("targetTurn", target).
				Msg("engine has not hosted yet, re-signaling")
			if err := handle.SignalAdvance(ctx); err != nil {
				return apperrors.ProcessUnresponsive(err.Error())
			}
			select {
			case <-ctx.Done():
				return apperrors.ProcessUnresponsive("confirmation interrupted: " + ctx.Err().Error())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return apperrors.ProcessUnresponsive(fmt.Sprintf("engine did not reach turn %d", target))
}

// completeAdvance finishes a turn the engine has hosted: post snapshot, then
// one transaction covering the countdown reset, the time bank turn rollover
// and the move to the notifying phase, then the notification, then the final
// completion stamp. A record found already in the notifying phase had its
// resets committed before a crash, so only the announcement and the stamp
// are repeated. Callers hold the session lock.
func (o *Orchestrator) completeAdvance(ctx context.Context, session *model.Session, record *model.TurnRecord, handle process.Handle) (*AdvanceResult, error) {
	notifyOnly := record.Phase == model.AdvanceNotifying

	if !notifyOnly && record.Phase != model.AdvancePostBackup {
		if err := o.turnRepo.UpdatePhase(ctx, record.ID, model.AdvancePostBackup); err != nil {
			return nil, apperrors.Database(err)
		}
		record.Phase = model.AdvancePostBackup
	}

	snapCtx, cancel := context.WithTimeout(ctx, config.BackupTimeout)
	archive, err := o.ensureSnapshot(snapCtx, session.ID, record.TurnNumber, model.BackupPost, handle.Workdir())
	cancel()
	if err != nil {
		err = apperrors.BackupFailure(string(model.BackupPost), err)
		o.failAdvance(ctx, session, record, err)
		return nil, err
	}

	now := time.Now()
	var result *AdvanceResult
	if notifyOnly {
		state, err := o.getTimerLocked(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		result = resultFromState(record.TurnNumber, state)
	} else {
		err = o.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			if err := o.bankRepo.WithTx(tx).ResetTurn(ctx, session.ID); err != nil {
				return err
			}
			if err := o.timerRepo.WithTx(tx).ResetForTurn(ctx, session.ID, session.DefaultTurnSeconds, now); err != nil {
				return err
			}
			return o.turnRepo.WithTx(tx).UpdatePhase(ctx, record.ID, model.AdvanceNotifying)
		})
		if err != nil {
			dbErr := apperrors.Database(err)
			o.failAdvance(ctx, session, record, dbErr)
			return nil, dbErr
		}
		record.Phase = model.AdvanceNotifying
		o.scheduler.clearFired(session.ID)

		deadline := now.Add(session.DefaultTurnDuration())
		result = &AdvanceResult{
			TurnNumber:       record.TurnNumber,
			RemainingSeconds: session.DefaultTurnSeconds,
			NextDeadline:     &deadline,
		}
	}

	notification := model.Notification{
		Type:             model.NotifyTurnCompleted,
		SessionID:        session.ID,
		SessionName:      session.Name,
		TurnNumber:       record.TurnNumber,
		RemainingSeconds: result.RemainingSeconds,
		NextDeadline:     result.NextDeadline,
		OccurredAt:       now,
	}
	if status, statusErr := handle.Status(ctx); statusErr == nil {
		result.OutstandingPlayers = status.UnplayedNations
		notification.OutstandingPlayers = status.UnplayedNations
		if len(status.MissedTurns) > 0 {
			notification.Message = "missed last turn: " + strings.Join(status.MissedTurns, ", ")
		}
	}
	o.publish(ctx, notification)

	if err := o.turnRepo.Complete(ctx, record.ID, archive.Ref); err != nil {
		return nil, apperrors.Database(err)
	}
	record.Phase = model.AdvanceComplete

	log.Info().
		Str("sessionId", session.ID).
		Str("sessionName", session.Name).
		Int64("turn", record.TurnNumber).
		Msg("turn completed")

	return result, nil
}

// ensureSnapshot writes the archive for (session, turn, phase) unless a
// verified one is already indexed, which happens when resuming a
// half-finished advance.
func (o *Orchestrator) ensureSnapshot(ctx context.Context, sessionID string, turn int64, phase model.BackupPhase, workdir string) (*backup.Archive, error) {
	existing, err := o.snapRepo.Find(ctx, sessionID, turn, phase)
	if err != nil {
		return nil, err
	}
	if existing != nil && o.store.Exists(existing.LocationRef, existing.Checksum) {
		return &backup.Archive{
			Ref:       existing.LocationRef,
			Checksum:  existing.Checksum,
			SizeBytes: existing.SizeBytes,
		}, nil
	}

	archive, err := o.store.Snapshot(ctx, workdir, sessionID, turn, phase)
	if err != nil {
		return nil, err
	}

	if _, err := o.snapRepo.Create(ctx, repository.CreateSnapshotParams{
		SessionID:   sessionID,
		TurnNumber:  turn,
		Phase:       phase,
		LocationRef: archive.Ref,
		Checksum:    archive.Checksum,
		SizeBytes:   archive.SizeBytes,
	}); err != nil {
		return nil, err
	}
	return archive, nil
}

// failAdvance marks the record failed and emits the failure notification.
// The session stays blocked until the operator resumes or rolls back.
func (o *Orchestrator) failAdvance(ctx context.Context, session *model.Session, record *model.TurnRecord, cause error) {
	if err := o.turnRepo.MarkFailed(ctx, record.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("mark advance failed")
	}

	log.Error().
		Err(cause).
		Str("sessionId", session.ID).
		Str("sessionName", session.Name).
		Int64("turn", record.TurnNumber).
		Msg("turn advance failed")

	o.publish(ctx, model.Notification{
		Type:        model.NotifyAdvanceFailed,
		SessionID:   session.ID,
		SessionName: session.Name,
		TurnNumber:  record.TurnNumber,
		Message:     cause.Error(),
		OccurredAt:  time.Now(),
	})
}

// Rollback restores the session's working directory to the state of toTurn
// and truncates newer turn records. The engine is stopped first; the
// operator relaunches after inspecting the result.
func (o *Orchestrator) Rollback(ctx context.Context, sessionID string, toTurn int64) error {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	session, err := o.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		return apperrors.NotFound("session")
	}

	unresolved, err := o.turnRepo.FindUnresolved(ctx, sessionID)
	if err != nil {
		return apperrors.Database(err)
	}
	if unresolved != nil && unresolved.TurnNumber <= toTurn {
		return apperrors.AdvanceUnresolved(unresolved.TurnNumber)
	}

	// Prefer the state after toTurn hosted; fall back to the snapshot taken
	// just before the following turn hosted, which captures the same state.
	snap, err := o.snapRepo.Find(ctx, sessionID, toTurn, model.BackupPost)
	if err != nil {
		return apperrors.Database(err)
	}
	if snap == nil {
		snap, err = o.snapRepo.Find(ctx, sessionID, toTurn+1, model.BackupPre)
		if err != nil {
			return apperrors.Database(err)
		}
	}
	if snap == nil {
		return apperrors.NotFound(fmt.Sprintf("snapshot for turn %d", toTurn))
	}

	if err := o.stopProcessLocked(ctx, sessionID); err != nil {
		return err
	}

	restoreCtx, cancel := context.WithTimeout(ctx, config.BackupTimeout)
	defer cancel()
	if err := o.store.Restore(restoreCtx, snap.LocationRef, snap.Checksum, o.workdirFor(sessionID)); err != nil {
		return apperrors.BackupFailure("restore", err)
	}

	truncated, err := o.turnRepo.TruncateAfter(ctx, sessionID, toTurn)
	if err != nil {
		return apperrors.Database(err)
	}

	now := time.Now()
	if err := o.scheduler.resetForTurnLocked(ctx, sessionID, session.DefaultTurnDuration(), now); err != nil {
		return apperrors.Database(err)
	}
	if err := o.timerRepo.SetRunning(ctx, sessionID, false, &now); err != nil {
		return apperrors.Database(err)
	}

	log.Warn().
		Str("sessionId", sessionID).
		Str("sessionName", session.Name).
		Int64("toTurn", toTurn).
		Int64("recordsTruncated", truncated).
		Str("snapshot", snap.LocationRef).
		Msg("session rolled back")

	o.publish(ctx, model.Notification{
		Type:        model.NotifyRolledBack,
		SessionID:   sessionID,
		SessionName: session.Name,
		TurnNumber:  toTurn,
		Message:     fmt.Sprintf("restored to turn %d, %d newer turn records removed", toTurn, truncated),
		OccurredAt:  now,
	})

	return nil
}

// End closes the game: the engine is stopped and the countdown frozen, but
// all history stays queryable.
func (o *Orchestrator) End(ctx context.Context, sessionID string) (*model.Session, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	session, err := o.lifecycle.transitionLocked(ctx, sessionID, model.EventEndGame)
	if err != nil {
		return nil, err
	}

	if err := o.stopProcessLocked(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("end: stop engine")
	}

	now := time.Now()
	if err := o.timerRepo.SetRunning(ctx, sessionID, false, &now); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("end: freeze countdown")
	}

	o.publish(ctx, model.Notification{
		Type:        model.NotifySessionEnded,
		SessionID:   sessionID,
		SessionName: session.Name,
		OccurredAt:  now,
	})

	return session, nil
}

// Delete removes a session that never started or has ended. The row is
// phase-flipped, not erased, so turn history and snapshots stay intact.
func (o *Orchestrator) Delete(ctx context.Context, sessionID string) (*model.Session, error) {
	unlock := o.locks.Lock(sessionID)
	defer unlock()

	session, err := o.lifecycle.transitionLocked(ctx, sessionID, model.EventDeleteLobby)
	if err != nil {
		return nil, err
	}

	if err := o.stopProcessLocked(ctx, sessionID); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("delete: stop engine")
	}

	now := time.Now()
	if err := o.timerRepo.SetRunning(ctx, sessionID, false, &now); err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("delete: freeze countdown")
	}

	return session, nil
}

// RecoverOnStartup re-attaches engines that survived a server restart and
// flags those that did not. Advances interrupted mid-protocol stay in the
// turn log for ResumeAdvance; they are not retried blindly here.
func (o *Orchestrator) RecoverOnStartup(ctx context.Context) error {
	sessions, err := o.sessionRepo.ListActive(ctx)
	if err != nil {
		return err
	}

	for i := range sessions {
		session := &sessions[i]
		if !session.ProcessRunning || session.ProcessPID == nil {
			continue
		}

		handle := o.newHandle(o.launchSpec(session))
		adopted := false
		if adopter, ok := handle.(interface{ Adopt(pid int64) error }); ok {
			adopted = adopter.Adopt(*session.ProcessPID) == nil
		}

		if adopted && handle.Alive(ctx) {
			if err := o.registry.Attach(session.ID, handle); err != nil {
				log.Error().Err(err).Str("sessionId", session.ID).Msg("recover: attach handle")
				continue
			}
			log.Info().
				Str("sessionId", session.ID).
				Str("sessionName", session.Name).
				Int64("pid", *session.ProcessPID).
				Msg("engine re-attached after restart")
			continue
		}

		now := time.Now()
		if err := o.sessionRepo.UpdateProcess(ctx, session.ID, nil, false); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("recover: clear process")
			continue
		}
		if err := o.timerRepo.SetRunning(ctx, session.ID, false, &now); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("recover: freeze countdown")
		}

		log.Warn().
			Str("sessionId", session.ID).
			Str("sessionName", session.Name).
			Msg("engine did not survive restart")

		o.publish(ctx, model.Notification{
			Type:        model.NotifyProcessDied,
			SessionID:   session.ID,
			SessionName: session.Name,
			Message:     "engine not found after server restart",
			OccurredAt:  now,
		})
	}

	unresolvedCount := 0
	for i := range sessions {
		record, err := o.turnRepo.FindUnresolved(ctx, sessions[i].ID)
		if err != nil {
			continue
		}
		if record != nil {
			unresolvedCount++
			log.Warn().
				Str("sessionId", sessions[i].ID).
				Int64("turn", record.TurnNumber).
				Str("phase", string(record.Phase)).
				Msg("advance left unresolved by restart")
		}
	}
	if unresolvedCount > 0 {
		log.Warn().Int("count", unresolvedCount).Msg("sessions awaiting advance resume")
	}

	return nil
}

// Status reports the engine's live view of a session.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*process.Status, error) {
	handle, ok := o.registry.Get(sessionID)
	if !ok {
		return nil, apperrors.NotFound("engine process")
	}
	status, err := handle.Status(ctx)
	if err != nil {
		return nil, apperrors.ProcessUnresponsive(err.Error())
	}
	return status, nil
}

func (o *Orchestrator) stopProcessLocked(ctx context.Context, sessionID string) error {
	handle, ok := o.registry.Get(sessionID)
	if ok {
		if err := handle.Stop(ctx); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeExternal, "engine stop failed", err)
		}
		o.registry.Detach(sessionID)
	}
	if err := o.sessionRepo.UpdateProcess(ctx, sessionID, nil, false); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// playingSession loads a session that must be mid-game with a live handle.
func (o *Orchestrator) playingSession(ctx context.Context, sessionID string) (*model.Session, process.Handle, error) {
	session, err := o.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, nil, apperrors.NotFound("session")
	}
	if session.Phase != model.PhasePlaying {
		return nil, nil, apperrors.InvalidStateTransition(string(session.Phase), "advance")
	}

	handle, ok := o.registry.Get(sessionID)
	if !ok {
		return nil, nil, apperrors.ProcessUnresponsive("no engine process attached")
	}
	return session, handle, nil
}

func (o *Orchestrator) getTimerLocked(ctx context.Context, sessionID string) (*model.TimerState, error) {
	state, err := o.timerRepo.Get(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if state == nil {
		return nil, apperrors.NotFound("timer state")
	}
	return state, nil
}

func resultFromState(turn int64, state *model.TimerState) *AdvanceResult {
	result := &AdvanceResult{
		TurnNumber:       turn,
		RemainingSeconds: state.RemainingSeconds,
	}
	if state.Running {
		deadline := state.LastTick.Add(time.Duration(state.RemainingSeconds) * time.Second)
		result.NextDeadline = &deadline
	}
	return result
}

func (o *Orchestrator) publish(ctx context.Context, notification model.Notification) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, notification); err != nil {
		log.Error().Err(err).Str("sessionId", notification.SessionID).Msg("orchestrator: publish notification")
	}
}

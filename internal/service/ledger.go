package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	apperrors "github.com/turnwarden/turnwarden/internal/errors"
	"github.com/turnwarden/turnwarden/internal/model"
	"github.com/turnwarden/turnwarden/internal/repository"
)

// ExtensionResult is the outcome of a granted extension request.
type ExtensionResult struct {
	Nation           string `json:"nation"`
	BalanceSeconds   int64  `json:"balanceSeconds"`
	ExtensionsUsed   int    `json:"extensionsUsedThisTurn"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

// Ledger manages per-player time banks: every granted extension debits the
// player's bank and credits the shared session countdown by the same amount.
type Ledger struct {
	db          TxRunner
	sessionRepo repository.SessionRepository
	bankRepo    repository.TimeBankRepository
	timerRepo   repository.TimerStateRepository
	locks       *SessionLocks
	scheduler   *Scheduler
}

func NewLedger(
	db TxRunner,
	sessionRepo repository.SessionRepository,
	bankRepo repository.TimeBankRepository,
	timerRepo repository.TimerStateRepository,
	locks *SessionLocks,
	scheduler *Scheduler,
) *Ledger {
	return &Ledger{
		db:          db,
		sessionRepo: sessionRepo,
		bankRepo:    bankRepo,
		timerRepo:   timerRepo,
		locks:       locks,
		scheduler:   scheduler,
	}
}

// RequestExtension spends amount from a player's bank to push the session
// deadline out. The per-turn cap is checked before the balance so a capped
// player gets the right refusal even with a full bank.
func (l *Ledger) RequestExtension(ctx context.Context, sessionID, nation string, amount time.Duration) (*ExtensionResult, error) {
	if amount <= 0 {
		return nil, apperrors.InvalidInput("amount", "must be positive")
	}
	cost := int64(amount / time.Second)

	unlock := l.locks.Lock(sessionID)
	defer unlock()

	session, err := l.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("session")
	}
	if session.Phase != model.PhasePlaying {
		return nil, apperrors.InvalidStateTransition(string(session.Phase), "requestExtension")
	}

	bank, err := l.bankRepo.Get(ctx, sessionID, nation)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if bank == nil {
		return nil, apperrors.NotFound(fmt.Sprintf("time bank for %s", nation))
	}

	if bank.MaxExtensionsPerTurn != nil && bank.ExtensionsUsedThisTurn >= *bank.MaxExtensionsPerTurn {
		return nil, apperrors.LimitExceeded(fmt.Sprintf(
			"%s already used %d extensions this turn", nation, bank.ExtensionsUsedThisTurn))
	}

	if bank.BalanceSeconds < cost {
		return nil, apperrors.InsufficientBalance(fmt.Sprintf(
			"%s has %ds banked, requested %ds", nation, bank.BalanceSeconds, cost))
	}

	// The debit and the countdown credit commit together; a failed timer
	// write rolls the spend back.
	newBalance := bank.BalanceSeconds - cost
	now := time.Now()
	var state *model.TimerState
	err = l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := l.bankRepo.WithTx(tx).RecordSpend(ctx, sessionID, nation, newBalance); err != nil {
			return err
		}
		var err error
		state, err = l.scheduler.extendWith(ctx, l.timerRepo.WithTx(tx), sessionID, amount, now)
		return err
	})
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok {
			return nil, appErr
		}
		return nil, apperrors.Database(err)
	}
	l.scheduler.noteExtended(ctx, sessionID, amount, state)

	log.Info().
		Str("sessionId", sessionID).
		Str("nation", nation).
		Int64("spentSeconds", cost).
		Int64("balanceSeconds", newBalance).
		Int64("remainingSeconds", state.RemainingSeconds).
		Msg("extension granted")

	return &ExtensionResult{
		Nation:           nation,
		BalanceSeconds:   newBalance,
		ExtensionsUsed:   bank.ExtensionsUsedThisTurn + 1,
		RemainingSeconds: state.RemainingSeconds,
	}, nil
}

// UpsertBank creates or reconfigures a player's time bank.
func (l *Ledger) UpsertBank(ctx context.Context, params model.CreateTimeBankParams) (*model.PlayerTimeBank, error) {
	if params.Nation == "" {
		return nil, apperrors.MissingRequired("nation")
	}
	if params.BalanceSeconds < 0 {
		return nil, apperrors.InvalidInput("balanceSeconds", "must not be negative")
	}
	if params.PerTurnBonusSeconds < 0 {
		return nil, apperrors.InvalidInput("perTurnBonusSeconds", "must not be negative")
	}
	if params.MaxExtensionsPerTurn != nil && *params.MaxExtensionsPerTurn < 0 {
		return nil, apperrors.InvalidInput("maxExtensionsPerTurn", "must not be negative")
	}

	unlock := l.locks.Lock(params.SessionID)
	defer unlock()

	session, err := l.sessionRepo.FindByID(ctx, params.SessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("session")
	}

	bank, err := l.bankRepo.Upsert(ctx, params)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return bank, nil
}

// ListBanks returns all time banks for a session.
func (l *Ledger) ListBanks(ctx context.Context, sessionID string) ([]model.PlayerTimeBank, error) {
	banks, err := l.bankRepo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return banks, nil
}

// GetBank returns one nation's bank.
func (l *Ledger) GetBank(ctx context.Context, sessionID, nation string) (*model.PlayerTimeBank, error) {
	bank, err := l.bankRepo.Get(ctx, sessionID, nation)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if bank == nil {
		return nil, apperrors.NotFound(fmt.Sprintf("time bank for %s", nation))
	}
	return bank, nil
}

// RemoveBank deletes a nation's bank, for players dropped from the game.
func (l *Ledger) RemoveBank(ctx context.Context, sessionID, nation string) error {
	unlock := l.locks.Lock(sessionID)
	defer unlock()

	if err := l.bankRepo.Delete(ctx, sessionID, nation); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

package model

import "time"

// PlayerTimeBank is a nation-scoped reserve of extra time that can be spent
// to extend the session's shared clock. Banks are keyed by nation rather than
// user so multiple players claiming the same nation share one reserve.
type PlayerTimeBank struct {
	SessionID              string    `db:"session_id" json:"sessionId"`
	Nation                 string    `db:"nation" json:"nation"`
	BalanceSeconds         int64     `db:"balance_seconds" json:"balanceSeconds"`
	ExtensionsUsedThisTurn int       `db:"extensions_used_this_turn" json:"extensionsUsedThisTurn"`
	MaxExtensionsPerTurn   *int      `db:"max_extensions_per_turn" json:"maxExtensionsPerTurn,omitempty"`
	PerTurnBonusSeconds    int64     `db:"per_turn_bonus_seconds" json:"perTurnBonusSeconds"`
	UpdatedAt              time.Time `db:"updated_at" json:"updatedAt"`
}

func (b *PlayerTimeBank) Balance() time.Duration {
	return time.Duration(b.BalanceSeconds) * time.Second
}

type CreateTimeBankParams struct {
	SessionID            string
	Nation               string
	BalanceSeconds       int64
	MaxExtensionsPerTurn *int
	PerTurnBonusSeconds  int64
}

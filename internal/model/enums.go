package model

// LifecyclePhase is the internal representation of a session's lifecycle.
// The legacy active/started/ended booleans exposed at the API boundary are
// derived from it; see Session.Flags.
type LifecyclePhase string

const (
	PhaseLobby   LifecyclePhase = "lobby"   // created, waiting for players
	PhasePlaying LifecyclePhase = "playing" // first turn accepted
	PhaseEnded   LifecyclePhase = "ended"   // explicitly ended
	PhaseDeleted LifecyclePhase = "deleted" // removed, history retained
)

// LifecycleEvent is a transition request against the session state machine.
type LifecycleEvent string

const (
	EventLaunch       LifecycleEvent = "launch"
	EventStartPlay    LifecycleEvent = "startPlay"
	EventEndGame      LifecycleEvent = "endGame"
	EventDeleteLobby  LifecycleEvent = "deleteLobby"
	EventResetStarted LifecycleEvent = "resetStarted"
)

// AdvancePhase is the persisted phase of an in-flight turn advance. It lives
// on the TurnRecord so a restart can resume an interrupted advance instead of
// losing it.
type AdvancePhase string

const (
	AdvancePreBackup  AdvancePhase = "pre_backup"
	AdvanceSignaling  AdvancePhase = "advancing"
	AdvancePostBackup AdvancePhase = "post_backup"
	AdvanceNotifying  AdvancePhase = "notifying"
	AdvanceComplete   AdvancePhase = "complete"
	AdvanceFailed     AdvancePhase = "failed"
)

// Resolved reports whether the advance finished; anything else blocks new
// advances for the session until resumed or rolled back.
func (p AdvancePhase) Resolved() bool {
	return p == AdvanceComplete
}

// BackupPhase distinguishes the snapshot taken before the engine processes a
// turn from the one taken after.
type BackupPhase string

const (
	BackupPre  BackupPhase = "pre"
	BackupPost BackupPhase = "post"
)

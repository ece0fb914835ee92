package process

import "context"

// Handle is the control surface over one running engine instance. Only the
// turn orchestrator (via the registry) may drive it; no other component
// issues process-control calls.
type Handle interface {
	// Start launches the engine for this session and returns its pid.
	Start(ctx context.Context) (int64, error)
	// Stop terminates the engine process. Stopping an already-dead
	// process is not an error.
	Stop(ctx context.Context) error
	// Alive probes whether the engine process is still running.
	Alive(ctx context.Context) bool
	// SignalAdvance asks the engine to process the current turn now.
	SignalAdvance(ctx context.Context) error
	// Status reads the engine's status artifacts: current turn number and
	// the pass-through player lists.
	Status(ctx context.Context) (*Status, error)
	// Workdir is the engine's working directory for this session, the
	// unit the backup store snapshots.
	Workdir() string
	// ErrorTail returns the meaningful tail of the engine's error log,
	// for crash notifications.
	ErrorTail() string
}

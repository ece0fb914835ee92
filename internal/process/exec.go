package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	statusDumpFile = "statusdump.txt"
	statsFile      = "stats.txt"
	commandFile    = "domcmd"
	errorLogFile   = "engine_error.log"

	// settimeleft forces the engine to host the turn almost immediately.
	advanceCommand = "settimeleft 5"
)

// LaunchSpec describes one engine launch. ExtraArgs carries the session's
// opaque configuration through to the engine command line without the core
// interpreting it.
type LaunchSpec struct {
	Binary      string
	SessionID   string
	SessionName string
	Workdir     string
	Port        int
	PreHookURL  string
	PostHookURL string
	ExtraArgs   []string
}

// EngineProcess is the exec-backed Handle implementation.
type EngineProcess struct {
	spec LaunchSpec

	mu   sync.Mutex
	proc *os.Process
	pid  int64
}

var _ Handle = (*EngineProcess)(nil)

func NewEngineProcess(spec LaunchSpec) *EngineProcess {
	return &EngineProcess{spec: spec}
}

// Adopt attaches the handle to an already-running engine process, used when
// the server restarts while sessions are live.
func (p *EngineProcess) Adopt(pid int64) error {
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proc = proc
	p.pid = pid
	return nil
}

func (p *EngineProcess) buildArgs() []string {
	args := []string{
		"--tcpserver",
		"--ipadr", "localhost",
		"--port", strconv.Itoa(p.spec.Port),
		"--newgame", p.spec.SessionName,
		"--noclientstart",
		"--textonly",
		"--statfile",
		"--statusdump",
		"--preexec", fmt.Sprintf("curl -X POST %s", p.spec.PreHookURL),
		"--postexec", fmt.Sprintf("curl -X POST %s", p.spec.PostHookURL),
	}
	return append(args, p.spec.ExtraArgs...)
}

func (p *EngineProcess) Start(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc != nil && p.alive() {
		return p.pid, nil
	}

	if err := os.MkdirAll(p.spec.Workdir, 0o755); err != nil {
		return 0, fmt.Errorf("create workdir: %w", err)
	}

	logPath := filepath.Join(p.spec.Workdir, errorLogFile)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open engine log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, p.spec.Binary, p.buildArgs()...)
	cmd.Dir = p.spec.Workdir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	// Detach from our process group so engine instances survive a server
	// restart and can be re-adopted.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start engine: %w", err)
	}

	p.proc = cmd.Process
	p.pid = int64(cmd.Process.Pid)

	// The engine exits immediately on bad maps or mods; give it a moment
	// before declaring the launch good.
	go func() { _ = cmd.Wait() }()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(startGrace):
	}

	if !p.alive() {
		return 0, fmt.Errorf("engine died right after start: %s", p.errorTailLocked())
	}

	log.Info().
		Str("sessionId", p.spec.SessionID).
		Int64("pid", p.pid).
		Int("port", p.spec.Port).
		Msg("engine started")

	return p.pid, nil
}

const startGrace = 3 * time.Second

func (p *EngineProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc == nil {
		return nil
	}

	err := p.proc.Signal(syscall.SIGTERM)
	if err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("signal engine pid %d: %w", p.pid, err)
	}

	log.Info().Str("sessionId", p.spec.SessionID).Int64("pid", p.pid).Msg("engine stopped")
	p.proc = nil
	return nil
}

func (p *EngineProcess) Alive(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive()
}

// alive probes with signal 0; callers hold p.mu.
func (p *EngineProcess) alive() bool {
	if p.proc == nil {
		return false
	}
	return p.proc.Signal(syscall.Signal(0)) == nil
}

func (p *EngineProcess) SignalAdvance(ctx context.Context) error {
	path := filepath.Join(p.spec.Workdir, commandFile)
	if err := os.WriteFile(path, []byte(advanceCommand), 0o644); err != nil {
		return fmt.Errorf("write engine command file: %w", err)
	}
	log.Debug().Str("sessionId", p.spec.SessionID).Msg("advance signal written")
	return nil
}

func (p *EngineProcess) Status(ctx context.Context) (*Status, error) {
	dump, err := os.Open(filepath.Join(p.spec.Workdir, statusDumpFile))
	if err != nil {
		if os.IsNotExist(err) {
			// No dump yet means the session is still in the lobby.
			return &Status{Turn: -1}, nil
		}
		return nil, fmt.Errorf("open statusdump: %w", err)
	}
	defer dump.Close()

	turn, err := ParseStatusDump(dump)
	if err != nil {
		return nil, err
	}

	status := &Status{Turn: turn}

	stats, err := os.Open(filepath.Join(p.spec.Workdir, statsFile))
	if err == nil {
		defer stats.Close()
		if parsed, perr := ParseStats(stats); perr == nil {
			status.MissedTurns = parsed.MissedTurns
		}
	}

	return status, nil
}

func (p *EngineProcess) Workdir() string {
	return p.spec.Workdir
}

func (p *EngineProcess) ErrorTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errorTailLocked()
}

var uselessLogPatterns = []string{
	"Setup port",
	"seconds, open:",
	"kdialog: not found",
	"zenity: not found",
	"Error: Can't open display:",
	"sh: 1:",
}

func (p *EngineProcess) errorTailLocked() string {
	data, err := os.ReadFile(filepath.Join(p.spec.Workdir, errorLogFile))
	if err != nil {
		return "no engine log found"
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		useless := false
		for _, pattern := range uselessLogPatterns {
			if strings.Contains(line, pattern) {
				useless = true
				break
			}
		}
		if !useless {
			kept = append(kept, line)
		}
	}

	if len(kept) == 0 {
		return "no meaningful errors in engine log"
	}
	if len(kept) > 3 {
		kept = kept[len(kept)-3:]
	}
	return strings.Join(kept, " | ")
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/turnwarden/turnwarden/internal/backup"
	"github.com/turnwarden/turnwarden/internal/database"
	"github.com/turnwarden/turnwarden/internal/model"
	"github.com/turnwarden/turnwarden/internal/process"
	"github.com/turnwarden/turnwarden/internal/repository"
)

// Mock session repository

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) FindByName(ctx context.Context, name string) (*model.Session, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) ListActive(ctx context.Context) ([]model.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Session), args.Error(1)
}

func (m *mockSessionRepo) ListByPhase(ctx context.Context, phase model.LifecyclePhase) ([]model.Session, error) {
	args := m.Called(ctx, phase)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Session), args.Error(1)
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) UpdatePhase(ctx context.Context, id string, phase model.LifecyclePhase) error {
	args := m.Called(ctx, id, phase)
	return args.Error(0)
}

func (m *mockSessionRepo) UpdateProcess(ctx context.Context, id string, pid *int64, running bool) error {
	args := m.Called(ctx, id, pid, running)
	return args.Error(0)
}

func (m *mockSessionRepo) UpdateDefaultTurnSeconds(ctx context.Context, id string, seconds int64) error {
	args := m.Called(ctx, id, seconds)
	return args.Error(0)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository {
	return m
}

// Mock timer state repository

type mockTimerRepo struct {
	mock.Mock
}

func (m *mockTimerRepo) Get(ctx context.Context, sessionID string) (*model.TimerState, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TimerState), args.Error(1)
}

func (m *mockTimerRepo) ListRunning(ctx context.Context) ([]model.TimerState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.TimerState), args.Error(1)
}

func (m *mockTimerRepo) Create(ctx context.Context, sessionID string, remainingSeconds int64, running bool) (*model.TimerState, error) {
	args := m.Called(ctx, sessionID, remainingSeconds, running)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TimerState), args.Error(1)
}

func (m *mockTimerRepo) UpdateCountdown(ctx context.Context, sessionID string, remainingSeconds int64, lastTick time.Time, lowWarned bool) error {
	args := m.Called(ctx, sessionID, remainingSeconds, lastTick, lowWarned)
	return args.Error(0)
}

func (m *mockTimerRepo) SetRunning(ctx context.Context, sessionID string, running bool, pausedAt *time.Time) error {
	args := m.Called(ctx, sessionID, running, pausedAt)
	return args.Error(0)
}

func (m *mockTimerRepo) ResetForTurn(ctx context.Context, sessionID string, remainingSeconds int64, now time.Time) error {
	args := m.Called(ctx, sessionID, remainingSeconds, now)
	return args.Error(0)
}

func (m *mockTimerRepo) WithTx(tx *sqlx.Tx) repository.TimerStateRepository {
	return m
}

// Mock time bank repository

type mockBankRepo struct {
	mock.Mock
}

func (m *mockBankRepo) Get(ctx context.Context, sessionID, nation string) (*model.PlayerTimeBank, error) {
	args := m.Called(ctx, sessionID, nation)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PlayerTimeBank), args.Error(1)
}

func (m *mockBankRepo) ListBySession(ctx context.Context, sessionID string) ([]model.PlayerTimeBank, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PlayerTimeBank), args.Error(1)
}

func (m *mockBankRepo) Upsert(ctx context.Context, params model.CreateTimeBankParams) (*model.PlayerTimeBank, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PlayerTimeBank), args.Error(1)
}

func (m *mockBankRepo) RecordSpend(ctx context.Context, sessionID, nation string, newBalanceSeconds int64) error {
	args := m.Called(ctx, sessionID, nation, newBalanceSeconds)
	return args.Error(0)
}

func (m *mockBankRepo) ResetTurn(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *mockBankRepo) Delete(ctx context.Context, sessionID, nation string) error {
	args := m.Called(ctx, sessionID, nation)
	return args.Error(0)
}

func (m *mockBankRepo) WithTx(tx *sqlx.Tx) repository.TimeBankRepository {
	return m
}

// Mock turn record repository

type mockTurnRepo struct {
	mock.Mock
}

func (m *mockTurnRepo) Latest(ctx context.Context, sessionID string) (*model.TurnRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TurnRecord), args.Error(1)
}

func (m *mockTurnRepo) FindUnresolved(ctx context.Context, sessionID string) (*model.TurnRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TurnRecord), args.Error(1)
}

func (m *mockTurnRepo) ListBySession(ctx context.Context, sessionID string) ([]model.TurnRecord, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.TurnRecord), args.Error(1)
}

func (m *mockTurnRepo) Create(ctx context.Context, sessionID string, turnNumber int64) (*model.TurnRecord, error) {
	args := m.Called(ctx, sessionID, turnNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TurnRecord), args.Error(1)
}

func (m *mockTurnRepo) UpdatePhase(ctx context.Context, id int64, phase model.AdvancePhase) error {
	args := m.Called(ctx, id, phase)
	return args.Error(0)
}

func (m *mockTurnRepo) SetPreBackupRef(ctx context.Context, id int64, ref string) error {
	args := m.Called(ctx, id, ref)
	return args.Error(0)
}

func (m *mockTurnRepo) Complete(ctx context.Context, id int64, postRef string) error {
	args := m.Called(ctx, id, postRef)
	return args.Error(0)
}

func (m *mockTurnRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *mockTurnRepo) TruncateAfter(ctx context.Context, sessionID string, turnNumber int64) (int64, error) {
	args := m.Called(ctx, sessionID, turnNumber)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTurnRepo) WithTx(tx *sqlx.Tx) repository.TurnRecordRepository {
	return m
}

// Mock snapshot repository

type mockSnapRepo struct {
	mock.Mock
}

func (m *mockSnapRepo) Create(ctx context.Context, params repository.CreateSnapshotParams) (*model.BackupSnapshot, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BackupSnapshot), args.Error(1)
}

func (m *mockSnapRepo) Find(ctx context.Context, sessionID string, turnNumber int64, phase model.BackupPhase) (*model.BackupSnapshot, error) {
	args := m.Called(ctx, sessionID, turnNumber, phase)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BackupSnapshot), args.Error(1)
}

func (m *mockSnapRepo) FindByRef(ctx context.Context, ref string) (*model.BackupSnapshot, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BackupSnapshot), args.Error(1)
}

func (m *mockSnapRepo) ListBySession(ctx context.Context, sessionID string) ([]model.BackupSnapshot, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.BackupSnapshot), args.Error(1)
}

func (m *mockSnapRepo) WithTx(tx *sqlx.Tx) repository.SnapshotRepository {
	return m
}

// Mock backup store

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Snapshot(ctx context.Context, workdir, sessionID string, turn int64, phase model.BackupPhase) (*backup.Archive, error) {
	args := m.Called(ctx, workdir, sessionID, turn, phase)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*backup.Archive), args.Error(1)
}

func (m *mockStore) Restore(ctx context.Context, ref, expectedChecksum, workdir string) error {
	args := m.Called(ctx, ref, expectedChecksum, workdir)
	return args.Error(0)
}

func (m *mockStore) Exists(ref, expectedChecksum string) bool {
	args := m.Called(ref, expectedChecksum)
	return args.Bool(0)
}

// fakeHandle is a configurable in-memory engine. SignalAdvance moves the
// turn counter forward when advanceOnSignal is set, mimicking an engine
// that hosts promptly.
type fakeHandle struct {
	mu              sync.Mutex
	turn            int64
	alive           bool
	advanceOnSignal bool
	workdir         string
	unplayed        []string
	missed          []string
	startErr        error
	signalErr       error
	statusErr       error
	signalCount     int
	stopped         bool
}

func newFakeHandle(turn int64) *fakeHandle {
	return &fakeHandle{turn: turn, alive: true, advanceOnSignal: true, workdir: "/tmp/fake"}
}

func (h *fakeHandle) Start(ctx context.Context) (int64, error) {
	if h.startErr != nil {
		return 0, h.startErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = true
	return 12345, nil
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive = false
	h.stopped = true
	return nil
}

func (h *fakeHandle) Alive(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) SignalAdvance(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signalCount++
	if h.signalErr != nil {
		return h.signalErr
	}
	if h.advanceOnSignal {
		h.turn++
	}
	return nil
}

func (h *fakeHandle) Status(ctx context.Context) (*process.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.statusErr != nil {
		return nil, h.statusErr
	}
	return &process.Status{
		Turn:            h.turn,
		MissedTurns:     h.missed,
		UnplayedNations: h.unplayed,
	}, nil
}

func (h *fakeHandle) Workdir() string { return h.workdir }

func (h *fakeHandle) ErrorTail() string { return "fake engine tail" }

func (h *fakeHandle) signals() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signalCount
}

// fakeNotifier records published notifications.
type fakeNotifier struct {
	mu     sync.Mutex
	events []model.Notification
}

func (n *fakeNotifier) Publish(ctx context.Context, notification model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification)
	return nil
}

func (n *fakeNotifier) byType(t model.NotificationType) []model.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Notification
	for _, e := range n.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeTxRunner runs the transaction body directly; the mocked repositories
// ignore the nil tx.
type fakeTxRunner struct {
	err error
}

func (f *fakeTxRunner) WithTx(ctx context.Context, fn database.TxFunc) error {
	if f.err != nil {
		return f.err
	}
	return fn(nil)
}

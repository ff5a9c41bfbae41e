// Package session tracks which Line is connected and implements the host
// side of the call engine: settings snapshot, activation, auto-disconnect,
// missed calls and the call-waiting note.
package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"switchboard/internal/clock"
	appLog "switchboard/internal/log"
	"switchboard/internal/model"
	"switchboard/internal/vault"
)

var (
	ErrNotConnected = errors.New("no line is connected")
	ErrNoVault      = errors.New("no vault configured for call waiting")
)

const maxMissedInMemory = 200

// Store persists missed calls and session history. Optional.
type Store interface {
	AddMissedCall(ctx context.Context, call model.MissedCall) error
	MissedCalls(ctx context.Context, limit int) ([]model.MissedCall, error)
	StartSession(ctx context.Context, line model.Line, at time.Time) (int64, error)
	EndSession(ctx context.Context, id int64, at time.Time, reason string) error
}

type Options struct {
	Clock clock.Clock
	Store Store
	Lines []model.Line
	// VaultDir and CallWaitingNote locate the call-waiting note. An empty
	// VaultDir disables SaveCallWaiting.
	VaultDir        string
	CallWaitingNote string
}

// Status describes the connected Line, if any.
type Status struct {
	Line  model.Line `json:"line"`
	Since time.Time  `json:"since"`
	Until *time.Time `json:"until,omitempty"`
}

type active struct {
	line      model.Line
	since     time.Time
	sessionID int64
	until     *time.Time
	timer     clock.Timer
}

type Manager struct {
	clock    clock.Clock
	store    Store
	notePath string

	mu     sync.Mutex
	lines  []model.Line
	active *active
	missed []model.MissedCall
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	m := &Manager{
		clock: opts.Clock,
		store: opts.Store,
		lines: cloneLines(opts.Lines),
	}
	if opts.VaultDir != "" && opts.CallWaitingNote != "" {
		m.notePath = filepath.Join(opts.VaultDir, filepath.FromSlash(opts.CallWaitingNote))
	}
	return m
}

func cloneLines(lines []model.Line) []model.Line {
	return append([]model.Line(nil), lines...)
}

func (m *Manager) Lines() []model.Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneLines(m.lines)
}

// SetLines replaces the settings snapshot. A connected Line keeps running;
// its name and color follow the new settings.
func (m *Manager) SetLines(lines []model.Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = cloneLines(lines)
	if m.active != nil {
		if l, ok := model.FindLine(m.lines, m.active.line.ID); ok {
			m.active.line = l
		}
	}
}

func (m *Manager) ActiveLine() (model.Line, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return model.Line{}, false
	}
	return m.active.line, true
}

func (m *Manager) Status() (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Status{}, false
	}
	return Status{Line: m.active.line, Since: m.active.since, Until: m.active.until}, true
}

// ActivateLine connects line, ending any session already in progress.
func (m *Manager) ActivateLine(ctx context.Context, line model.Line) error {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.endLocked(ctx, now, "switch")
	}

	a := &active{line: line, since: now}
	if m.store != nil {
		id, err := m.store.StartSession(ctx, line, now)
		if err != nil {
			appLog.Error("session: record start failed", err, "line", line.ID)
		}
		a.sessionID = id
	}
	m.active = a
	appLog.Info("session: connected", "line", line.ID, "name", line.Name)
	return nil
}

// Disconnect ends the current session.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNotConnected
	}
	m.endLocked(ctx, m.clock.Now(), "manual")
	return nil
}

func (m *Manager) endLocked(ctx context.Context, at time.Time, reason string) {
	a := m.active
	m.active = nil
	if a.timer != nil {
		a.timer.Stop()
	}
	if m.store != nil && a.sessionID != 0 {
		if err := m.store.EndSession(ctx, a.sessionID, at, reason); err != nil {
			appLog.Error("session: record end failed", err, "line", a.line.ID)
		}
	}
	appLog.Info("session: disconnected", "line", a.line.ID, "reason", reason, "duration", at.Sub(a.since).Round(time.Second))
}

// ScheduleAutoDisconnect ends the current session at the given time. A later
// call replaces the earlier deadline.
func (m *Manager) ScheduleAutoDisconnect(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ErrNotConnected
	}

	a := m.active
	if a.timer != nil {
		a.timer.Stop()
	}
	delay := at.Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}
	until := at
	a.until = &until
	a.timer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.active != a {
			return
		}
		m.endLocked(context.Background(), m.clock.Now(), "auto")
	})
	appLog.Debug("session: auto-disconnect armed", "line", a.line.ID, "at", at)
	return nil
}

// AppendMissedCall records a call that rang during another session.
func (m *Manager) AppendMissedCall(call model.MissedCall) {
	m.mu.Lock()
	m.missed = append(m.missed, call)
	if len(m.missed) > maxMissedInMemory {
		m.missed = m.missed[len(m.missed)-maxMissedInMemory:]
	}
	m.mu.Unlock()

	appLog.Info("session: missed call", "line", call.LineName, "title", call.TaskTitle)
	if m.store != nil {
		if err := m.store.AddMissedCall(context.Background(), call); err != nil {
			appLog.Error("session: persist missed call failed", err)
		}
	}
}

// MissedCalls returns the missed-call history, oldest first. The store is
// authoritative when configured.
func (m *Manager) MissedCalls(ctx context.Context) ([]model.MissedCall, error) {
	if m.store != nil {
		return m.store.MissedCalls(ctx, maxMissedInMemory)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.MissedCall{}, m.missed...), nil
}

// SaveCallWaiting appends occ to the call-waiting note in the vault.
func (m *Manager) SaveCallWaiting(ctx context.Context, occ model.Occurrence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.notePath == "" {
		return ErrNoVault
	}
	return vault.AppendCallWaiting(m.notePath, occ, m.clock.Now())
}

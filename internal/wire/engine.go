// Package wire is the call engine: it turns scheduled blocks and external
// tasks into armed timers, rings the presentation layer when one fires, and
// applies the user's answer (connect, hold, decline, call-waiting,
// reschedule).
package wire

import (
	"context"
	"errors"
	"sync"
	"time"

	"switchboard/internal/clock"
	"switchboard/internal/events"
	appLog "switchboard/internal/log"
	"switchboard/internal/model"
	"switchboard/internal/schedule"
	"switchboard/internal/task"
)

var (
	ErrLineNotFound   = errors.New("line not found")
	ErrInvalidMinutes = errors.New("minutes must be positive")
)

const (
	defaultSnoozeMinutes = 5
	defaultTaskGrace     = time.Minute
)

// Host is everything the engine needs from the surrounding application.
type Host interface {
	// Lines returns the current settings snapshot.
	Lines() []model.Line
	ActiveLine() (model.Line, bool)
	ActivateLine(ctx context.Context, line model.Line) error
	ScheduleAutoDisconnect(ctx context.Context, at time.Time) error
	AppendMissedCall(call model.MissedCall)
	// SaveCallWaiting persists a "saved for later" entry for the occurrence.
	SaveCallWaiting(ctx context.Context, occ model.Occurrence) error
}

// Presenter shows an incoming call. The user's answer comes back through
// one of the engine's action methods; the presenter must accept at most one
// answer per call.
type Presenter interface {
	PresentIncomingCall(call IncomingCall)
}

// TaskSource returns the latest normalized external tasks.
type TaskSource interface {
	Tasks(ctx context.Context) ([]task.Task, error)
}

// Notifier delivers schedule-changed and sync-completed notifications.
type Notifier interface {
	Subscribe(eventType events.EventType, fn events.Subscriber) func()
}

// IncomingCall is what the presenter receives when a call rings.
type IncomingCall struct {
	Occurrence           model.Occurrence `json:"occurrence"`
	DefaultSnoozeMinutes int              `json:"default_snooze_minutes"`
}

// Options configures an Engine. Host, Presenter and Clock are required.
type Options struct {
	Host      Host
	Presenter Presenter
	Clock     clock.Clock
	Tasks     TaskSource
	Notifier  Notifier

	// Location is the zone block times are read in. Defaults to time.Local.
	Location *time.Location
	// DefaultSnoozeMinutes is used by Hold when no duration is given.
	DefaultSnoozeMinutes int
	// TaskGrace is how far in the past an external task may be and still ring.
	TaskGrace time.Duration
}

// Engine owns the call state. All state transitions happen under mu;
// collaborators are always called with mu released. refreshMu is taken
// before mu and only by Refresh, so passes apply in the order they read.
type Engine struct {
	host      Host
	presenter Presenter
	clock     clock.Clock
	tasks     TaskSource
	notifier  Notifier

	loc           *time.Location
	defaultSnooze int
	taskGrace     time.Duration

	refreshMu sync.Mutex

	mu          sync.Mutex
	running     bool
	unsubscribe []func()
	scheduled   map[string]*ScheduledCall
	snoozed     map[string]SnoozedCall
	declined    map[string]struct{}
	// fired maps dispatched task ids to their occurrence time.
	fired map[string]time.Time
}

func New(opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DefaultSnoozeMinutes <= 0 {
		opts.DefaultSnoozeMinutes = defaultSnoozeMinutes
	}
	if opts.TaskGrace <= 0 {
		opts.TaskGrace = defaultTaskGrace
	}
	e := &Engine{
		host:          opts.Host,
		presenter:     opts.Presenter,
		clock:         opts.Clock,
		tasks:         opts.Tasks,
		notifier:      opts.Notifier,
		loc:           opts.Location,
		defaultSnooze: opts.DefaultSnoozeMinutes,
		taskGrace:     opts.TaskGrace,
	}
	e.resetLocked()
	return e
}

func (e *Engine) resetLocked() {
	e.scheduled = make(map[string]*ScheduledCall)
	e.snoozed = make(map[string]SnoozedCall)
	e.declined = make(map[string]struct{})
	e.fired = make(map[string]time.Time)
}

func (e *Engine) now() time.Time {
	return e.clock.Now().In(e.loc)
}

// Start arms the schedule once and begins listening for schedule and sync
// notifications. It is a no-op when already running.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.resetLocked()
	e.mu.Unlock()

	if e.notifier != nil {
		onChange := func(ev events.Event) {
			appLog.Debug("wire: refresh on notification", "type", ev.Type)
			e.Refresh(context.Background())
		}
		unsubs := []func(){
			e.notifier.Subscribe(events.ScheduleChanged, onChange),
			e.notifier.Subscribe(events.SyncCompleted, onChange),
		}
		e.mu.Lock()
		e.unsubscribe = unsubs
		e.mu.Unlock()
	}

	appLog.Info("wire: engine started")
	e.Refresh(ctx)
}

// Stop cancels every armed timer, forgets all call state and unsubscribes.
// It is a no-op when already stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for id := range e.scheduled {
		e.cancelLocked(id)
	}
	e.resetLocked()
	unsubs := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	appLog.Info("wire: engine stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Refresh reconciles armed timers with the current blocks and tasks.
// Running it twice in a row leaves exactly the same set of timers.
// Concurrent calls run one at a time, each reading the host after the
// previous one applied.
func (e *Engine) Refresh(ctx context.Context) {
	if !e.Running() {
		return
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	lines := e.host.Lines()
	var tasks []task.Task
	if e.tasks != nil {
		var err error
		tasks, err = e.tasks.Tasks(ctx)
		if err != nil {
			appLog.Error("wire: task source unavailable, scheduling blocks only", err)
			tasks = nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	now := e.now()
	e.clearForRefreshLocked(now)

	armed := 0
	for _, line := range lines {
		for _, block := range line.Blocks {
			at, ok := schedule.NextTrigger(block, now)
			if !ok {
				appLog.Debug("wire: block has no upcoming trigger", "line", line.ID, "block", block.ID)
				continue
			}
			occ := blockOccurrence(line, block, at)
			if e.considerLocked(occ, now) {
				armed++
			}
		}
	}

	for _, t := range tasks {
		if !t.HasTime() {
			continue
		}
		if t.When.Before(now.Add(-e.taskGrace)) {
			continue
		}
		line, ok := task.MatchLine(t, lines)
		if !ok {
			continue
		}
		if e.considerLocked(task.Occurrence(t, line), now) {
			armed++
		}
	}

	armed += e.armSnoozesLocked(now)

	appLog.Debug("wire: refresh complete",
		"armed", armed,
		"scheduled", len(e.scheduled),
		"snoozed", len(e.snoozed),
		"declined", len(e.declined),
	)
}

// considerLocked applies the per-occurrence refresh rules and arms a timer
// when the occurrence is eligible. It reports whether a timer was armed.
func (e *Engine) considerLocked(occ model.Occurrence, now time.Time) bool {
	if _, ok := e.declined[occ.TaskID]; ok {
		return false
	}
	if _, ok := e.scheduled[occ.TaskID]; ok {
		return false
	}
	if sn, ok := e.snoozed[occ.TaskID]; ok && sn.Until.After(now) {
		e.armLocked(occ, sn.Until, false, now)
		return true
	}
	if _, ok := e.fired[occ.TaskID]; ok {
		return false
	}
	e.armLocked(occ, occ.At, false, now)
	return true
}

func blockOccurrence(line model.Line, block model.ScheduledBlock, at time.Time) model.Occurrence {
	occ := model.Occurrence{
		TaskID:    model.BlockTaskID(line.ID, block.ID, at),
		Source:    model.SourceBlock,
		LineID:    line.ID,
		LineName:  line.Name,
		LineColor: line.Color,
		Title:     line.Name,
		At:        at,
	}
	if end, ok := schedule.EndFor(block, at); ok {
		occ.End = &end
	}
	return occ
}

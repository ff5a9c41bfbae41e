package wire

import (
	"context"
	"errors"
	"sync"
	"time"

	"switchboard/internal/clock"
	"switchboard/internal/events"
	"switchboard/internal/model"
	"switchboard/internal/task"
)

type fakeHost struct {
	mu          sync.Mutex
	lines       []model.Line
	active      *model.Line
	linesCalls  int
	activated   []string
	disconnects []time.Time
	missed      []model.MissedCall
	saved       []model.Occurrence
	saveErr     error
	activateErr error
}

func (h *fakeHost) Lines() []model.Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.linesCalls++
	return append([]model.Line(nil), h.lines...)
}

func (h *fakeHost) setLines(lines []model.Line) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = lines
}

func (h *fakeHost) setActive(l *model.Line) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = l
}

func (h *fakeHost) ActiveLine() (model.Line, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return model.Line{}, false
	}
	return *h.active, true
}

func (h *fakeHost) ActivateLine(_ context.Context, line model.Line) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activateErr != nil {
		return h.activateErr
	}
	h.activated = append(h.activated, line.ID)
	return nil
}

func (h *fakeHost) ScheduleAutoDisconnect(_ context.Context, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, at)
	return nil
}

func (h *fakeHost) AppendMissedCall(call model.MissedCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missed = append(h.missed, call)
}

func (h *fakeHost) SaveCallWaiting(_ context.Context, occ model.Occurrence) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saveErr != nil {
		return h.saveErr
	}
	h.saved = append(h.saved, occ)
	return nil
}

func (h *fakeHost) missedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.missed)
}

type fakePresenter struct {
	mu    sync.Mutex
	calls []IncomingCall
	panic bool
}

func (p *fakePresenter) PresentIncomingCall(call IncomingCall) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	shouldPanic := p.panic
	p.mu.Unlock()
	if shouldPanic {
		panic("presenter exploded")
	}
}

func (p *fakePresenter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePresenter) last() IncomingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks []task.Task
	err   error
}

func (f *fakeTasks) Tasks(context.Context) ([]task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]task.Task(nil), f.tasks...), nil
}

// gatedTasks parks the next Tasks call until the returned release is closed.
type gatedTasks struct {
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func newGatedTasks() *gatedTasks {
	return &gatedTasks{entered: make(chan struct{}, 1)}
}

func (g *gatedTasks) holdNext() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	return g.gate
}

func (g *gatedTasks) Tasks(ctx context.Context) ([]task.Task, error) {
	g.mu.Lock()
	gate := g.gate
	g.gate = nil
	g.mu.Unlock()
	if gate != nil {
		g.entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

type fakeNotifier struct {
	mu            sync.Mutex
	subscribes    int
	unsubscribes  int
	subscriptions map[events.EventType]events.Subscriber
}

func (n *fakeNotifier) Subscribe(t events.EventType, fn events.Subscriber) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribes++
	if n.subscriptions == nil {
		n.subscriptions = make(map[events.EventType]events.Subscriber)
	}
	n.subscriptions[t] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.unsubscribes++
		delete(n.subscriptions, t)
	}
}

var errBoom = errors.New("boom")

// 2026-10-14 is a Wednesday.
func wed(hour, minute int) time.Time {
	return time.Date(2026, 10, 14, hour, minute, 0, 0, time.UTC)
}

type harness struct {
	clock     *clock.Fake
	host      *fakeHost
	presenter *fakePresenter
	tasks     *fakeTasks
	notifier  *fakeNotifier
	engine    *Engine
}

func newHarness(now time.Time, lines ...model.Line) *harness {
	h := &harness{
		clock:     clock.NewFake(now),
		host:      &fakeHost{lines: lines},
		presenter: &fakePresenter{},
		tasks:     &fakeTasks{},
		notifier:  &fakeNotifier{},
	}
	h.engine = New(Options{
		Host:                 h.host,
		Presenter:            h.presenter,
		Clock:                h.clock,
		Tasks:                h.tasks,
		Notifier:             h.notifier,
		Location:             time.UTC,
		DefaultSnoozeMinutes: 7,
	})
	return h
}

func (h *harness) firedCount() int {
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	return len(h.engine.fired)
}

func mathLine(blocks ...model.ScheduledBlock) model.Line {
	return model.Line{ID: "math", Name: "Math 140", Color: "#3366ff", Blocks: blocks}
}

func weeklyBlock(id string, days []int, start, end string) model.ScheduledBlock {
	return model.ScheduledBlock{ID: id, Recurring: true, Days: days, StartTime: start, EndTime: end}
}

func onceBlock(id, date, start, end string) model.ScheduledBlock {
	return model.ScheduledBlock{ID: id, Date: date, StartTime: start, EndTime: end}
}

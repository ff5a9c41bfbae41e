package web

import (
	"sort"
	"sync"
	"time"

	"switchboard/internal/clock"
	appLog "switchboard/internal/log"
	"switchboard/internal/wire"
)

// PendingCall is an incoming call waiting for the user's answer.
type PendingCall struct {
	ID     string            `json:"id"`
	Call   wire.IncomingCall `json:"call"`
	RangAt time.Time         `json:"rang_at"`
}

// Board is the presenter behind the HTTP API. It holds ringing calls until
// the first action taken on each one; later actions find nothing to take.
type Board struct {
	clock clock.Clock

	mu    sync.Mutex
	calls map[string]PendingCall
}

func NewBoard(c clock.Clock) *Board {
	if c == nil {
		c = clock.Real{}
	}
	return &Board{clock: c, calls: make(map[string]PendingCall)}
}

// PresentIncomingCall implements wire.Presenter. A call that rings again
// before it was answered replaces the earlier entry.
func (b *Board) PresentIncomingCall(call wire.IncomingCall) {
	id := call.Occurrence.TaskID
	b.mu.Lock()
	b.calls[id] = PendingCall{ID: id, Call: call, RangAt: b.clock.Now()}
	b.mu.Unlock()
	appLog.Info("incoming call", "id", id, "line", call.Occurrence.LineName, "title", call.Occurrence.Title)
}

// Pending lists ringing calls, oldest first.
func (b *Board) Pending() []PendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingCall, 0, len(b.calls))
	for _, pc := range b.calls {
		out = append(out, pc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RangAt.Equal(out[j].RangAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RangAt.Before(out[j].RangAt)
	})
	return out
}

// Take removes the call so exactly one action can be applied to it.
func (b *Board) Take(id string) (wire.IncomingCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pc, ok := b.calls[id]
	if !ok {
		return wire.IncomingCall{}, false
	}
	delete(b.calls, id)
	return pc.Call, true
}

package wire

import (
	"sort"
	"time"

	"switchboard/internal/clock"
	"switchboard/internal/model"
)

// ScheduledCall is an armed timer for one occurrence.
type ScheduledCall struct {
	Occurrence model.Occurrence `json:"occurrence"`
	// At is when the timer fires; differs from Occurrence.At after a hold
	// or reschedule.
	At time.Time `json:"at"`
	// Manual marks timers armed by Reschedule, which survive refreshes.
	Manual bool `json:"manual"`

	timer clock.Timer
}

// SnoozedCall defers an occurrence until Until.
type SnoozedCall struct {
	TaskID     string           `json:"task_id"`
	Until      time.Time        `json:"until"`
	Occurrence model.Occurrence `json:"occurrence"`
}

// armLocked replaces any timer for occ.TaskID with one firing at at.
func (e *Engine) armLocked(occ model.Occurrence, at time.Time, manual bool, now time.Time) {
	e.cancelLocked(occ.TaskID)

	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	sc := &ScheduledCall{Occurrence: occ, At: at, Manual: manual}
	sc.timer = e.clock.AfterFunc(delay, func() { e.fire(sc) })
	e.scheduled[occ.TaskID] = sc
}

// cancelLocked stops the timer before dropping the entry so a late fire can
// never act on state that is already gone.
func (e *Engine) cancelLocked(taskID string) {
	sc, ok := e.scheduled[taskID]
	if !ok {
		return
	}
	sc.timer.Stop()
	delete(e.scheduled, taskID)
}

// clearForRefreshLocked drops every recomputable timer. Manual timers stay,
// and so do timers already due: their callbacks are about to dispatch them.
// Fired entries older than the task grace window are forgotten; no pass
// can produce those occurrences again.
func (e *Engine) clearForRefreshLocked(now time.Time) {
	horizon := now.Add(-e.taskGrace)
	for id, at := range e.fired {
		if at.Before(horizon) {
			delete(e.fired, id)
		}
	}

	for id, sc := range e.scheduled {
		if sc.Manual || !sc.At.After(now) {
			continue
		}
		e.cancelLocked(id)
	}
	for id, sn := range e.snoozed {
		if _, armed := e.scheduled[id]; armed {
			continue
		}
		if !sn.Until.After(now) {
			delete(e.snoozed, id)
		}
	}
}

// armSnoozesLocked re-arms snoozes that no block or task produced this pass,
// e.g. a held call whose natural time is already behind us.
func (e *Engine) armSnoozesLocked(now time.Time) int {
	ids := make([]string, 0, len(e.snoozed))
	for id := range e.snoozed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	armed := 0
	for _, id := range ids {
		sn := e.snoozed[id]
		if _, ok := e.declined[id]; ok {
			continue
		}
		if _, ok := e.scheduled[id]; ok {
			continue
		}
		if !sn.Until.After(now) {
			continue
		}
		e.armLocked(sn.Occurrence, sn.Until, false, now)
		armed++
	}
	return armed
}

// Scheduled returns the armed calls ordered by fire time.
func (e *Engine) Scheduled() []ScheduledCall {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ScheduledCall, 0, len(e.scheduled))
	for _, sc := range e.scheduled {
		out = append(out, ScheduledCall{Occurrence: sc.Occurrence, At: sc.At, Manual: sc.Manual})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Occurrence.TaskID < out[j].Occurrence.TaskID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Snoozed returns the snoozed calls ordered by snooze time.
func (e *Engine) Snoozed() []SnoozedCall {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SnoozedCall, 0, len(e.snoozed))
	for _, sn := range e.snoozed {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Until.Before(out[j].Until) })
	return out
}

func (e *Engine) IsDeclined(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.declined[taskID]
	return ok
}

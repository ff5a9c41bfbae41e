package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "switchboard/internal/log"
	"switchboard/internal/task"
)

const defaultMaxInstancesPerEvent = 500

// Instance is one concrete occurrence of a calendar event.
type Instance struct {
	SourceID   string
	UID        string
	Summary    string
	Categories []string
	AllDay     bool

	// Start / End are in the window's display location.
	Start time.Time
	End   time.Time
}

// Window bounds an expansion.
type Window struct {
	Start    time.Time
	End      time.Time
	Location *time.Location
	// MaxPerEvent caps runaway recurrences; zero means the default.
	MaxPerEvent int
}

// Expand turns parsed events into concrete instances inside the window,
// honoring RRULE, EXDATE and RECURRENCE-ID overrides.
func Expand(events []ParsedEvent, w Window) ([]Instance, error) {
	if w.End.Before(w.Start) {
		return nil, errors.New("expand: window end is before start")
	}
	if w.Location == nil {
		w.Location = time.Local
	}
	if w.MaxPerEvent <= 0 {
		w.MaxPerEvent = defaultMaxInstancesPerEvent
	}

	base := make(map[string][]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	var uids []string
	for _, ev := range events {
		if ev.IsOverride {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := base[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		base[ev.UID] = append(base[ev.UID], ev)
	}

	out := make([]Instance, 0)
	for _, uid := range uids {
		for _, ev := range base[uid] {
			out = append(out, expandEvent(ev, overrides[uid], w)...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, w Window) []Instance {
	if ev.RawRRule == "" {
		start, end, src := ev.Start, ev.End, ev
		if o, ok := findOverride(overrides, start); ok {
			start, end, src = o.Start, o.End, o
		}
		if !inWindow(start, w) {
			return nil
		}
		return []Instance{makeInstance(src, start, end, w.Location)}
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics: bad RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	starts := set.Between(w.Start.In(ev.Start.Location()), w.End.In(ev.Start.Location()), true)
	if len(starts) > w.MaxPerEvent {
		appLog.Warn("ics: recurrence truncated", "uid", ev.UID, "cap", w.MaxPerEvent)
		starts = starts[:w.MaxPerEvent]
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]Instance, 0, len(starts))
	for _, s := range starts {
		start, end, src := s, s.Add(dur), ev
		if o, ok := findOverride(overrides, s); ok {
			start, end, src = o.Start, o.End, o
		}
		out = append(out, makeInstance(src, start, end, w.Location))
	}
	return out
}

func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func inWindow(t time.Time, w Window) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func makeInstance(ev ParsedEvent, start, end time.Time, loc *time.Location) Instance {
	return Instance{
		SourceID:   ev.Source.ID,
		UID:        ev.UID,
		Summary:    ev.Summary,
		Categories: ev.Categories,
		AllDay:     ev.AllDay,
		Start:      start.In(loc),
		End:        end.In(loc),
	}
}

// Raw converts an instance into a task record. All-day instances have no
// ring time and report false. The pseudo file path keeps identities stable
// per event UID; instances are told apart by their start time.
func (in Instance) Raw() (task.Raw, bool) {
	if in.AllDay {
		return task.Raw{}, false
	}
	raw := task.Raw{
		Title:    in.Summary,
		Tags:     in.Categories,
		Datetime: in.Start.Format(time.RFC3339),
		FilePath: "ics/" + in.SourceID + "/" + in.UID,
	}
	if in.End.After(in.Start) {
		raw.EndTime = in.End.Format(time.RFC3339)
	}
	return raw, true
}

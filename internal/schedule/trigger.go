// Package schedule computes concrete trigger instants for scheduled blocks.
// Every function here is pure: results depend only on the block and the
// supplied "now", never on the wall clock.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"switchboard/internal/model"
)

// weekdays maps Sunday-based indices (time.Weekday order) to rrule weekdays.
var weekdays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// NextTrigger returns the next instant strictly after now at which the block
// should ring, evaluated in now's location.
//
// Recurring blocks only look at the seven days starting today. When the only
// matching weekday is today and its start has already passed, there is no
// trigger; a refresh on a later day finds the next one.
func NextTrigger(b model.ScheduledBlock, now time.Time) (time.Time, bool) {
	hour, minute, err := ParseClock(b.StartTime)
	if err != nil {
		return time.Time{}, false
	}

	if b.Recurring {
		return nextWeekly(b.Days, hour, minute, now)
	}

	day, err := parseDate(b.Date, now.Location())
	if err != nil {
		return time.Time{}, false
	}
	at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	if !at.After(now) {
		return time.Time{}, false
	}
	return at, true
}

func nextWeekly(days []int, hour, minute int, now time.Time) (time.Time, bool) {
	byDay := make([]rrule.Weekday, 0, len(days))
	for _, d := range days {
		if d < 0 || d > 6 {
			continue
		}
		byDay = append(byDay, weekdays[d])
	}
	if len(byDay) == 0 {
		return time.Time{}, false
	}

	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	weekEnd := time.Date(now.Year(), now.Month(), now.Day()+7, 0, 0, 0, 0, loc).Add(-time.Second)

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Dtstart:   today,
		Until:     weekEnd,
		Byweekday: byDay,
		Byhour:    []int{hour},
		Byminute:  []int{minute},
		Bysecond:  []int{0},
	})
	if err != nil {
		return time.Time{}, false
	}

	// rrule lays candidates out with fixed offsets, which lands a wall time
	// skipped by DST an hour early. Only its dates are trusted; time.Date
	// places the wall time and moves a skipped one forward.
	for _, c := range r.All() {
		at := time.Date(c.Year(), c.Month(), c.Day(), hour, minute, 0, 0, loc)
		if at.After(now) {
			return at, true
		}
	}
	return time.Time{}, false
}

// EndFor places the block's end time on the trigger's calendar day. An end at
// or before the start is taken to mean the following day. It returns false
// when the block has no usable end time.
func EndFor(b model.ScheduledBlock, at time.Time) (time.Time, bool) {
	if b.EndTime == "" {
		return time.Time{}, false
	}
	hour, minute, err := ParseClock(b.EndTime)
	if err != nil {
		return time.Time{}, false
	}
	end := time.Date(at.Year(), at.Month(), at.Day(), hour, minute, 0, 0, at.Location())
	if !end.After(at) {
		end = end.AddDate(0, 0, 1)
	}
	return end, true
}

// ParseClock parses a zero-padded 24-hour "HH:MM" string, the same form
// model.ScheduledBlock.Validate accepts.
func ParseClock(s string) (hour, minute int, err error) {
	if !model.ValidClock(s) {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	hour, _ = strconv.Atoi(s[:2])
	minute, _ = strconv.Atoi(s[3:])
	return hour, minute, nil
}

// parseDate accepts "YYYY-MM-DD" and tolerates an ISO timestamp suffix.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty date")
	}
	if len(s) > 10 && s[10] == 'T' {
		s = s[:10]
	}
	return time.ParseInLocation("2006-01-02", s, loc)
}

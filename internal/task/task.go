// Package task normalizes task records handed over by external sources
// (calendar feeds, markdown vaults) into one canonical shape and resolves
// which Line a task belongs to.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"switchboard/internal/model"
)

// Raw is a task record as an external adapter sees it. Any of the three time
// shapes may be present: Datetime, Date+Time, or TaskDate+TaskTime.
type Raw struct {
	Title     string
	TaskTitle string
	Tags      []string

	Datetime string
	Date     string
	Time     string
	TaskDate string
	TaskTime string

	// EndTime is either "HH:MM" on the task's day or a full datetime.
	EndTime string

	FilePath   string
	LineNumber int
}

// Task is the canonical record the call engine consumes. A zero When means
// the task carries no usable time.
type Task struct {
	Title string
	Tags  []string
	When  time.Time
	End   *time.Time

	FilePath   string
	LineNumber int
}

func (t Task) HasTime() bool {
	return !t.When.IsZero()
}

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Normalize converts a Raw record. Naive timestamps are read in loc.
func Normalize(raw Raw, loc *time.Location) Task {
	if loc == nil {
		loc = time.Local
	}
	t := Task{
		Title:      strings.TrimSpace(raw.Title),
		Tags:       raw.Tags,
		FilePath:   raw.FilePath,
		LineNumber: raw.LineNumber,
	}
	if t.Title == "" {
		t.Title = strings.TrimSpace(raw.TaskTitle)
	}

	switch {
	case raw.Datetime != "":
		t.When, _ = parseDatetime(raw.Datetime, loc)
	case raw.Date != "" && raw.Time != "":
		t.When, _ = parseDatetime(raw.Date+" "+raw.Time, loc)
	case raw.TaskDate != "" && raw.TaskTime != "":
		t.When, _ = parseDatetime(raw.TaskDate+" "+raw.TaskTime, loc)
	}

	if t.HasTime() && raw.EndTime != "" {
		if end, ok := parseEnd(raw.EndTime, t.When, loc); ok {
			t.End = &end
		}
	}
	return t
}

func parseDatetime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseEnd(s string, when time.Time, loc *time.Location) (time.Time, bool) {
	if end, ok := parseDatetime(s, loc); ok {
		return end, end.After(when)
	}
	end, ok := parseDatetime(when.Format("2006-01-02")+" "+strings.TrimSpace(s), when.Location())
	if !ok || !end.After(when) {
		return time.Time{}, false
	}
	return end, true
}

// ID derives the occurrence identity for a task from its file path, line
// number and time, so the same logical event keeps its id across syncs.
// Tasks without a file path fall back to the title.
func ID(t Task) string {
	origin := t.FilePath
	if origin == "" {
		origin = t.Title
	}
	key := origin + "|" + strconv.Itoa(t.LineNumber) + "|" + t.When.Format(time.RFC3339)
	sum := sha256.Sum256([]byte(key))
	return "task-" + hex.EncodeToString(sum[:8])
}

var (
	switchboardTag = regexp.MustCompile(`(?i)^#?switchboard(?:/([a-z0-9][a-z0-9_-]*))?$`)
	titleSlug      = regexp.MustCompile(`(?i)(?:^|\s)/([a-z0-9][a-z0-9_-]*)`)
)

// Slug extracts the Line slug a task is addressed to. The tag's own slug wins;
// a bare #switchboard tag falls back to a "/slug" token in the title.
func Slug(t Task) (string, bool) {
	tagged := false
	for _, tag := range t.Tags {
		m := switchboardTag.FindStringSubmatch(strings.TrimSpace(tag))
		if m == nil {
			continue
		}
		if m[1] != "" {
			return strings.ToLower(m[1]), true
		}
		tagged = true
	}
	if !tagged {
		return "", false
	}
	if m := titleSlug.FindStringSubmatch(t.Title); m != nil {
		return strings.ToLower(m[1]), true
	}
	return "", false
}

// MatchLine resolves the task's Line: an exact id match first, then a match
// on the slug of the Line's name. Both comparisons ignore case.
func MatchLine(t Task, lines []model.Line) (model.Line, bool) {
	slug, ok := Slug(t)
	if !ok {
		return model.Line{}, false
	}
	for _, l := range lines {
		if strings.EqualFold(l.ID, slug) {
			return l, true
		}
	}
	for _, l := range lines {
		if model.Slugify(l.Name) == slug {
			return l, true
		}
	}
	return model.Line{}, false
}

// Occurrence builds the engine-facing occurrence for a task routed to line.
func Occurrence(t Task, line model.Line) model.Occurrence {
	return model.Occurrence{
		TaskID:    ID(t),
		Source:    model.SourceTask,
		LineID:    line.ID,
		LineName:  line.Name,
		LineColor: line.Color,
		Title:     t.Title,
		At:        t.When,
		End:       t.End,
		FilePath:  t.FilePath,
	}
}

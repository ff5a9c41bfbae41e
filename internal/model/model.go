package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Line is a user-defined focus context, e.g. "Math 140". Lines live in the
// settings document; the call engine only reads them.
type Line struct {
	// ID is a stable slug used in tags (#switchboard/<id>) and call identities.
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Color string `yaml:"color" json:"color"`

	Blocks []ScheduledBlock `yaml:"blocks,omitempty" json:"blocks,omitempty"`
}

// ScheduledBlock is either a weekly recurring block (Days) or a one-time
// block (Date). Times are 24-hour "HH:MM" strings in the configured zone.
type ScheduledBlock struct {
	ID        string `yaml:"id" json:"id"`
	Recurring bool   `yaml:"recurring" json:"recurring"`
	// Days holds weekday indices, 0 = Sunday .. 6 = Saturday.
	Days []int `yaml:"days,omitempty" json:"days,omitempty"`
	// Date is "YYYY-MM-DD" for one-time blocks.
	Date      string `yaml:"date,omitempty" json:"date,omitempty"`
	StartTime string `yaml:"start_time" json:"start_time"`
	EndTime   string `yaml:"end_time" json:"end_time"`
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// ValidClock reports whether s is a zero-padded 24-hour "HH:MM" time.
func ValidClock(s string) bool {
	return clockPattern.MatchString(s)
}

// Validate reports the first structural problem with the block.
func (b ScheduledBlock) Validate() error {
	if b.ID == "" {
		return errors.New("block id is empty")
	}
	if !ValidClock(b.StartTime) {
		return fmt.Errorf("block %s: invalid start time %q", b.ID, b.StartTime)
	}
	if b.EndTime != "" && !ValidClock(b.EndTime) {
		return fmt.Errorf("block %s: invalid end time %q", b.ID, b.EndTime)
	}
	if b.Recurring {
		if len(b.Days) == 0 {
			return fmt.Errorf("block %s: recurring block has no days", b.ID)
		}
		for _, d := range b.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("block %s: weekday %d out of range", b.ID, d)
			}
		}
		return nil
	}
	if b.Date == "" {
		return fmt.Errorf("block %s: one-time block has no date", b.ID)
	}
	if _, err := time.Parse("2006-01-02", b.Date); err != nil {
		return fmt.Errorf("block %s: invalid date %q: %w", b.ID, b.Date, err)
	}
	return nil
}

// Source identifies where an occurrence came from.
type Source string

const (
	SourceBlock Source = "block"
	SourceTask  Source = "task"
)

// Occurrence is one concrete future event that may ring as a call.
type Occurrence struct {
	// TaskID is stable across refresh passes for the same logical event.
	TaskID string `json:"task_id"`
	Source Source `json:"source"`

	LineID    string `json:"line_id"`
	LineName  string `json:"line_name"`
	LineColor string `json:"line_color,omitempty"`

	Title string `json:"title"`

	// At is the natural trigger instant.
	At time.Time `json:"at"`
	// End, when known, drives the auto-disconnect after connecting.
	End *time.Time `json:"end,omitempty"`

	FilePath string `json:"file_path,omitempty"`
}

// BlockTaskID derives the identity of a native block occurrence.
func BlockTaskID(lineID, blockID string, at time.Time) string {
	return lineID + ":" + blockID + ":" + at.Format(time.RFC3339)
}

// MissedCall records a call that rang while another Line was active.
type MissedCall struct {
	LineName  string    `json:"line_name"`
	TaskTitle string    `json:"task_title"`
	Time      time.Time `json:"time"`
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses every run of non-alphanumerics into a
// single dash: "Math 140" -> "math-140".
func Slugify(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// FindLine returns the line with the given id.
func FindLine(lines []Line, id string) (Line, bool) {
	for _, l := range lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

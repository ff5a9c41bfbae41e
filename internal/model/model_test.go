package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Math 140", "math-140"},
		{"  Deep  Work!! ", "deep-work"},
		{"already-slug", "already-slug"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), tt.in)
	}
}

func TestScheduledBlock_Validate(t *testing.T) {
	tests := []struct {
		name    string
		block   ScheduledBlock
		wantErr bool
	}{
		{"recurring ok", ScheduledBlock{ID: "b", Recurring: true, Days: []int{1, 3}, StartTime: "09:00", EndTime: "10:00"}, false},
		{"one-time ok", ScheduledBlock{ID: "b", Date: "2026-10-14", StartTime: "23:59"}, false},
		{"recurring no days", ScheduledBlock{ID: "b", Recurring: true, StartTime: "09:00"}, true},
		{"weekday out of range", ScheduledBlock{ID: "b", Recurring: true, Days: []int{7}, StartTime: "09:00"}, true},
		{"one-time no date", ScheduledBlock{ID: "b", StartTime: "09:00"}, true},
		{"bad date", ScheduledBlock{ID: "b", Date: "2026-13-01", StartTime: "09:00"}, true},
		{"bad start", ScheduledBlock{ID: "b", Date: "2026-10-14", StartTime: "9:00"}, true},
		{"bad end", ScheduledBlock{ID: "b", Date: "2026-10-14", StartTime: "09:00", EndTime: "24:00"}, true},
		{"missing id", ScheduledBlock{Date: "2026-10-14", StartTime: "09:00"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.block.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBlockTaskID(t *testing.T) {
	loc := time.FixedZone("KST", 9*3600)
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, loc)
	assert.Equal(t, "math-140:mon-wed:2026-10-14T09:00:00+09:00", BlockTaskID("math-140", "mon-wed", at))
	assert.NotEqual(t, BlockTaskID("l", "b", at), BlockTaskID("l", "b", at.AddDate(0, 0, 7)))
}

func TestFindLine(t *testing.T) {
	lines := []Line{{ID: "a"}, {ID: "b", Name: "B"}}
	l, ok := FindLine(lines, "b")
	assert.True(t, ok)
	assert.Equal(t, "B", l.Name)
	_, ok = FindLine(lines, "c")
	assert.False(t, ok)
}

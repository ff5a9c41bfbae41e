package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/task"
)

const sampleICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//switchboard//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:lecture-1\r\n" +
	"SUMMARY:Lecture\r\n" +
	"CATEGORIES:switchboard/math\r\n" +
	"DTSTART:20261012T140000Z\r\n" +
	"DTEND:20261012T150000Z\r\n" +
	"RRULE:FREQ=DAILY;COUNT=5\r\n" +
	"EXDATE:20261014T140000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:lecture-1\r\n" +
	"RECURRENCE-ID:20261015T140000Z\r\n" +
	"SUMMARY:Lecture (moved)\r\n" +
	"CATEGORIES:switchboard/math\r\n" +
	"DTSTART:20261015T160000Z\r\n" +
	"DTEND:20261015T170000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:holiday\r\n" +
	"SUMMARY:Fall break\r\n" +
	"DTSTART;VALUE=DATE:20261016\r\n" +
	"DTEND;VALUE=DATE:20261017\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:office-hours\r\n" +
	"SUMMARY:Office hours\r\n" +
	"DTSTART:20261013T180000Z\r\n" +
	"DTEND:20261013T183000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var testSource = Source{ID: "school", URL: "https://calendar.example.com/secret-token/basic.ics"}

func TestParse(t *testing.T) {
	events, err := Parse(testSource, []byte(sampleICS))
	require.NoError(t, err)
	require.Len(t, events, 4)

	byKey := map[string]ParsedEvent{}
	for _, ev := range events {
		key := ev.UID
		if ev.IsOverride {
			key += "#override"
		}
		byKey[key] = ev
	}

	lecture := byKey["lecture-1"]
	assert.Equal(t, "Lecture", lecture.Summary)
	assert.Equal(t, []string{"switchboard/math"}, lecture.Categories)
	assert.Equal(t, "FREQ=DAILY;COUNT=5", lecture.RawRRule)
	require.Len(t, lecture.ExDates, 1)
	assert.True(t, lecture.ExDates[0].Equal(time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC)))
	assert.False(t, lecture.AllDay)

	moved := byKey["lecture-1#override"]
	require.NotNil(t, moved.Recurrence)
	assert.True(t, moved.Recurrence.Equal(time.Date(2026, 10, 15, 14, 0, 0, 0, time.UTC)))

	assert.True(t, byKey["holiday"].AllDay)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(testSource, nil)
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	events, err := Parse(testSource, []byte(sampleICS))
	require.NoError(t, err)

	w := Window{
		Start:    time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		Location: time.UTC,
	}
	got, err := Expand(events, w)
	require.NoError(t, err)

	var starts []string
	var allDay []string
	for _, in := range got {
		if in.AllDay {
			allDay = append(allDay, in.UID)
			continue
		}
		starts = append(starts, in.UID+"@"+in.Start.Format("01-02T15:04"))
	}
	assert.Equal(t, []string{"holiday"}, allDay)
	assert.Equal(t, []string{
		"lecture-1@10-12T14:00",
		"lecture-1@10-13T14:00",
		"office-hours@10-13T18:00",
		"lecture-1@10-15T16:00",
		"lecture-1@10-16T14:00",
	}, starts)

	for _, in := range got {
		if in.Start.Day() == 15 {
			assert.Equal(t, "Lecture (moved)", in.Summary)
		}
	}
}

func TestExpand_BadWindow(t *testing.T) {
	now := time.Now()
	_, err := Expand(nil, Window{Start: now, End: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestInstanceRaw(t *testing.T) {
	start := time.Date(2026, 10, 13, 18, 0, 0, 0, time.UTC)
	in := Instance{
		SourceID:   "school",
		UID:        "office-hours",
		Summary:    "Office hours",
		Categories: []string{"switchboard/math"},
		Start:      start,
		End:        start.Add(30 * time.Minute),
	}
	raw, ok := in.Raw()
	require.True(t, ok)
	assert.Equal(t, "ics/school/office-hours", raw.FilePath)

	tk := task.Normalize(raw, time.UTC)
	assert.True(t, tk.When.Equal(start))
	require.NotNil(t, tk.End)
	assert.True(t, tk.End.Equal(start.Add(30*time.Minute)))
	slug, ok := task.Slug(tk)
	require.True(t, ok)
	assert.Equal(t, "math", slug)

	in.AllDay = true
	_, ok = in.Raw()
	assert.False(t, ok)
}

func TestFetcher_ETagAndFallback(t *testing.T) {
	var hits, conditional atomic.Int32
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if down.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sampleICS))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "school", URL: srv.URL + "/cal.ics"}
	ctx := context.Background()

	res, err := f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, sampleICS, string(res.Body))

	res, err = f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(1), conditional.Load())

	down.Store(true)
	res, err = f.FetchOne(ctx, src)
	require.NoError(t, err, "a failing feed falls back to the cached body")
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetcher_FetchAllCollectsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	res, errs := f.FetchAll(context.Background(), []Source{
		{ID: "gone", URL: srv.URL + "/missing.ics"},
		{ID: "blank"},
	})
	assert.Empty(t, res)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "fetch gone")
}

func TestRedactURL(t *testing.T) {
	got := redactURL(testSource.URL)
	assert.Equal(t, "https://calendar.example.com/...(redacted)", got)
	assert.False(t, strings.Contains(got, "secret-token"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/clock"
	"switchboard/internal/config"
	"switchboard/internal/model"
	"switchboard/internal/session"
	"switchboard/internal/wire"
)

var t0 = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clock.Fake
	board    *Board
	sessions *session.Manager
	engine   *wire.Engine
	handler  http.Handler
}

func newFixture(t *testing.T, auth *config.BasicAuthConfig) *fixture {
	t.Helper()
	fc := clock.NewFake(t0)
	lines := []model.Line{{
		ID:    "math",
		Name:  "Math 140",
		Color: "#3366ff",
		Blocks: []model.ScheduledBlock{
			{ID: "lecture", Date: "2026-10-17", StartTime: "10:00", EndTime: "10:50"},
			{ID: "lab", Date: "2026-10-17", StartTime: "13:00", EndTime: "14:00"},
		},
	}}
	sessions := session.New(session.Options{
		Clock:           fc,
		Lines:           lines,
		VaultDir:        t.TempDir(),
		CallWaitingNote: "Call Waiting.md",
	})
	board := NewBoard(fc)
	engine := wire.New(wire.Options{
		Host:      sessions,
		Presenter: board,
		Clock:     fc,
		Location:  time.UTC,
	})
	engine.Start(context.Background())
	t.Cleanup(engine.Stop)

	srv := NewServer(Deps{Engine: engine, Board: board, Sessions: sessions, BasicAuth: auth})
	return &fixture{clock: fc, board: board, sessions: sessions, engine: engine, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func callPath(id, action string) string {
	return "/api/calls/" + url.PathEscape(id) + "/" + action
}

func lectureID() string {
	return model.BlockTaskID("math", "lecture", time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec, _ := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCalls_ConnectOnce(t *testing.T) {
	f := newFixture(t, nil)

	rec, body := f.do(t, http.MethodGet, "/api/calls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["calls"])

	f.clock.Advance(time.Hour)
	_, body = f.do(t, http.MethodGet, "/api/calls", "")
	calls := body["calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, lectureID(), calls[0].(map[string]any)["id"])

	rec, _ = f.do(t, http.MethodPost, callPath(lectureID(), "connect"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, callPath(lectureID(), "decline"), "")
	assert.Equal(t, http.StatusConflict, rec.Code, "a call takes one answer")

	_, body = f.do(t, http.MethodGet, "/api/active", "")
	active := body["active"].(map[string]any)
	assert.Equal(t, "math", active["line"].(map[string]any)["id"])
	assert.NotNil(t, active["until"])

	f.clock.Advance(50 * time.Minute)
	_, body = f.do(t, http.MethodGet, "/api/active", "")
	assert.Nil(t, body["active"], "auto-disconnected at block end")
}

func TestCalls_HoldRingsAgain(t *testing.T) {
	f := newFixture(t, nil)
	f.clock.Advance(time.Hour)

	rec, body := f.do(t, http.MethodPost, callPath(lectureID(), "hold"), `{"minutes": 10}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-10-17T10:10:00Z", body["until"])

	_, body = f.do(t, http.MethodGet, "/api/scheduled", "")
	assert.Len(t, body["snoozed"], 1)

	f.clock.Advance(10 * time.Minute)
	assert.Len(t, f.board.Pending(), 1)
}

func TestCalls_RescheduleValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.clock.Advance(time.Hour)

	rec, _ := f.do(t, http.MethodPost, callPath(lectureID(), "reschedule"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.board.Pending(), 1, "a rejected request does not consume the call")

	rec, _ = f.do(t, http.MethodPost, callPath(lectureID(), "reschedule"), `{"minutes":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, callPath(lectureID(), "transfer"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := f.do(t, http.MethodPost, callPath(lectureID(), "reschedule"), `{"minutes": 15}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-10-17T10:15:00Z", body["until"])

	scheduled := f.engine.Scheduled()
	require.NotEmpty(t, scheduled)
	assert.True(t, scheduled[0].Manual)
}

func TestCalls_WaitingAndMissed(t *testing.T) {
	f := newFixture(t, nil)
	f.clock.Advance(time.Hour)

	rec, _ := f.do(t, http.MethodPost, callPath(lectureID(), "waiting"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.engine.IsDeclined(lectureID()))

	require.NoError(t, f.sessions.ActivateLine(context.Background(), model.Line{ID: "writing", Name: "Writing"}))
	f.clock.Advance(3 * time.Hour)

	_, body := f.do(t, http.MethodGet, "/api/missed", "")
	missed := body["missed"].([]any)
	require.Len(t, missed, 1)
	assert.Equal(t, "Math 140", missed[0].(map[string]any)["line_name"])
	assert.Empty(t, f.board.Pending())
}

func TestDisconnectAndLines(t *testing.T) {
	f := newFixture(t, nil)

	rec, _ := f.do(t, http.MethodPost, "/api/disconnect", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.sessions.ActivateLine(context.Background(), model.Line{ID: "math", Name: "Math 140"}))
	rec, _ = f.do(t, http.MethodPost, "/api/disconnect", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	_, body := f.do(t, http.MethodGet, "/api/lines", "")
	assert.Len(t, body["lines"], 1)

	rec, _ = f.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.engine.Scheduled(), 2)
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, &config.BasicAuthConfig{Username: "me", Password: "secret"})

	rec, _ := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/calls", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/calls", nil)
	req.SetBasicAuth("me", "secret")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/bryan-buckman/infobots/internal/opml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	bots        []model.BotIdentity
	runs        []string
	lastDryRun  bool
	cleanupDays int
	cleanupErr  error
}

func (f *fakeRunner) Bots() []model.BotIdentity { return f.bots }

func (f *fakeRunner) Bot(name string) (model.BotIdentity, bool) {
	for _, b := range f.bots {
		if b.ID == name || b.Username() == name {
			return b, true
		}
	}
	return model.BotIdentity{}, false
}

func (f *fakeRunner) Mode() string { return "per_source" }

func (f *fakeRunner) Run(_ context.Context, bot model.BotIdentity, dryRun bool) model.RunStats {
	f.runs = append(f.runs, bot.ID)
	f.lastDryRun = dryRun
	return model.RunStats{BotID: bot.ID, BotName: bot.Name, Success: true, State: "done", DryRun: dryRun, PostsCreated: 2}
}

func (f *fakeRunner) RunAll(ctx context.Context, dryRun bool) model.BatchSummary {
	var sum model.BatchSummary
	for _, b := range f.bots {
		st := f.Run(ctx, b, dryRun)
		sum.Results = append(sum.Results, st)
		sum.BotsSucceeded++
		sum.TotalPosts += st.PostsCreated
	}
	return sum
}

func (f *fakeRunner) Cleanup(_ context.Context, days int) (int64, error) {
	f.cleanupDays = days
	return 3, f.cleanupErr
}

func (f *fakeRunner) LastRuns() []model.RunStats {
	return []model.RunStats{{BotID: "news", BotName: "News", Success: true, State: "done"}}
}

type fakeLedger struct {
	limit int
}

func (f *fakeLedger) ListProcessed(_ context.Context, botID string, limit int) ([]model.ProcessedItem, error) {
	f.limit = limit
	id := "post-1"
	return []model.ProcessedItem{{BotID: botID, GUID: "g1", Title: "Hello", SourceURL: "https://a.example/rss", ProcessedAt: time.Now(), PostID: &id}}, nil
}

type fakeSchedule struct{}

func (fakeSchedule) Next(string) (time.Time, bool) {
	return time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC), true
}

func newTestServer() (*Server, *fakeRunner, *fakeLedger) {
	runner := &fakeRunner{bots: []model.BotIdentity{
		{ID: "news", Name: "News", Handle: "@news", Schedule: "*/15 * * * *", Sources: []string{"https://a.example/rss", "https://b.example/rss"}},
		{ID: "tech", Name: "Tech", Handle: "tech", Schedule: "*/30 * * * *", Sources: []string{"https://c.example/rss"}},
	}}
	ledger := &fakeLedger{}
	return New(runner, ledger, fakeSchedule{}, 30, nil), runner, ledger
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestListBots(t *testing.T) {
	s, _, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/api/bots")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "per_source", body["mode"])
	bots := body["bots"].([]interface{})
	require.Len(t, bots, 2)
	tech := bots[1].(map[string]interface{})
	assert.Equal(t, "@tech", tech["handle"])
	assert.NotEmpty(t, tech["next_run"])
}

func TestRunEndpoints(t *testing.T) {
	s, runner, _ := newTestServer()

	rec := do(t, s, http.MethodPost, "/api/run/tech?dry_run=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tech", decode(t, rec)["bot_id"])
	assert.True(t, runner.lastDryRun)

	rec = do(t, s, http.MethodPost, "/api/run")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, decode(t, rec)["total_posts"])
	assert.False(t, runner.lastDryRun)
	assert.Equal(t, []string{"tech", "news", "tech"}, runner.runs)

	rec = do(t, s, http.MethodPost, "/api/run/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/run")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode(t, rec)["runs"].([]interface{})
	require.Len(t, runs, 1)
	assert.Equal(t, "done", runs[0].(map[string]interface{})["state"])
}

func TestCleanup(t *testing.T) {
	s, runner, _ := newTestServer()

	rec := do(t, s, http.MethodPost, "/api/cleanup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30, runner.cleanupDays)
	assert.EqualValues(t, 3, decode(t, rec)["deleted"])

	rec = do(t, s, http.MethodPost, "/api/cleanup?days=7")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, runner.cleanupDays)

	rec = do(t, s, http.MethodPost, "/api/cleanup?days=soon")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runner.cleanupErr = errors.New("locked")
	rec = do(t, s, http.MethodPost, "/api/cleanup")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProcessed(t *testing.T) {
	s, _, ledger := newTestServer()

	rec := do(t, s, http.MethodGet, "/api/bots/news/processed?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, ledger.limit)
	items := decode(t, rec)["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "post-1", items[0].(map[string]interface{})["post_id"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/bots/news/processed?limit=0").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/bots/ghost/processed").Code)
}

func TestExportOPML(t *testing.T) {
	s, _, _ := newTestServer()
	rec := do(t, s, http.MethodGet, "/api/bots/news/opml")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/xml"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "news.opml")

	entries, err := opml.Parse(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/rss", "https://b.example/rss"}, opml.URLs(entries))
}

func TestShutdownWithoutStart(t *testing.T) {
	s, _, _ := newTestServer()
	assert.NoError(t, s.Shutdown(context.Background()))
}

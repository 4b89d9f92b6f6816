package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryan-buckman/infobots/internal/config"
	"github.com/bryan-buckman/infobots/internal/database"
	"github.com/bryan-buckman/infobots/internal/ledger"
	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/bryan-buckman/infobots/internal/publish"
	"github.com/bryan-buckman/infobots/internal/rss"
	"github.com/bryan-buckman/infobots/internal/summarize"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Now().Add(-time.Minute).Truncate(time.Second)

func newsBot() model.BotIdentity {
	return model.BotIdentity{
		ID:                "bot-news",
		Name:              "News Bot",
		Handle:            "@newsbot",
		Sources:           []string{"https://a.example/rss", "https://b.example/rss", "https://c.example/rss"},
		MaxItemsPerSource: 2,
		MaxPostsPerRun:    5,
	}
}

func makeItems(source string, n int, newest time.Time) []model.FeedItem {
	host := strings.TrimSuffix(strings.TrimPrefix(source, "https://"), "/rss")
	items := make([]model.FeedItem, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", host, i)
		items = append(items, model.FeedItem{
			GUID:        id,
			Link:        "https://" + host + "/" + id,
			Title:       "Story " + id,
			Content:     "Body of " + id,
			PublishedAt: newest.Add(-time.Duration(i) * time.Minute),
			SourceURL:   source,
			SourceName:  host,
		})
	}
	return items
}

// staticFetcher serves canned results per source.
type staticFetcher struct {
	results map[string]rss.SourceResult
	calls   int
}

func (f *staticFetcher) FetchAll(_ context.Context, sources []string) []rss.SourceResult {
	f.calls++
	out := make([]rss.SourceResult, 0, len(sources))
	for _, s := range sources {
		r, ok := f.results[s]
		if !ok {
			r = rss.SourceResult{URL: s, Err: errors.New("connection refused")}
		}
		out = append(out, r)
	}
	return out
}

// fixture5_5_1 has three sources with 5, 5 and 1 items. Source a holds the
// five newest items overall.
func fixture5_5_1() *staticFetcher {
	src := func(url string, n int, newest time.Time) rss.SourceResult {
		return rss.SourceResult{URL: url, Name: url, OK: true, Items: makeItems(url, n, newest)}
	}
	return &staticFetcher{results: map[string]rss.SourceResult{
		"https://a.example/rss": src("https://a.example/rss", 5, base),
		"https://b.example/rss": src("https://b.example/rss", 5, base.Add(-10*time.Minute)),
		"https://c.example/rss": src("https://c.example/rss", 1, base.Add(-30*time.Minute)),
	}}
}

// failingPosts rejects posts whose original content is listed.
type failingPosts struct {
	*database.DB
	fail map[string]bool
}

func (s *failingPosts) InsertPost(ctx context.Context, post *model.Post) (model.PostRef, error) {
	if s.fail[post.OriginalContent] {
		return model.PostRef{}, errors.New("insert timed out")
	}
	return s.DB.InsertPost(ctx, post)
}

type harness struct {
	db    *database.DB
	posts *failingPosts
	orch  *Orchestrator
}

func newHarness(t *testing.T, bots []model.BotIdentity, fetcher Fetcher, summ Summarizer, opts Options) *harness {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "bots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, posts: &failingPosts{DB: db, fail: map[string]bool{}}}
	pub := publish.New(h.posts, publish.Options{SourceLabel: true}, nil)
	h.orch = New(bots, fetcher, ledger.New(db, nil), summ, pub, opts, nil)
	h.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func (h *harness) seed(t *testing.T, bots ...model.BotIdentity) {
	t.Helper()
	for _, b := range bots {
		require.NoError(t, h.db.UpsertIdentity(context.Background(), b))
	}
}

func (h *harness) ledgerGUIDs(t *testing.T, botID string) []string {
	t.Helper()
	recs, err := h.db.ListProcessed(context.Background(), botID, 100)
	require.NoError(t, err)
	var out []string
	for _, r := range recs {
		out = append(out, r.GUID)
	}
	return out
}

func guids(items []model.FeedItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.GUID)
	}
	return out
}

func passthrough(_ context.Context, items []model.FeedItem) []model.FeedItem { return items }

func TestPerSourceSelectionBalancesSources(t *testing.T) {
	f := fixture5_5_1()
	sel := PerSource{}.Select(context.Background(), newsBot(), f.FetchAll(context.Background(), newsBot().Sources), passthrough)

	want := []string{"a.example-0", "a.example-1", "b.example-0", "b.example-1", "c.example-0"}
	if diff := cmp.Diff(want, guids(sel.Items)); diff != "" {
		t.Errorf("per-source selection mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 11, sel.New)
}

func TestCombinedSelectionFavorsNewest(t *testing.T) {
	f := fixture5_5_1()
	sel := Combined{}.Select(context.Background(), newsBot(), f.FetchAll(context.Background(), newsBot().Sources), passthrough)

	want := []string{"a.example-0", "a.example-1", "a.example-2", "a.example-3", "a.example-4"}
	if diff := cmp.Diff(want, guids(sel.Items)); diff != "" {
		t.Errorf("combined selection mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 11, sel.New)
}

func TestSelectionDropsInRunDuplicates(t *testing.T) {
	a := makeItems("https://a.example/rss", 2, base)
	b := makeItems("https://b.example/rss", 2, base.Add(-time.Hour))
	b[0].Link = a[0].Link // same story syndicated twice
	results := []rss.SourceResult{
		{URL: "https://a.example/rss", OK: true, Items: a},
		{URL: "https://b.example/rss", OK: true, Items: b},
	}

	for _, s := range []Selector{PerSource{}, Combined{}} {
		sel := s.Select(context.Background(), newsBot(), results, passthrough)
		assert.ElementsMatch(t, []string{"a.example-0", "a.example-1", "b.example-1"}, guids(sel.Items), s.Name())
	}
}

func TestPerSourceSyndicatedCopiesDoNotUseSlots(t *testing.T) {
	a := makeItems("https://a.example/rss", 2, base)
	b := makeItems("https://b.example/rss", 4, base.Add(-time.Minute))
	b[0].Link = a[0].Link
	b[1].GUID = a[1].GUID
	results := []rss.SourceResult{
		{URL: "https://a.example/rss", OK: true, Items: a},
		{URL: "https://b.example/rss", OK: true, Items: b},
	}

	sel := PerSource{}.Select(context.Background(), newsBot(), results, passthrough)
	want := []string{"a.example-0", "a.example-1", "b.example-2", "b.example-3"}
	if diff := cmp.Diff(want, guids(sel.Items)); diff != "" {
		t.Errorf("per-source selection mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, sel.New)
}

func TestNewSelector(t *testing.T) {
	assert.Equal(t, config.ModeCombined, NewSelector(config.ModeCombined).Name())
	assert.Equal(t, config.ModePerSource, NewSelector(config.ModePerSource).Name())
	assert.Equal(t, config.ModePerSource, NewSelector("").Name())
}

func TestRunPerSourceMode(t *testing.T) {
	bot := newsBot()
	h := newHarness(t, []model.BotIdentity{bot}, fixture5_5_1(), nil, Options{Mode: config.ModePerSource})
	h.seed(t, bot)

	stats := h.orch.Run(context.Background(), bot, false)
	require.True(t, stats.Success, stats.Errors)
	assert.Equal(t, "done", stats.State)
	assert.Equal(t, 3, stats.FeedsProcessed)
	assert.Equal(t, 11, stats.ItemsFetched)
	assert.Equal(t, 11, stats.ItemsNew)
	assert.Equal(t, 5, stats.PostsCreated)
	assert.Zero(t, stats.ItemsSummarized)
	assert.ElementsMatch(t,
		[]string{"a.example-0", "a.example-1", "b.example-0", "b.example-1", "c.example-0"},
		h.ledgerGUIDs(t, bot.ID))
}

func TestRunCombinedMode(t *testing.T) {
	bot := newsBot()
	h := newHarness(t, []model.BotIdentity{bot}, fixture5_5_1(), nil, Options{Mode: config.ModeCombined})
	h.seed(t, bot)

	stats := h.orch.Run(context.Background(), bot, false)
	require.True(t, stats.Success, stats.Errors)
	assert.Equal(t, 5, stats.PostsCreated)
	assert.ElementsMatch(t,
		[]string{"a.example-0", "a.example-1", "a.example-2", "a.example-3", "a.example-4"},
		h.ledgerGUIDs(t, bot.ID))
}

func TestRunWithNothingNew(t *testing.T) {
	bot := newsBot()
	bot.Sources = []string{"https://c.example/rss"}
	h := newHarness(t, []model.BotIdentity{bot}, fixture5_5_1(), nil, Options{})
	h.seed(t, bot)

	first := h.orch.Run(context.Background(), bot, false)
	require.Equal(t, 1, first.PostsCreated)

	second := h.orch.Run(context.Background(), bot, false)
	assert.True(t, second.Success)
	assert.Equal(t, "done", second.State)
	assert.Zero(t, second.ItemsNew)
	assert.Zero(t, second.PostsCreated)
	assert.Len(t, h.ledgerGUIDs(t, bot.ID), 1)

	n, err := h.db.CountPostsByAuthor(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPublishFailureIsRetriedNextRun(t *testing.T) {
	bot := newsBot()
	bot.Sources = []string{"https://b.example/rss"}
	h := newHarness(t, []model.BotIdentity{bot}, fixture5_5_1(), nil, Options{})
	h.seed(t, bot)
	h.posts.fail["Body of b.example-0"] = true

	first := h.orch.Run(context.Background(), bot, false)
	require.True(t, first.Success)
	assert.Equal(t, 1, first.PostsCreated)
	assert.Len(t, first.Errors, 1)
	assert.Equal(t, []string{"b.example-1"}, h.ledgerGUIDs(t, bot.ID))

	delete(h.posts.fail, "Body of b.example-0")
	second := h.orch.Run(context.Background(), bot, false)
	require.True(t, second.Success)
	assert.Equal(t, 2, second.PostsCreated)
	assert.ElementsMatch(t, []string{"b.example-0", "b.example-1", "b.example-2"}, h.ledgerGUIDs(t, bot.ID))
}

func TestRunFailsWithoutIdentity(t *testing.T) {
	bot := newsBot()
	f := fixture5_5_1()
	h := newHarness(t, []model.BotIdentity{bot}, f, nil, Options{})

	stats := h.orch.Run(context.Background(), bot, false)
	assert.False(t, stats.Success)
	assert.Equal(t, "failed", stats.State)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], publish.ErrIdentityNotFound.Error())
	assert.Zero(t, f.calls, "no fetch before the identity check passes")
}

type panickingFetcher struct{}

func (panickingFetcher) FetchAll(context.Context, []string) []rss.SourceResult {
	panic("parser exploded")
}

func TestRunRecoversFromPanic(t *testing.T) {
	bot := newsBot()
	h := newHarness(t, []model.BotIdentity{bot}, panickingFetcher{}, nil, Options{})
	h.seed(t, bot)

	stats := h.orch.Run(context.Background(), bot, false)
	assert.False(t, stats.Success)
	assert.Equal(t, "failed", stats.State)
	require.NotEmpty(t, stats.Errors)
	assert.Contains(t, stats.Errors[0], "parser exploded")
	assert.Contains(t, stats.Errors[0], "fetching")
}

func TestRunAllContinuesAfterFailure(t *testing.T) {
	ghost := newsBot()
	ghost.ID, ghost.Name, ghost.Handle = "bot-ghost", "Ghost Bot", "@ghost"
	good := newsBot()
	good.Sources = []string{"https://c.example/rss", "https://down.example/rss"}

	h := newHarness(t, []model.BotIdentity{ghost, good}, fixture5_5_1(), nil, Options{BotPause: time.Second})
	h.seed(t, good)
	var pauses int
	h.orch.sleep = func(context.Context, time.Duration) error { pauses++; return nil }

	sum := h.orch.RunAll(context.Background(), false)
	require.Len(t, sum.Results, 2)
	assert.Equal(t, 1, sum.BotsFailed)
	assert.Equal(t, 1, sum.BotsSucceeded)
	assert.Equal(t, 1, sum.TotalPosts)
	assert.Equal(t, 1, pauses)

	goodStats := sum.Results[1]
	assert.True(t, goodStats.Success)
	assert.Equal(t, 1, goodStats.FeedsProcessed)
	require.Len(t, goodStats.Errors, 1, "the unreachable source is reported")
	assert.Contains(t, goodStats.Errors[0], "down.example")

	last := h.orch.LastRuns()
	require.Len(t, last, 2)
	assert.Equal(t, "Ghost Bot", last[0].BotName)
}

func TestDryRunWritesNothing(t *testing.T) {
	bot := newsBot()
	h := newHarness(t, []model.BotIdentity{bot}, fixture5_5_1(), nil, Options{})
	h.seed(t, bot)

	stats := h.orch.Run(context.Background(), bot, true)
	require.True(t, stats.Success)
	assert.True(t, stats.DryRun)
	assert.Equal(t, 5, stats.WouldPost)
	assert.Zero(t, stats.PostsCreated)
	assert.Empty(t, h.ledgerGUIDs(t, bot.ID))
}

// stubSummarizer fails for titles it is told to.
type stubSummarizer struct {
	failTitles map[string]bool
}

func (s stubSummarizer) Summarize(_ context.Context, it model.FeedItem, _ string) (string, bool) {
	if s.failTitles[it.Title] {
		return summarize.Fallback(it.Title, it.Link, 280), false
	}
	return "tl;dr " + it.Title, true
}

func (s stubSummarizer) SummarizeBatch(ctx context.Context, items []model.FeedItem, style string) []summarize.Result {
	var out []summarize.Result
	for _, it := range items {
		if text, ok := s.Summarize(ctx, it, style); ok {
			out = append(out, summarize.Result{Item: it, Summary: text})
		}
	}
	return out
}

func TestRunWithSummarizer(t *testing.T) {
	bot := newsBot()
	bot.Sources = []string{"https://b.example/rss"}
	summ := stubSummarizer{failTitles: map[string]bool{"Story b.example-1": true}}
	h := newHarness(t, []model.BotIdentity{bot}, fixture5_5_1(), summ, Options{})
	h.seed(t, bot)

	stats := h.orch.Run(context.Background(), bot, false)
	require.True(t, stats.Success)
	assert.Equal(t, 2, stats.PostsCreated)
	assert.Equal(t, 1, stats.ItemsSummarized)

	recs, err := h.db.ListProcessed(context.Background(), bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.NotNil(t, rec.PostID)
		post, err := h.db.GetPostByID(context.Background(), *rec.PostID)
		require.NoError(t, err)
		switch rec.GUID {
		case "b.example-0":
			require.NotNil(t, post.Summary)
			assert.Equal(t, "[b.example] tl;dr Story b.example-0", post.Content)
		case "b.example-1":
			assert.Nil(t, post.Summary, "fallback text is not a summary")
			assert.Contains(t, post.Content, "https://b.example/b.example-1")
		}
	}
}

func TestPreviewWritesNothing(t *testing.T) {
	bot := newsBot()
	h := newHarness(t, []model.BotIdentity{bot}, fixture5_5_1(), stubSummarizer{}, Options{})
	h.seed(t, bot)

	p, err := h.orch.Preview(context.Background(), "newsbot")
	require.NoError(t, err)
	assert.Len(t, p.Items, 5)
	assert.Empty(t, h.ledgerGUIDs(t, bot.ID))

	_, err = h.orch.Preview(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownBot)
}

func TestRunByName(t *testing.T) {
	bot := newsBot()
	h := newHarness(t, []model.BotIdentity{bot}, fixture5_5_1(), nil, Options{})
	h.seed(t, bot)

	stats, err := h.orch.RunByName(context.Background(), "NEWS BOT", true)
	require.NoError(t, err)
	assert.Equal(t, bot.ID, stats.BotID)

	_, err = h.orch.RunByName(context.Background(), "missing", false)
	assert.ErrorIs(t, err, ErrUnknownBot)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "verifying_identity", StateVerifyingIdentity.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", State(42).String())
}

// End to end with the real fetcher: one fresh item, one outside the window.
func TestEndToEndSingleSource(t *testing.T) {
	now := time.Now()
	feed := fmt.Sprintf(`<?xml version="1.0"?><rss version="2.0"><channel><title>Wire</title>
<item><guid>a</guid><link>https://wire.example/a</link><title>Fresh</title><pubDate>%s</pubDate></item>
<item><guid>b</guid><link>https://wire.example/b</link><title>Stale</title><pubDate>%s</pubDate></item>
</channel></rss>`, now.Add(-5*time.Minute).Format(time.RFC1123Z), now.Add(-90*time.Minute).Format(time.RFC1123Z))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	t.Cleanup(srv.Close)

	bot := newsBot()
	bot.Sources = []string{srv.URL}
	fetcher := rss.NewFetcher(rss.Options{
		Window:     time.Hour,
		HTTPClient: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
	}, nil)
	h := newHarness(t, []model.BotIdentity{bot}, fetcher, nil, Options{})
	h.seed(t, bot)

	stats := h.orch.Run(context.Background(), bot, false)
	require.True(t, stats.Success, stats.Errors)
	assert.Equal(t, 1, stats.ItemsFetched)
	assert.Equal(t, 1, stats.PostsCreated)
	assert.Equal(t, []string{"a"}, h.ledgerGUIDs(t, bot.ID))

	n, err := h.db.CountPostsByAuthor(context.Background(), bot.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

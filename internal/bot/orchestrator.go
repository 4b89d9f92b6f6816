// Package bot drives the fetch, filter, summarize, publish and record cycle
// for each configured bot identity.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/infobots/internal/ledger"
	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/bryan-buckman/infobots/internal/publish"
	"github.com/bryan-buckman/infobots/internal/rss"
	"github.com/bryan-buckman/infobots/internal/summarize"
	"go.uber.org/zap"
)

// ErrUnknownBot is returned when a bot name matches no configured identity.
var ErrUnknownBot = errors.New("unknown bot")

// State is a step of a bot run.
type State int

const (
	StateIdle State = iota
	StateVerifyingIdentity
	StateFetching
	StateDeduplicating
	StateSummarizing
	StatePublishing
	StateRecording
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StateVerifyingIdentity: "verifying_identity",
	StateFetching:          "fetching",
	StateDeduplicating:     "deduplicating",
	StateSummarizing:       "summarizing",
	StatePublishing:        "publishing",
	StateRecording:         "recording",
	StateDone:              "done",
	StateFailed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Fetcher retrieves the items of a bot's sources.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []string) []rss.SourceResult
}

// Summarizer is the optional summarization stage.
type Summarizer interface {
	Summarize(ctx context.Context, item model.FeedItem, stylePrompt string) (string, bool)
	SummarizeBatch(ctx context.Context, items []model.FeedItem, stylePrompt string) []summarize.Result
}

// Options configures an Orchestrator.
type Options struct {
	Mode     string        // selection mode, see NewSelector
	BotPause time.Duration // between bots in RunAll
	DryRun   bool          // suppress every write
}

// Orchestrator runs the pipeline for the configured bots.
type Orchestrator struct {
	bots       []model.BotIdentity
	fetcher    Fetcher
	ledger     *ledger.Ledger
	summarizer Summarizer // nil disables summarization
	publisher  *publish.Publisher
	selector   Selector
	opts       Options
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]*sync.Mutex
	last    map[string]model.RunStats
}

// New creates an orchestrator. summarizer may be nil.
func New(bots []model.BotIdentity, fetcher Fetcher, l *ledger.Ledger, summarizer Summarizer, pub *publish.Publisher, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		bots:       bots,
		fetcher:    fetcher,
		ledger:     l,
		summarizer: summarizer,
		publisher:  pub,
		selector:   NewSelector(opts.Mode),
		opts:       opts,
		logger:     logger,
		sleep:      sleepContext,
		running:    make(map[string]*sync.Mutex),
		last:       make(map[string]model.RunStats),
	}
}

// Bots returns the configured identities.
func (o *Orchestrator) Bots() []model.BotIdentity {
	return append([]model.BotIdentity(nil), o.bots...)
}

// Bot finds an identity by id, name or handle, ignoring case.
func (o *Orchestrator) Bot(name string) (model.BotIdentity, bool) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "@")
	for _, b := range o.bots {
		if strings.EqualFold(b.ID, name) || strings.EqualFold(b.Name, name) || strings.EqualFold(b.Username(), name) {
			return b, true
		}
	}
	return model.BotIdentity{}, false
}

// Mode returns the active selection mode.
func (o *Orchestrator) Mode() string { return o.selector.Name() }

// run tracks one bot run as it moves through the states.
type run struct {
	stats  model.RunStats
	state  State
	logger *zap.Logger
}

func (r *run) enter(s State) {
	r.state = s
	r.logger.Debug("state", zap.Stringer("state", s))
}

func (r *run) fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.stats.Errors = append(r.stats.Errors, msg)
	r.logger.Error("run failed", zap.Stringer("state", r.state), zap.String("reason", msg))
	r.state = StateFailed
}

// Run executes one cycle for bot. It never panics and never returns an error:
// the outcome is described by the returned stats.
func (o *Orchestrator) Run(ctx context.Context, bot model.BotIdentity, dryRun bool) (stats model.RunStats) {
	unlock := o.lockBot(bot.ID)
	defer unlock()

	dryRun = dryRun || o.opts.DryRun
	r := &run{
		stats: model.RunStats{
			BotID:     bot.ID,
			BotName:   bot.Name,
			DryRun:    dryRun,
			StartedAt: time.Now(),
		},
		state:  StateIdle,
		logger: o.logger.With(zap.String("bot", bot.Name)),
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.fail("panic in %s: %v", r.state, rec)
		}
		r.stats.Duration = time.Since(r.stats.StartedAt)
		r.stats.State = r.state.String()
		r.stats.Success = r.state == StateDone
		o.record(r.stats)
		stats = r.stats
		r.logger.Info("run finished",
			zap.String("state", stats.State),
			zap.Int("fetched", stats.ItemsFetched),
			zap.Int("new", stats.ItemsNew),
			zap.Int("posts", stats.PostsCreated),
			zap.Int("would_post", stats.WouldPost),
			zap.Duration("duration", stats.Duration),
			zap.Int("errors", len(stats.Errors)))
	}()

	o.execute(ctx, bot, r, dryRun)
	return r.stats
}

func (o *Orchestrator) execute(ctx context.Context, bot model.BotIdentity, r *run, dryRun bool) {
	r.enter(StateVerifyingIdentity)
	if err := o.publisher.VerifyIdentityExists(ctx, bot); err != nil {
		r.fail("%v", err)
		return
	}

	r.enter(StateFetching)
	results := o.fetcher.FetchAll(ctx, bot.Sources)
	for _, res := range results {
		if !res.OK {
			r.stats.Errors = append(r.stats.Errors, fmt.Sprintf("source %s: %s", res.URL, res.Message()))
			continue
		}
		r.stats.FeedsProcessed++
		r.stats.ItemsFetched += len(res.Items)
	}

	r.enter(StateDeduplicating)
	filter := func(ctx context.Context, items []model.FeedItem) []model.FeedItem {
		return o.ledger.FilterUnprocessed(ctx, bot.ID, items)
	}
	sel := o.selector.Select(ctx, bot, results, filter)
	r.stats.ItemsNew = sel.New
	r.stats.ItemsSelected = len(sel.Items)
	if len(sel.Items) == 0 {
		r.logger.Info("no new items")
		r.enter(StateDone)
		return
	}

	r.enter(StateSummarizing)
	entries := make([]publish.Entry, 0, len(sel.Items))
	for _, it := range sel.Items {
		entries = append(entries, o.prepare(ctx, bot, it, &r.stats))
	}

	r.enter(StatePublishing)
	pub := o.publisher
	if dryRun && !pub.DryRun() {
		pub = pub.WithDryRun(true)
	}
	outcomes := pub.PublishBatch(ctx, bot, entries, bot.MaxPostsPerRun)
	if dryRun {
		r.stats.WouldPost = len(outcomes)
		r.enter(StateDone)
		return
	}

	r.enter(StateRecording)
	for _, out := range outcomes {
		if out.Post == nil {
			r.stats.Errors = append(r.stats.Errors, fmt.Sprintf("publish %s: failed, left for next run", out.Entry.Item.GUID))
			continue
		}
		r.stats.PostsCreated++
		if err := o.ledger.MarkProcessed(ctx, bot.ID, bot.DisplayHandle(), out.Entry.Item, out.Post); err != nil {
			r.stats.Errors = append(r.stats.Errors, err.Error())
		}
	}
	r.enter(StateDone)
}

// prepare builds the publish entry of one item, summarizing it when the stage
// is enabled.
func (o *Orchestrator) prepare(ctx context.Context, bot model.BotIdentity, it model.FeedItem, stats *model.RunStats) publish.Entry {
	if o.summarizer == nil {
		return publish.Entry{Item: it, Display: rawDisplay(it)}
	}
	text, ok := o.summarizer.Summarize(ctx, it, bot.StylePrompt)
	if !ok {
		return publish.Entry{Item: it, Display: text}
	}
	stats.ItemsSummarized++
	return publish.Entry{Item: it, Display: text, Summary: &text}
}

func rawDisplay(it model.FeedItem) string {
	if it.Content != "" {
		return it.Content
	}
	return strings.TrimSpace(it.Title + " " + it.Link)
}

// RunAll runs every bot once, one after another, pausing between bots. A
// failed bot does not stop the others.
func (o *Orchestrator) RunAll(ctx context.Context, dryRun bool) model.BatchSummary {
	start := time.Now()
	var sum model.BatchSummary
	for i, b := range o.bots {
		if i > 0 && o.opts.BotPause > 0 {
			if err := o.sleep(ctx, o.opts.BotPause); err != nil {
				o.logger.Warn("batch interrupted", zap.Error(err))
				break
			}
		}
		stats := o.Run(ctx, b, dryRun)
		sum.Results = append(sum.Results, stats)
		if stats.Success {
			sum.BotsSucceeded++
		} else {
			sum.BotsFailed++
		}
		sum.TotalPosts += stats.PostsCreated
		sum.TotalNewItems += stats.ItemsNew
	}
	sum.TotalDuration = time.Since(start)
	o.logger.Info("batch finished",
		zap.Int("succeeded", sum.BotsSucceeded),
		zap.Int("failed", sum.BotsFailed),
		zap.Int("posts", sum.TotalPosts),
		zap.Duration("duration", sum.TotalDuration))
	return sum
}

// RunByName runs one bot once.
func (o *Orchestrator) RunByName(ctx context.Context, name string, dryRun bool) (model.RunStats, error) {
	b, ok := o.Bot(name)
	if !ok {
		return model.RunStats{}, fmt.Errorf("%w: %s", ErrUnknownBot, name)
	}
	return o.Run(ctx, b, dryRun), nil
}

// Cleanup removes ledger records older than maxAgeDays.
func (o *Orchestrator) Cleanup(ctx context.Context, maxAgeDays int) (int64, error) {
	n, err := o.ledger.Cleanup(ctx, maxAgeDays)
	if err != nil {
		o.logger.Error("ledger cleanup failed", zap.Error(err))
	}
	return n, err
}

// Preview is what a run would select and how it would be summarized.
type Preview struct {
	Bot     model.BotIdentity
	Sources []rss.SourceResult
	Items   []summarize.Result
}

// Preview fetches and selects like a run, then summarizes the selection as a
// batch. Nothing is written.
func (o *Orchestrator) Preview(ctx context.Context, name string) (*Preview, error) {
	b, ok := o.Bot(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBot, name)
	}
	results := o.fetcher.FetchAll(ctx, b.Sources)
	filter := func(ctx context.Context, items []model.FeedItem) []model.FeedItem {
		return o.ledger.FilterUnprocessed(ctx, b.ID, items)
	}
	sel := o.selector.Select(ctx, b, results, filter)

	p := &Preview{Bot: b, Sources: results}
	if o.summarizer == nil {
		for _, it := range sel.Items {
			p.Items = append(p.Items, summarize.Result{Item: it, Summary: rawDisplay(it)})
		}
		return p, nil
	}
	p.Items = o.summarizer.SummarizeBatch(ctx, sel.Items, b.StylePrompt)
	return p, nil
}

// LastRuns returns the most recent stats of every bot that has run, by name.
func (o *Orchestrator) LastRuns() []model.RunStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.RunStats, 0, len(o.last))
	for _, s := range o.last {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotName < out[j].BotName })
	return out
}

func (o *Orchestrator) record(stats model.RunStats) {
	o.mu.Lock()
	o.last[stats.BotID] = stats
	o.mu.Unlock()
}

// lockBot serializes runs of the same bot.
func (o *Orchestrator) lockBot(id string) func() {
	o.mu.Lock()
	m, ok := o.running[id]
	if !ok {
		m = &sync.Mutex{}
		o.running[id] = m
	}
	o.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

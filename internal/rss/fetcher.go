// Package rss provides feed fetching and parsing.
package rss

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults used when Options leaves a field empty.
const (
	DefaultTimeout     = 15 * time.Second
	DefaultWindow      = 60 * time.Minute
	DefaultConcurrency = 8
)

// Concurrency settings
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	perDomain   int
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

// newDomainLimiter creates a new per-domain rate limiter.
func newDomainLimiter(perDomain int, delay time.Duration) *domainLimiter {
	if perDomain <= 0 {
		perDomain = MaxConcurrencyPerDomain
	}
	return &domainLimiter{
		perDomain:   perDomain,
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, dl.perDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		if elapsed := time.Since(lastReq); elapsed < dl.delay {
			timer := time.NewTimer(dl.delay - elapsed)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		}
	}
	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// Options configures a Fetcher.
type Options struct {
	Timeout     time.Duration // per source
	Window      time.Duration // trailing publication window
	Concurrency int           // sources in flight
	UserAgent   string
	DomainDelay time.Duration // minimum spacing between requests to one host
	HTTPClient  *http.Client
}

// SourceResult is the outcome of fetching one source.
type SourceResult struct {
	URL     string
	Name    string
	Items   []model.FeedItem // qualifying items, newest first
	OK      bool
	Err     error
	Skipped int // items without a usable date or outside the window
}

// Message returns the diagnostic message of a failed source.
func (r SourceResult) Message() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Fetcher retrieves and normalizes feed items.
type Fetcher struct {
	opts          Options
	logger        *zap.Logger
	policy        *bluemonday.Policy
	domainLimiter *domainLimiter
	now           func() time.Time
}

// NewFetcher creates a fetcher, filling unset options with defaults.
func NewFetcher(opts Options, logger *zap.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.DomainDelay < 0 {
		opts.DomainDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		opts:          opts,
		logger:        logger,
		policy:        bluemonday.StrictPolicy(),
		domainLimiter: newDomainLimiter(MaxConcurrencyPerDomain, opts.DomainDelay),
		now:           time.Now,
	}
}

// Window returns the trailing publication window items must fall within.
func (f *Fetcher) Window() time.Duration { return f.opts.Window }

// FetchSource fetches one source, measuring the window from now.
func (f *Fetcher) FetchSource(ctx context.Context, source string) SourceResult {
	return f.fetchSource(ctx, source, f.now())
}

// FetchAll fetches every source concurrently. A failing source never aborts
// the others; results come back in the order of sources.
func (f *Fetcher) FetchAll(ctx context.Context, sources []string) []SourceResult {
	now := f.now()
	results := make([]SourceResult, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Concurrency)
	for i, src := range sources {
		g.Go(func() error {
			results[i] = f.fetchSource(gctx, src, now)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, r := range results {
		if r.OK {
			ok++
		}
	}
	f.logger.Debug("fetched sources", zap.Int("sources", len(sources)), zap.Int("ok", ok))
	return results
}

func (f *Fetcher) fetchSource(ctx context.Context, source string, now time.Time) SourceResult {
	res := SourceResult{URL: source}

	domain := extractDomain(source)
	if err := f.domainLimiter.acquire(ctx, domain); err != nil {
		res.Err = fmt.Errorf("rate limit cancelled for %s: %w", source, err)
		return res
	}
	defer f.domainLimiter.release(domain)

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	parser := gofeed.NewParser()
	parser.UserAgent = f.opts.UserAgent
	if f.opts.HTTPClient != nil {
		parser.Client = f.opts.HTTPClient
	}

	feed, err := parser.ParseURLWithContext(source, ctx)
	if err != nil {
		res.Err = fmt.Errorf("parse feed %s: %w", source, err)
		f.logger.Warn("feed fetch failed", zap.String("source", source), zap.Error(err))
		return res
	}

	res.OK = true
	res.Name = f.sourceName(feed, domain)
	for _, raw := range feed.Items {
		item, ok := f.normalize(raw, source, res.Name)
		if !ok || !withinWindow(item.PublishedAt, now, f.opts.Window) {
			res.Skipped++
			continue
		}
		res.Items = append(res.Items, item)
	}
	SortNewestFirst(res.Items)

	if res.Skipped > 0 {
		f.logger.Debug("items skipped",
			zap.String("source", source),
			zap.Int("skipped", res.Skipped),
			zap.Duration("window", f.opts.Window))
	}
	return res
}

// withinWindow reports whether pub is younger than window at now.
// An item exactly window old is excluded.
func withinWindow(pub, now time.Time, window time.Duration) bool {
	if pub.IsZero() {
		return false
	}
	return now.Sub(pub) < window
}

// SortNewestFirst orders items by publication time, newest first.
func SortNewestFirst(items []model.FeedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
}

// Successful returns the results that fetched without error.
func Successful(results []SourceResult) []SourceResult {
	out := make([]SourceResult, 0, len(results))
	for _, r := range results {
		if r.OK {
			out = append(out, r)
		}
	}
	return out
}

// Merge pools the items of all successful results, newest first.
func Merge(results []SourceResult) []model.FeedItem {
	var items []model.FeedItem
	for _, r := range Successful(results) {
		items = append(items, r.Items...)
	}
	SortNewestFirst(items)
	return items
}

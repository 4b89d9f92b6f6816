package bot

import (
	"context"

	"github.com/bryan-buckman/infobots/internal/config"
	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/bryan-buckman/infobots/internal/rss"
)

// FilterFunc removes items the bot has already processed.
type FilterFunc func(ctx context.Context, items []model.FeedItem) []model.FeedItem

// Selection is the set of items chosen for one run.
type Selection struct {
	Items []model.FeedItem
	New   int // items that passed the ledger filter, before any cap
}

// Selector picks the items a run will publish from the fetched sources.
type Selector interface {
	Name() string
	Select(ctx context.Context, bot model.BotIdentity, results []rss.SourceResult, filter FilterFunc) Selection
}

// NewSelector returns the selector for a configured mode. Unknown modes fall
// back to per-source selection.
func NewSelector(mode string) Selector {
	if mode == config.ModeCombined {
		return Combined{}
	}
	return PerSource{}
}

// PerSource filters each source on its own and keeps at most
// MaxItemsPerSource of its newest new items, so a prolific source cannot use
// up the whole run.
type PerSource struct{}

// Name implements Selector.
func (PerSource) Name() string { return config.ModePerSource }

// Select implements Selector.
func (PerSource) Select(ctx context.Context, bot model.BotIdentity, results []rss.SourceResult, filter FilterFunc) Selection {
	var sel Selection
	seen := newSeenSet()
	for _, r := range rss.Successful(results) {
		if len(r.Items) == 0 {
			continue
		}
		fresh := filter(ctx, r.Items)
		sel.New += len(fresh)
		// Copies of stories already picked from another source do not use
		// up this source's slots.
		taken := 0
		for _, it := range fresh {
			if n := bot.MaxItemsPerSource; n > 0 && taken >= n {
				break
			}
			if seen.has(it) {
				continue
			}
			seen.add(it)
			sel.Items = append(sel.Items, it)
			taken++
		}
	}
	sel.Items = capItems(sel.Items, bot.MaxPostsPerRun)
	return sel
}

// Combined pools every source, orders the pool by recency and applies only
// the per-run cap.
type Combined struct{}

// Name implements Selector.
func (Combined) Name() string { return config.ModeCombined }

// Select implements Selector.
func (Combined) Select(ctx context.Context, bot model.BotIdentity, results []rss.SourceResult, filter FilterFunc) Selection {
	pool := rss.Merge(results)
	if len(pool) == 0 {
		return Selection{}
	}
	fresh := filter(ctx, pool)
	return Selection{
		Items: capItems(dedupeInRun(fresh), bot.MaxPostsPerRun),
		New:   len(fresh),
	}
}

// seenSet tracks the GUIDs and links of items already selected in a run.
type seenSet struct {
	guids map[string]bool
	links map[string]bool
}

func newSeenSet() *seenSet {
	return &seenSet{guids: make(map[string]bool), links: make(map[string]bool)}
}

func (s *seenSet) has(it model.FeedItem) bool {
	return s.guids[it.GUID] || (it.Link != "" && s.links[it.Link])
}

func (s *seenSet) add(it model.FeedItem) {
	s.guids[it.GUID] = true
	if it.Link != "" {
		s.links[it.Link] = true
	}
}

// dedupeInRun drops items sharing a GUID or link with an earlier item.
func dedupeInRun(items []model.FeedItem) []model.FeedItem {
	seen := newSeenSet()
	out := items[:0:0]
	for _, it := range items {
		if seen.has(it) {
			continue
		}
		seen.add(it)
		out = append(out, it)
	}
	return out
}

func capItems(items []model.FeedItem, n int) []model.FeedItem {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// Package ledger records which feed items each bot has already posted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/infobots/internal/database"
	"github.com/bryan-buckman/infobots/internal/model"
	"go.uber.org/zap"
)

// DefaultRetentionDays is how long records are kept by Cleanup.
const DefaultRetentionDays = 30

// Store is the subset of database.Store the ledger needs.
type Store interface {
	ProcessedExistsByGUID(ctx context.Context, botID, guid string) (bool, error)
	ProcessedExistsByLink(ctx context.Context, botID, link string) (bool, error)
	InsertProcessed(ctx context.Context, rec *model.ProcessedItem) error
	DeleteProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ledger is the per-bot dedup record.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger backed by store.
func New(store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// IsProcessed checks the GUID first and falls back to the link. A lookup
// error counts as not processed: a possible duplicate post is preferred over
// dropping the item.
func (l *Ledger) IsProcessed(ctx context.Context, botID string, item model.FeedItem) bool {
	if item.GUID != "" {
		found, err := l.store.ProcessedExistsByGUID(ctx, botID, item.GUID)
		if err != nil {
			l.logger.Warn("ledger lookup by guid failed",
				zap.String("bot", botID), zap.String("guid", item.GUID), zap.Error(err))
			return false
		}
		if found {
			return true
		}
	}
	if item.Link == "" {
		return false
	}
	found, err := l.store.ProcessedExistsByLink(ctx, botID, item.Link)
	if err != nil {
		l.logger.Warn("ledger lookup by link failed",
			zap.String("bot", botID), zap.String("link", item.Link), zap.Error(err))
		return false
	}
	return found
}

// MarkProcessed records item for the bot. Recording an item twice is not an
// error.
func (l *Ledger) MarkProcessed(ctx context.Context, botID, botHandle string, item model.FeedItem, post *model.PostRef) error {
	rec := &model.ProcessedItem{
		BotID:       botID,
		BotHandle:   botHandle,
		GUID:        item.GUID,
		Link:        item.Link,
		SourceURL:   item.SourceURL,
		Title:       item.Title,
		ProcessedAt: l.now(),
	}
	if post != nil {
		id := post.ID
		rec.PostID = &id
	}
	err := l.store.InsertProcessed(ctx, rec)
	if errors.Is(err, database.ErrDuplicate) {
		l.logger.Debug("item already recorded", zap.String("bot", botID), zap.String("guid", item.GUID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", item.GUID, err)
	}
	return nil
}

// FilterUnprocessed returns the items the bot has not processed yet, in order.
func (l *Ledger) FilterUnprocessed(ctx context.Context, botID string, items []model.FeedItem) []model.FeedItem {
	out := make([]model.FeedItem, 0, len(items))
	for _, it := range items {
		if !l.IsProcessed(ctx, botID, it) {
			out = append(out, it)
		}
	}
	return out
}

// Cleanup deletes records older than maxAgeDays and returns how many were
// removed. A non-positive maxAgeDays uses DefaultRetentionDays.
func (l *Ledger) Cleanup(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultRetentionDays
	}
	cutoff := l.now().AddDate(0, 0, -maxAgeDays)
	n, err := l.store.DeleteProcessedOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup ledger: %w", err)
	}
	l.logger.Info("ledger cleanup", zap.Int64("deleted", n), zap.Int("max_age_days", maxAgeDays))
	return n, nil
}

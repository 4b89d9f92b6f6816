// Package publish writes bot posts to the shared post store.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/infobots/internal/model"
	"go.uber.org/zap"
)

// ErrIdentityNotFound means the bot has no profile row in the post store.
var ErrIdentityNotFound = errors.New("bot identity not found")

// Store is the subset of database.Store the publisher needs.
type Store interface {
	IdentityExists(ctx context.Context, id string) (bool, error)
	InsertPost(ctx context.Context, post *model.Post) (model.PostRef, error)
}

// Options configures a Publisher.
type Options struct {
	DryRun      bool
	Delay       time.Duration // between posts of a batch
	SourceLabel bool          // prefix content with "[source name]"
}

// Publisher creates posts under a bot identity.
type Publisher struct {
	store  Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Publisher.
func New(store Store, opts Options, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{store: store, opts: opts, logger: logger, now: time.Now, sleep: sleepContext}
}

// DryRun reports whether writes are suppressed.
func (p *Publisher) DryRun() bool { return p.opts.DryRun }

// WithDryRun returns a copy of the publisher with dry run forced on or off.
func (p *Publisher) WithDryRun(dry bool) *Publisher {
	cp := *p
	cp.opts.DryRun = dry
	return &cp
}

// VerifyIdentityExists fails with ErrIdentityNotFound when the bot's profile
// row is missing.
func (p *Publisher) VerifyIdentityExists(ctx context.Context, bot model.BotIdentity) error {
	ok, err := p.store.IdentityExists(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("check identity %s: %w", bot.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s (%s)", ErrIdentityNotFound, bot.ID, bot.DisplayHandle())
	}
	return nil
}

// Entry is one item ready to publish.
type Entry struct {
	Item    model.FeedItem
	Display string  // text shown in the post
	Summary *string // nil when no summary was generated
}

// Publish writes one post and returns its reference. It returns nil on any
// write failure, after logging it, and always nil in dry run.
func (p *Publisher) Publish(ctx context.Context, bot model.BotIdentity, display, sourceURL, sourceName, original string, summary *string) *model.PostRef {
	post := &model.Post{
		AuthorID:        bot.ID,
		Content:         p.compose(display, sourceName),
		ContentKind:     model.ContentKindBot,
		OriginalContent: original,
		Summary:         summary,
		SourceURL:       sourceURL,
		SourceName:      sourceName,
		AuthorName:      bot.Name,
		AuthorHandle:    bot.DisplayHandle(),
		AuthorUsername:  bot.Username(),
		AuthorAvatar:    bot.AvatarURL,
		CreatedAt:       p.now(),
	}
	log := p.logger.With(zap.String("bot", bot.Name), zap.String("source", sourceURL))

	if p.opts.DryRun {
		log.Info("dry run: would post", zap.String("content", post.Content))
		return nil
	}

	ref, err := p.store.InsertPost(ctx, post)
	if err != nil {
		log.Error("publish failed",
			zap.String("author_id", post.AuthorID),
			zap.Int("content_length", len(post.Content)),
			zap.Bool("has_summary", summary != nil),
			zap.Error(err))
		return nil
	}
	log.Info("posted", zap.String("post_id", ref.ID))
	return &ref
}

// Outcome is the result of publishing one batch entry. Post is nil when the
// entry was not written.
type Outcome struct {
	Entry Entry
	Post  *model.PostRef
}

// PublishBatch publishes up to limit entries in order, pausing between them.
// A failed entry does not stop the batch. A non-positive limit publishes all.
func (p *Publisher) PublishBatch(ctx context.Context, bot model.BotIdentity, entries []Entry, limit int) []Outcome {
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Outcome, 0, len(entries))
	for i, e := range entries {
		if i > 0 && p.opts.Delay > 0 && !p.opts.DryRun {
			if err := p.sleep(ctx, p.opts.Delay); err != nil {
				break
			}
		}
		ref := p.Publish(ctx, bot, e.Display, e.Item.SourceURL, e.Item.SourceName, e.Item.Content, e.Summary)
		out = append(out, Outcome{Entry: e, Post: ref})
	}
	return out
}

// compose prefixes the display text with the source label.
func (p *Publisher) compose(display, sourceName string) string {
	display = strings.TrimSpace(display)
	sourceName = strings.TrimSpace(sourceName)
	if !p.opts.SourceLabel || sourceName == "" {
		return display
	}
	return "[" + sourceName + "] " + display
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

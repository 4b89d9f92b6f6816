// Package model defines shared data structures.
package model

import "time"

// BotIdentity is a configured, non-interactive posting account.
// It is loaded once at start-up and never mutated afterwards.
type BotIdentity struct {
	ID                string
	Name              string
	Handle            string
	AvatarURL         string
	Sources           []string
	Schedule          string
	StylePrompt       string
	MaxItemsPerSource int
	MaxPostsPerRun    int
}

// Username returns the handle without a leading "@".
func (b BotIdentity) Username() string {
	if len(b.Handle) > 0 && b.Handle[0] == '@' {
		return b.Handle[1:]
	}
	return b.Handle
}

// DisplayHandle returns the handle with a leading "@".
func (b BotIdentity) DisplayHandle() string {
	return "@" + b.Username()
}

// FeedItem is one normalized entry from an external source.
// It is rebuilt on every fetch and never persisted verbatim.
type FeedItem struct {
	GUID        string // stable GUID, falls back to the link
	Link        string
	Title       string
	Content     string // best-effort plain text
	PublishedAt time.Time
	Author      string
	Categories  []string
	SourceURL   string
	SourceName  string
}

// ProcessedItem is a dedup ledger entry.
type ProcessedItem struct {
	ID          string
	BotID       string
	BotHandle   string
	GUID        string
	Link        string // empty is stored as NULL
	SourceURL   string
	Title       string
	ProcessedAt time.Time
	PostID      *string
}

// Content kinds stored on posts.
const (
	ContentKindBot  = "bot"
	ContentKindUser = "user"
)

// Post is a published artifact in the shared post store.
type Post struct {
	ID              string
	AuthorID        string
	Content         string
	ContentKind     string
	OriginalContent string
	Summary         *string // nil when no summary was generated
	SourceURL       string
	SourceName      string
	AuthorName      string
	AuthorHandle    string
	AuthorUsername  string
	AuthorAvatar    string
	CreatedAt       time.Time
}

// PostRef references a created post.
type PostRef struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStats are the counters accumulated by one orchestrator run for one bot.
type RunStats struct {
	BotID           string        `json:"bot_id"`
	BotName         string        `json:"bot_name"`
	State           string        `json:"state"`
	Success         bool          `json:"success"`
	DryRun          bool          `json:"dry_run"`
	FeedsProcessed  int           `json:"feeds_processed"`
	ItemsFetched    int           `json:"items_fetched"`
	ItemsNew        int           `json:"items_new"`
	ItemsSelected   int           `json:"items_selected"`
	ItemsSummarized int           `json:"items_summarized"`
	PostsCreated    int           `json:"posts_created"`
	WouldPost       int           `json:"would_post,omitempty"`
	Duration        time.Duration `json:"duration"`
	StartedAt       time.Time     `json:"started_at"`
	Errors          []string      `json:"errors"`
}

// BatchSummary aggregates the results of a multi-bot run.
type BatchSummary struct {
	Results       []RunStats    `json:"results"`
	BotsSucceeded int           `json:"bots_succeeded"`
	BotsFailed    int           `json:"bots_failed"`
	TotalPosts    int           `json:"total_posts"`
	TotalNewItems int           `json:"total_new_items"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Package summarize turns feed items into short styled posts through an
// external text-generation service.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bryan-buckman/infobots/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized marks authentication or authorization failures. They are
	// never retried.
	ErrUnauthorized = errors.New("generator unauthorized")
	// ErrEmptyResult is returned when the service answers with no text.
	ErrEmptyResult = errors.New("generator returned empty result")
)

// DefaultSystemPrompt is used when a bot has no style prompt.
const DefaultSystemPrompt = "You are a news bot on a social network. Summarize the article below " +
	"in a neutral, informative tone. Write plain text only: no hashtags, no emojis, no markdown, " +
	"and do not include the link."

const (
	// DefaultMaxLength is the target summary length in characters.
	DefaultMaxLength = 280
	// excerptLength bounds the article text sent with a prompt.
	excerptLength = 2000
)

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, maxTokens int32) (string, error)
}

// Options configures a Summarizer.
type Options struct {
	MaxLength int
	MaxTokens int32
	Delay     time.Duration // minimum spacing between calls

	// Attempts and RetryBackoff configure WithRetry for single-item calls.
	// Batch calls always make one attempt per item.
	Attempts     int
	RetryBackoff time.Duration
}

// Summarizer builds prompts, calls the generator and falls back on failure.
type Summarizer struct {
	gen    Generator // one attempt per call
	single Generator // gen wrapped with retries, used by Summarize
	opts   Options
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	// mu serializes calls; last is when the previous call returned.
	mu   sync.Mutex
	last time.Time
}

// New creates a Summarizer.
func New(gen Generator, opts Options, logger *zap.Logger) *Summarizer {
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxLength
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		gen:    gen,
		single: WithRetry(gen, opts.Attempts, opts.RetryBackoff),
		opts:   opts,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Result is one summarized item.
type Result struct {
	Item    model.FeedItem
	Summary string
}

// Summarize returns a summary of item in the given style, retrying as
// configured. It never fails: when the service errors the deterministic
// Fallback is returned instead and the second return value is false.
func (s *Summarizer) Summarize(ctx context.Context, item model.FeedItem, stylePrompt string) (string, bool) {
	text, err := s.generate(ctx, s.single, item, stylePrompt)
	if err != nil {
		s.logger.Warn("summarization failed, using fallback",
			zap.String("guid", item.GUID), zap.Error(err))
		return Fallback(item.Title, item.Link, s.opts.MaxLength), false
	}
	return text, true
}

// SummarizeBatch summarizes items one at a time with the configured delay
// between calls. Each item gets a single attempt; items whose call fails are
// logged and left out.
func (s *Summarizer) SummarizeBatch(ctx context.Context, items []model.FeedItem, stylePrompt string) []Result {
	var out []Result
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		text, err := s.generate(ctx, s.gen, it, stylePrompt)
		if err != nil {
			s.logger.Warn("summarization failed, item excluded",
				zap.String("guid", it.GUID), zap.Error(err))
			continue
		}
		out = append(out, Result{Item: it, Summary: text})
	}
	return out
}

func (s *Summarizer) generate(ctx context.Context, gen Generator, item model.FeedItem, stylePrompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.IsZero() && s.opts.Delay > 0 {
		if wait := s.opts.Delay - time.Since(s.last); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return "", err
			}
		}
	}
	defer func() { s.last = time.Now() }()

	system := strings.TrimSpace(stylePrompt)
	if system == "" {
		system = DefaultSystemPrompt
	}
	text, err := gen.Generate(ctx, system, BuildPrompt(item, s.opts.MaxLength), s.opts.MaxTokens)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyResult
	}
	return truncate(text, s.opts.MaxLength), nil
}

// BuildPrompt renders the user prompt for one item.
func BuildPrompt(item model.FeedItem, maxLength int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", item.Title)
	if excerpt := truncate(item.Content, excerptLength); excerpt != "" {
		fmt.Fprintf(&b, "Content: %s\n", excerpt)
	}
	if item.Link != "" {
		fmt.Fprintf(&b, "Link: %s\n", item.Link)
	}
	fmt.Fprintf(&b, "\nWrite a summary of at most %d characters.", maxLength)
	return b.String()
}

// Fallback composes "title link" within maxLength characters. The link is
// kept whole whenever it fits and the title is shortened first.
func Fallback(title, link string, maxLength int) string {
	title = strings.TrimSpace(title)
	link = strings.TrimSpace(link)
	if link == "" {
		return truncate(title, maxLength)
	}
	full := title + " " + link
	if title == "" {
		full = link
	}
	if utf8.RuneCountInString(full) <= maxLength {
		return full
	}
	room := maxLength - utf8.RuneCountInString(link) - 1
	if room <= 0 {
		return truncate(link, maxLength)
	}
	return truncate(title, room) + " " + link
}

// truncate shortens s to at most n runes, ending with an ellipsis when cut.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n == 1 {
		return string(r[:1])
	}
	return strings.TrimRight(string(r[:n-1]), " ") + "…"
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

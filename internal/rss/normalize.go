package rss

import (
	"html"
	"strings"

	"github.com/bryan-buckman/infobots/internal/model"
	"github.com/mmcdole/gofeed"
)

const untitled = "Untitled"

// normalize converts a parsed item into a FeedItem. It returns false when the
// item has neither GUID nor link, or no parseable publication date.
func (f *Fetcher) normalize(it *gofeed.Item, source, sourceName string) (model.FeedItem, bool) {
	if it == nil {
		return model.FeedItem{}, false
	}
	link := strings.TrimSpace(it.Link)
	guid := strings.TrimSpace(it.GUID)
	if guid == "" {
		guid = link
	}
	if guid == "" || it.PublishedParsed == nil {
		return model.FeedItem{}, false
	}

	title := f.plainText(it.Title)
	if title == "" {
		title = untitled
	}

	item := model.FeedItem{
		GUID:        guid,
		Link:        link,
		Title:       title,
		Content:     f.content(it),
		PublishedAt: it.PublishedParsed.UTC(),
		SourceURL:   source,
		SourceName:  sourceName,
	}
	if it.Author != nil {
		item.Author = strings.TrimSpace(it.Author.Name)
	}
	if item.Author == "" {
		for _, a := range it.Authors {
			if a != nil && strings.TrimSpace(a.Name) != "" {
				item.Author = strings.TrimSpace(a.Name)
				break
			}
		}
	}
	for _, c := range it.Categories {
		if c = strings.TrimSpace(c); c != "" {
			item.Categories = append(item.Categories, c)
		}
	}
	return item, true
}

// content returns the first non-empty of content, description and the
// podcast summary, as plain text.
func (f *Fetcher) content(it *gofeed.Item) string {
	candidates := []string{it.Content, it.Description}
	if it.ITunesExt != nil {
		candidates = append(candidates, it.ITunesExt.Summary)
	}
	for _, c := range candidates {
		if text := f.plainText(c); text != "" {
			return text
		}
	}
	return ""
}

// plainText strips markup, decodes entities and collapses whitespace.
func (f *Fetcher) plainText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	// Space before every tag so adjacent blocks do not run together.
	stripped := html.UnescapeString(f.policy.Sanitize(strings.ReplaceAll(s, "<", " <")))
	return strings.Join(strings.Fields(stripped), " ")
}

func (f *Fetcher) sourceName(feed *gofeed.Feed, domain string) string {
	if feed != nil {
		if name := f.plainText(feed.Title); name != "" {
			return name
		}
	}
	return domain
}

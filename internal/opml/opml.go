// Package opml reads and writes OPML subscription lists for bot sources.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
	OwnerName   string `xml:"ownerName,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a single outline element: a feed when XMLURL is set, a group otherwise.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is a flattened feed with the group path it was nested under.
type FeedEntry struct {
	Group []string // e.g., ["News", "World"]
	Title string
	URL   string
}

// Parse reads an OPML document and returns every feed in document order.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			if url := strings.TrimSpace(o.XMLURL); url != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, FeedEntry{
					Group: append([]string{}, path...),
					Title: title,
					URL:   url,
				})
				continue
			}
			if len(o.Outlines) > 0 {
				name := o.Text
				if name == "" {
					name = o.Title
				}
				walk(o.Outlines, append(path, name))
			}
		}
	}
	walk(doc.Body.Outlines, nil)
	return entries, nil
}

// URLs returns the feed URLs of entries, without duplicates.
func URLs(entries []FeedEntry) []string {
	seen := make(map[string]bool, len(entries))
	urls := make([]string, 0, len(entries))
	for _, e := range entries {
		if seen[e.URL] {
			continue
		}
		seen[e.URL] = true
		urls = append(urls, e.URL)
	}
	return urls
}

// Export renders a flat OPML document listing sources under one group named
// after the owner.
func Export(owner string, sources []string, created time.Time) ([]byte, error) {
	group := Outline{Text: owner, Title: owner}
	for _, src := range sources {
		group.Outlines = append(group.Outlines, Outline{
			Text:   src,
			Type:   "rss",
			XMLURL: src,
		})
	}
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       owner + " sources",
			DateCreated: created.Format(time.RFC1123Z),
			OwnerName:   owner,
		},
		Body: Body{Outlines: []Outline{group}},
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

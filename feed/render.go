package feed

import (
	"github.com/gorilla/feeds"
)

// Format selects a feed serialization.
type Format string

const (
	FormatRSS  Format = "rss"
	FormatAtom Format = "atom"
)

// ParseFormat maps the format query value onto a Format, defaulting to RSS.
func ParseFormat(v string) Format {
	if v == string(FormatAtom) {
		return FormatAtom
	}
	return FormatRSS
}

// ContentType returns the MIME type to serve for f.
func (f Format) ContentType() string {
	if f == FormatAtom {
		return "application/atom+xml; charset=utf-8"
	}
	return "application/rss+xml; charset=utf-8"
}

// Render serializes doc in the requested format. Rendering the same document
// twice produces identical bytes.
func Render(doc *Document, format Format) (string, error) {
	f := toFeed(doc)
	if format == FormatAtom {
		return f.ToAtom()
	}
	return f.ToRss()
}

func toFeed(doc *Document) *feeds.Feed {
	f := &feeds.Feed{
		Title:       doc.Title,
		Link:        &feeds.Link{Href: doc.Link},
		Description: doc.Description,
		Id:          doc.Link,
		Created:     doc.GeneratedAt,
		Updated:     doc.GeneratedAt,
	}
	for _, it := range doc.Items {
		f.Items = append(f.Items, &feeds.Item{
			Id: it.ID,
			// Video and stream ids are opaque, not dereferenceable URLs
			IsPermaLink: "false",
			Title:       it.Title,
			Link:        &feeds.Link{Href: it.Link},
			Description: it.Description,
			Created:     it.PublishedAt,
		})
	}
	return f
}

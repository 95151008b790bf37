// Package feed turns Twitch channel activity into cacheable RSS and Atom
// documents. Building is deterministic: the same activity snapshot always
// produces the same document and the same serialized bytes.
package feed

import "time"

// Item is one feed entry derived from a channel activity.
type Item struct {
	ID          string
	Title       string
	Link        string
	Description string
	PublishedAt time.Time
}

// Document is a fully built feed for one channel, ready to render.
type Document struct {
	ChannelLogin string
	Title        string
	Link         string
	Description  string
	// GeneratedAt is the timestamp of the newest item, zero for an empty
	// feed, so rebuilding from identical input yields identical output.
	GeneratedAt time.Time
	Items       []Item
}

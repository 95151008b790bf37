package feed

import (
	"fmt"
	"sort"
	"strings"

	"twitchrss/twitchapi"
)

const (
	defaultMaxItems = 20

	thumbnailWidth  = "512"
	thumbnailHeight = "288"

	channelURLPrefix = "https://www.twitch.tv/"
)

// Builder converts channel activity into a Document.
type Builder struct {
	// MaxItems caps the number of feed entries. Zero means 20.
	MaxItems int
}

// Build assembles the document for login from acts. Items are ordered newest
// first; items sharing a timestamp are ordered by id so repeated builds of the
// same snapshot are byte-for-byte stable. An empty snapshot yields a valid
// document with no items.
func (b Builder) Build(login string, acts []twitchapi.Activity) *Document {
	items := make([]Item, 0, len(acts))
	for _, a := range acts {
		items = append(items, Item{
			ID:          a.ID,
			Title:       itemTitle(a, login),
			Link:        itemLink(a, login),
			Description: itemDescription(a, login),
			PublishedAt: a.PublishedAt.UTC(),
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].PublishedAt.Equal(items[j].PublishedAt) {
			return items[i].PublishedAt.After(items[j].PublishedAt)
		}
		return items[i].ID < items[j].ID
	})
	maxItems := b.MaxItems
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	doc := &Document{
		ChannelLogin: login,
		Title:        fmt.Sprintf("%s Twitch activity", login),
		Link:         channelURLPrefix + login,
		Description:  fmt.Sprintf("Live streams and VODs from twitch.tv/%s", login),
		Items:        items,
	}
	if len(items) > 0 {
		doc.GeneratedAt = items[0].PublishedAt
	}
	return doc
}

func itemTitle(a twitchapi.Activity, login string) string {
	if a.Title == "" && a.Kind == twitchapi.ActivityStream {
		return "Live: " + login
	}
	return a.Title
}

func itemLink(a twitchapi.Activity, login string) string {
	if a.URL != "" {
		return a.URL
	}
	if a.Kind == twitchapi.ActivityStream {
		return channelURLPrefix + login
	}
	return channelURLPrefix + "videos/" + a.ID
}

// itemDescription renders the body shown by feed readers: a linked thumbnail
// when one exists, then the upstream description and the title.
func itemDescription(a twitchapi.Activity, login string) string {
	var sb strings.Builder
	if a.ThumbnailURL != "" {
		sb.WriteString(`<a href="`)
		sb.WriteString(itemLink(a, login))
		sb.WriteString(`"><img src="`)
		sb.WriteString(expandThumbnail(a.ThumbnailURL))
		sb.WriteString(`" /></a>`)
	}
	if a.Description != "" {
		if sb.Len() > 0 {
			sb.WriteString("<br />")
		}
		sb.WriteString(a.Description)
	}
	if title := itemTitle(a, login); title != "" {
		if sb.Len() > 0 {
			sb.WriteString("<br />")
		}
		sb.WriteString(title)
	}
	return sb.String()
}

// expandThumbnail substitutes the size templates Helix embeds in thumbnail
// URLs: %{width}/%{height} on videos, {width}/{height} on streams.
func expandThumbnail(tmpl string) string {
	r := strings.NewReplacer(
		"%{width}", thumbnailWidth,
		"%{height}", thumbnailHeight,
		"{width}", thumbnailWidth,
		"{height}", thumbnailHeight,
	)
	return r.Replace(tmpl)
}

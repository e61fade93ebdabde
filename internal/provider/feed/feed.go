// Package feed implements an RSS/Atom new-entry trigger. No
// credential is needed; the feed URL comes from the rule parameters.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/weftd/weft/internal/httpkit"
	"github.com/weftd/weft/internal/plugin"
)

// Slug is the provider identifier used in rule descriptors.
const Slug = "feed"

// Provider fetches and parses syndication feeds.
type Provider struct {
	http   *http.Client
	logger *slog.Logger
}

// New creates the feed provider.
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		http:   httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger: logger,
	}
}

// Register adds the feed capabilities to the registry builder.
func (p *Provider) Register(b *plugin.Builder) {
	b.Condition(Slug, "new_entry", "a feed published a new entry", p.newEntryCondition)
}

// Feed is a parsed RSS or Atom feed with its entries normalized into
// a common structure.
type Feed struct {
	Title   string
	Entries []Entry
}

// Entry is a single item in a feed.
type Entry struct {
	ID        string // <guid> (RSS) or <id> (Atom)
	Title     string
	Link      string
	Published time.Time
}

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	GUID    string `xml:"guid"`
	PubDate string `xml:"pubDate"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Published string     `xml:"published"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// newEntryCondition matches when the feed's newest entry was
// published after the rule's watermark. The first evaluation only
// establishes the baseline.
func (p *Provider) newEntryCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	feedURL, err := plugin.StringParam(in.Params, "url")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	if in.Watermark == nil {
		return plugin.EvalResult{}, nil
	}

	feed, err := p.fetch(ctx, feedURL)
	if err != nil {
		return plugin.EvalResult{}, err
	}

	var newest *Entry
	for i := range feed.Entries {
		e := &feed.Entries[i]
		if newest == nil || e.Published.After(newest.Published) {
			newest = e
		}
	}
	if newest == nil || !newest.Published.After(*in.Watermark) {
		return plugin.EvalResult{}, nil
	}

	return plugin.EvalResult{
		Matched: true,
		Evidence: map[string]any{
			"entry_title": newest.Title,
			"entry_link":  newest.Link,
			"feed_title":  feed.Title,
		},
	}, nil
}

// fetch retrieves and parses a feed from the given URL.
func (p *Provider) fetch(ctx context.Context, feedURL string) (*Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &plugin.ConfigError{Param: "url", Reason: fmt.Sprintf("invalid feed url %q", feedURL)}
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20) // 1 MB limit

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, &plugin.ConfigError{Param: "url", Reason: fmt.Sprintf("feed %s returned HTTP %d", feedURL, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}

	return parseFeed(body)
}

// parseFeed parses XML data as either an Atom or RSS feed. Atom is
// tried first.
func parseFeed(data []byte) (*Feed, error) {
	var atom atomFeed
	if err := xml.Unmarshal(data, &atom); err == nil && atom.XMLName.Local == "feed" {
		return atomToFeed(&atom), nil
	}

	var rss rssFeed
	if err := xml.Unmarshal(data, &rss); err == nil && rss.XMLName.Local == "rss" {
		return rssToFeed(&rss), nil
	}

	return nil, fmt.Errorf("unrecognized feed format (expected RSS 2.0 or Atom)")
}

// atomToFeed converts a parsed Atom feed to the normalized Feed type.
// When multiple <link> elements exist, the one with rel="alternate"
// is preferred. Entry IDs fall back to the link href when <id> is
// absent.
func atomToFeed(af *atomFeed) *Feed {
	f := &Feed{Title: af.Title}
	for _, e := range af.Entries {
		pub, _ := time.Parse(time.RFC3339, e.Published)
		link := atomBestLink(e.Links)
		id := e.ID
		if id == "" {
			id = link
		}
		f.Entries = append(f.Entries, Entry{
			ID:        id,
			Title:     e.Title,
			Link:      link,
			Published: pub,
		})
	}
	return f
}

// atomBestLink selects the most appropriate link from an Atom entry's
// link list. Prefers rel="alternate"; falls back to the first link.
func atomBestLink(links []atomLink) string {
	if len(links) == 0 {
		return ""
	}
	for _, l := range links {
		if l.Rel == "alternate" || l.Rel == "" {
			return l.Href
		}
	}
	return links[0].Href
}

// rssToFeed converts a parsed RSS 2.0 feed to the normalized Feed type.
func rssToFeed(rf *rssFeed) *Feed {
	f := &Feed{Title: rf.Channel.Title}
	for _, item := range rf.Channel.Items {
		pub, _ := time.Parse(time.RFC1123Z, item.PubDate)
		if pub.IsZero() {
			// Try RFC1123 without numeric timezone.
			pub, _ = time.Parse(time.RFC1123, item.PubDate)
		}
		id := item.GUID
		if id == "" {
			id = item.Link
		}
		f.Entries = append(f.Entries, Entry{
			ID:        id,
			Title:     item.Title,
			Link:      item.Link,
			Published: pub,
		})
	}
	return f
}

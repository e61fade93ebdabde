package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/weftd/weft/internal/plugin"
)

const atomDoc = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Release Notes</title>
  <entry>
    <id>tag:example.org,2026:release-42</id>
    <title>v42 shipped</title>
    <link rel="alternate" href="https://example.org/releases/42"/>
    <published>2026-08-30T12:00:00Z</published>
  </entry>
  <entry>
    <id>tag:example.org,2026:release-41</id>
    <title>v41 shipped</title>
    <link rel="alternate" href="https://example.org/releases/41"/>
    <published>2026-08-01T12:00:00Z</published>
  </entry>
</feed>`

func rssDoc(pubDate string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Status Blog</title>
    <item>
      <title>maintenance window</title>
      <link>https://example.org/posts/77</link>
      <guid>post-77</guid>
      <pubDate>%s</pubDate>
    </item>
  </channel>
</rss>`, pubDate)
}

func wm(t time.Time) *time.Time { return &t }

func TestParseAtom(t *testing.T) {
	f, err := parseFeed([]byte(atomDoc))
	if err != nil {
		t.Fatalf("parseFeed: %v", err)
	}
	if f.Title != "Release Notes" {
		t.Errorf("Title = %q", f.Title)
	}
	if len(f.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(f.Entries))
	}
	if f.Entries[0].Link != "https://example.org/releases/42" {
		t.Errorf("Link = %q", f.Entries[0].Link)
	}
	want := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	if !f.Entries[0].Published.Equal(want) {
		t.Errorf("Published = %v, want %v", f.Entries[0].Published, want)
	}
}

func TestParseRSS(t *testing.T) {
	f, err := parseFeed([]byte(rssDoc("Sun, 30 Aug 2026 09:30:00 +0000")))
	if err != nil {
		t.Fatalf("parseFeed: %v", err)
	}
	if f.Title != "Status Blog" {
		t.Errorf("Title = %q", f.Title)
	}
	if len(f.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(f.Entries))
	}
	if f.Entries[0].ID != "post-77" {
		t.Errorf("ID = %q", f.Entries[0].ID)
	}
}

func TestParseUnrecognized(t *testing.T) {
	if _, err := parseFeed([]byte(`{"not":"xml"}`)); err == nil {
		t.Fatal("expected error for non-feed data")
	}
}

func TestNewEntryMatchesAfterWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprint(w, atomDoc)
	}))
	defer srv.Close()

	p := New(nil)
	res, err := p.newEntryCondition(context.Background(), plugin.EvalInput{
		Params:    map[string]any{"url": srv.URL},
		Watermark: wm(time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("newEntryCondition: %v", err)
	}
	if !res.Matched {
		t.Fatal("expected match for entry after watermark")
	}
	if res.Evidence["entry_title"] != "v42 shipped" {
		t.Errorf("entry_title = %v", res.Evidence["entry_title"])
	}
}

func TestNewEntryIgnoresOldEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, atomDoc)
	}))
	defer srv.Close()

	p := New(nil)
	res, err := p.newEntryCondition(context.Background(), plugin.EvalInput{
		Params:    map[string]any{"url": srv.URL},
		Watermark: wm(time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("newEntryCondition: %v", err)
	}
	if res.Matched {
		t.Error("entries before watermark should not match")
	}
}

func TestNewEntryColdStart(t *testing.T) {
	var fetched bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetched = true
		fmt.Fprint(w, atomDoc)
	}))
	defer srv.Close()

	p := New(nil)
	res, err := p.newEntryCondition(context.Background(), plugin.EvalInput{
		Params: map[string]any{"url": srv.URL},
	})
	if err != nil {
		t.Fatalf("newEntryCondition: %v", err)
	}
	if res.Matched {
		t.Error("nil watermark must not match")
	}
	if fetched {
		t.Error("cold start should not fetch the feed")
	}
}

func TestNewEntryGoneFeedIsConfigError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(nil)
	_, err := p.newEntryCondition(context.Background(), plugin.EvalInput{
		Params:    map[string]any{"url": srv.URL},
		Watermark: wm(time.Now()),
	})
	var cfgErr *plugin.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError for 404, got %v", err)
	}
}

func TestNewEntryServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "flaky", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(nil)
	_, err := p.newEntryCondition(context.Background(), plugin.EvalInput{
		Params:    map[string]any{"url": srv.URL},
		Watermark: wm(time.Now()),
	})
	if err == nil {
		t.Fatal("expected error for 503")
	}
	var cfgErr *plugin.ConfigError
	if errors.As(err, &cfgErr) {
		t.Error("503 should not be a ConfigError")
	}
}

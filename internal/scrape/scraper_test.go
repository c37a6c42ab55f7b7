package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yuancx2025/ai-frontier/internal/config"
	"github.com/yuancx2025/ai-frontier/internal/storage"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Lab</title>
  <item>
    <guid>abc123</guid>
    <title>New model launch</title>
    <link>https://example.com/abc123</link>
    <description>&lt;p&gt;We are &lt;b&gt;launching&lt;/b&gt; a model.&lt;/p&gt;&lt;script&gt;evil()&lt;/script&gt;</description>
    <pubDate>Thu, 20 Aug 2026 09:00:00 GMT</pubDate>
  </item>
  <item>
    <guid>def456</guid>
    <title>Second item</title>
    <link>https://example.com/def456</link>
    <description>Plain text body</description>
    <pubDate>Fri, 21 Aug 2026 09:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

type recordingStore struct {
	upserts map[string][]storage.RawItem
	counts  map[string]int // source_id -> times seen, for dedup accounting
}

func newRecordingStore() *recordingStore {
	return &recordingStore{upserts: map[string][]storage.RawItem{}, counts: map[string]int{}}
}

func (r *recordingStore) UpsertRawItems(sourceName string, items []storage.RawItem) (int, error) {
	r.upserts[sourceName] = append(r.upserts[sourceName], items...)
	newCount := 0
	for _, it := range items {
		key := sourceName + "/" + it.SourceID
		if r.counts[key] == 0 {
			newCount++
		}
		r.counts[key]++
	}
	return newCount, nil
}

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedXML)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchAll_ParsesAndUpserts(t *testing.T) {
	srv := feedServer(t)
	store := newRecordingStore()
	s := New(store, []config.Source{{Name: "example", URL: srv.URL}})

	n, err := s.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if n != 2 {
		t.Errorf("new items = %d, want 2", n)
	}

	items := store.upserts["example"]
	if len(items) != 2 {
		t.Fatalf("upserted %d items, want 2", len(items))
	}

	first := items[0]
	if first.SourceID != "abc123" {
		t.Errorf("SourceID = %q, want abc123", first.SourceID)
	}
	if first.Title != "New model launch" {
		t.Errorf("Title = %q", first.Title)
	}
	// HTML stripped, script contents dropped.
	if want := "We are launching a model."; first.Body != want {
		t.Errorf("Body = %q, want %q", first.Body, want)
	}
	wantPub := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	if !first.PublishedAt.Equal(wantPub) {
		t.Errorf("PublishedAt = %v, want %v", first.PublishedAt, wantPub)
	}
}

func TestFetchAll_RefetchIsNotNew(t *testing.T) {
	srv := feedServer(t)
	store := newRecordingStore()
	s := New(store, []config.Source{{Name: "example", URL: srv.URL}})

	if _, err := s.FetchAll(context.Background()); err != nil {
		t.Fatalf("first FetchAll: %v", err)
	}
	n, err := s.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("second FetchAll: %v", err)
	}
	if n != 0 {
		t.Errorf("second fetch reported %d new items, want 0", n)
	}
}

func TestFetchAll_SourceFailureIsolation(t *testing.T) {
	srv := feedServer(t)
	store := newRecordingStore()
	s := New(store, []config.Source{
		{Name: "down", URL: "http://127.0.0.1:0/nope"},
		{Name: "example", URL: srv.URL},
	})

	n, err := s.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if n != 2 {
		t.Errorf("new items = %d, want 2 from the healthy source", n)
	}
}

func TestFetchAll_AllSourcesFailed(t *testing.T) {
	store := newRecordingStore()
	s := New(store, []config.Source{{Name: "down", URL: "http://127.0.0.1:0/nope"}})

	if _, err := s.FetchAll(context.Background()); err == nil {
		t.Error("FetchAll succeeded with every source down")
	}
}

func TestStripHTML(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"<p>Hello <b>world</b></p>", "Hello world"},
		{"plain text", "plain text"},
		{"<style>.x{}</style>visible", "visible"},
		{"a\n\n  b", "a b"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := StripHTML(tc.in); got != tc.want {
			t.Errorf("StripHTML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsPDFLink(t *testing.T) {
	if !isPDFLink("https://example.com/paper.PDF") {
		t.Error("uppercase .PDF not detected")
	}
	if isPDFLink("https://example.com/page.html") {
		t.Error("html link detected as pdf")
	}
}

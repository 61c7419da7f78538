package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/webcmdk/sidepanel/internal/protocol"
)

const filler = "This sentence pads the element above the minimum content threshold so the selector picks it up properly. "

func TestFromHTML_PrefersArticle(t *testing.T) {
	page := `<html><head><title>My Page</title></head><body>
		<nav>site navigation chrome</nav>
		<article>` + strings.Repeat(filler, 2) + `</article>
		<footer>footer junk</footer>
	</body></html>`

	content, title, err := FromHTML(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if title != "My Page" {
		t.Fatalf("title = %q", title)
	}
	if !strings.Contains(content, "pads the element") {
		t.Fatalf("article text missing: %q", content)
	}
	if strings.Contains(content, "site navigation chrome") {
		t.Fatalf("content leaked from outside the article: %q", content)
	}
}

func TestFromHTML_RoleMainFallback(t *testing.T) {
	page := `<html><body>
		<div role="main">` + strings.Repeat(filler, 2) + `</div>
		<div>unrelated sidebar</div>
	</body></html>`

	content, _, err := FromHTML(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(content, "pads the element") {
		t.Fatalf("role=main text missing: %q", content)
	}
	if strings.Contains(content, "unrelated sidebar") {
		t.Fatalf("sidebar leaked: %q", content)
	}
}

func TestFromHTML_ShortArticleFallsBackToBody(t *testing.T) {
	page := `<html><body>
		<article>too short</article>
		<p>` + strings.Repeat(filler, 2) + `</p>
	</body></html>`

	content, _, err := FromHTML(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	// The near-empty article must not win; body text is the fallback.
	if !strings.Contains(content, "pads the element") {
		t.Fatalf("body fallback not used: %q", content)
	}
}

func TestFromHTML_StripsEmbeddedContent(t *testing.T) {
	page := `<html><body><article>
		<script>var secret = "nope";</script>
		<style>.x { color: red }</style>
		<iframe src="ad.html">embedded ad text</iframe>
		` + strings.Repeat(filler, 2) + `
	</article></body></html>`

	content, _, err := FromHTML(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, leaked := range []string{"secret", "color: red", "embedded ad"} {
		if strings.Contains(content, leaked) {
			t.Fatalf("stripped element leaked %q into: %q", leaked, content)
		}
	}
}

func TestFromHTML_CollapsesWhitespace(t *testing.T) {
	page := "<html><body><p>hello\n\n\t   world</p><p>" + strings.Repeat(filler, 2) + "</p></body></html>"

	content, _, err := FromHTML(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !strings.Contains(content, "hello world") {
		t.Fatalf("whitespace not collapsed: %q", content)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "short untouched", input: "abc", maxLen: 10, want: "abc"},
		{name: "exact untouched", input: "abcde", maxLen: 5, want: "abcde"},
		{name: "long gets marker", input: "abcdefgh", maxLen: 5, want: "abcde..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.input, tt.maxLen); got != tt.want {
				t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestFromHTML_TruncatesAtLimit(t *testing.T) {
	long := strings.Repeat("word ", 3000) // ~15000 chars
	page := "<html><body><article>" + long + "</article></body></html>"

	content, _, err := FromHTML(page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(content) != MaxContentLength+len("...") {
		t.Fatalf("content length = %d, want %d", len(content), MaxContentLength+3)
	}
	if !strings.HasSuffix(content, "...") {
		t.Fatalf("truncation marker missing: %q", content[len(content)-10:])
	}
}

func TestFetch_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Remote</title></head><body><article>` + strings.Repeat(filler, 2) + `</article></body></html>`))
	}))
	defer srv.Close()

	content, title, err := New().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if title != "Remote" {
		t.Fatalf("title = %q", title)
	}
	if !strings.Contains(content, "pads the element") {
		t.Fatalf("content missing: %q", content)
	}
}

func TestFetch_ErrorIsExtractionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := New().Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	var extErr *protocol.ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected ExtractionError, got %T: %v", err, err)
	}
}

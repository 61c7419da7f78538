// Package extract produces sanitized page text for conversational context,
// following the same selection and cleanup rules the extension ran inside
// the tab: prefer article/main/[role=main]/body, strip embedded content,
// collapse whitespace, cap the length.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/webcmdk/sidepanel/internal/protocol"
	"golang.org/x/net/html"
)

const (
	// MaxContentLength caps extracted text to stay under model token limits.
	MaxContentLength = 8000

	// minContentLength is the threshold below which a preferred element is
	// considered empty chrome and the next selector is tried.
	minContentLength = 100

	truncationMarker = "..."
)

// Tags whose subtrees never contribute page text.
var strippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"embed":    true,
	"object":   true,
}

// Extractor fetches pages and reduces them to plain context text.
type Extractor struct {
	httpClient *http.Client
}

// New creates an Extractor with a bounded fetch timeout.
func New() *Extractor {
	return &Extractor{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch retrieves url and extracts its text. The returned TabContent always
// carries the url and title (when known) even if extraction fails.
func (e *Extractor) Fetch(ctx context.Context, url string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", &protocol.ExtractionError{URL: url, Err: err}
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", "", &protocol.ExtractionError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", &protocol.ExtractionError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	// 2MB is plenty for any page's text-bearing HTML.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", "", &protocol.ExtractionError{URL: url, Err: err}
	}

	content, title, err := FromHTML(string(body))
	if err != nil {
		return "", "", &protocol.ExtractionError{URL: url, Err: err}
	}
	return content, title, nil
}

// FromHTML extracts cleaned text and the document title from raw HTML.
func FromHTML(rawHTML string) (content string, title string, err error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", "", err
	}

	title = findTitle(doc)

	// Preference order matches the injected content script: the first
	// element with substantive text wins, body is the fallback.
	var root *html.Node
	for _, pick := range []func(*html.Node) *html.Node{
		func(n *html.Node) *html.Node { return findElement(n, "article", "", "") },
		func(n *html.Node) *html.Node { return findElement(n, "main", "", "") },
		func(n *html.Node) *html.Node { return findElement(n, "", "role", "main") },
	} {
		if el := pick(doc); el != nil && len(strings.TrimSpace(collectText(el))) > minContentLength {
			root = el
			break
		}
	}
	if root == nil {
		root = findElement(doc, "body", "", "")
	}
	if root == nil {
		root = doc
	}

	text := collapseWhitespace(collectText(root))
	return Truncate(text, MaxContentLength), title, nil
}

// Truncate caps s at maxLen runes of bytes, appending a marker when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + truncationMarker
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// findElement locates the first element matching tag, or carrying attr=value
// when tag is empty.
func findElement(n *html.Node, tag, attr, value string) *html.Node {
	if n.Type == html.ElementNode {
		if tag != "" && n.Data == tag {
			return n
		}
		if attr != "" {
			for _, a := range n.Attr {
				if a.Key == attr && a.Val == value {
					return n
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if el := findElement(c, tag, attr, value); el != nil {
			return el
		}
	}
	return nil
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strippedTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

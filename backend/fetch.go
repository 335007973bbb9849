package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// maxFetchBody bounds how much of a response body is read before
// truncation is applied.
const maxFetchBody = 4 << 20

var textPolicy = bluemonday.StrictPolicy()

// FetchRequest describes a URL fetch.
type FetchRequest struct {
	URL string
	// TextOnly strips markup from the body before truncation.
	TextOnly bool
}

// FetchURL GETs a URL and returns {url, status_code, content}. Content is
// truncated to FetchLimit characters.
func (h *Host) FetchURL(ctx context.Context, req FetchRequest) Result {
	if req.URL == "" {
		return Fail("URL is required")
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.FetchTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Fail(fmt.Sprintf("Failed to fetch URL: %v", err))
	}
	httpReq.Header.Set("User-Agent", "LangTARS/1.0")

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return Fail(fmt.Sprintf("Failed to fetch URL: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return Fail(fmt.Sprintf("Failed to fetch URL: %v", err))
	}

	raw := string(body)
	r := Result{
		"success":     true,
		"url":         req.URL,
		"status_code": resp.StatusCode,
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		if title := pageTitle(raw); title != "" {
			r["title"] = title
		}
	}

	content := raw
	if req.TextOnly {
		content = collapseBlankLines(textPolicy.Sanitize(raw))
	}
	r["content"] = truncateChars(content, h.cfg.FetchLimit)
	return r
}

// truncateChars cuts s to limit runes and marks the cut.
func truncateChars(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + "\n... (truncated)"
		}
		n++
	}
	return s
}

// pageTitle returns the text of the first <title> element.
func pageTitle(doc string) string {
	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				if z.Next() == html.TextToken {
					return strings.TrimSpace(string(z.Text()))
				}
				return ""
			}
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

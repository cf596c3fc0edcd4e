// Package detector decides when a plain HTTP response should be re-fetched
// in a headless browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const defaultMinTextBytes = 2048

// mountPoints are the root elements client-side frameworks render into.
const mountPoints = "#__next, #__nuxt, #root, #app, [data-reactroot], [ng-app], [ng-version]"

// Heuristic promotes pages that look rendered by client-side script: an
// empty framework mount point, or little visible text next to more inline
// script than text.
type Heuristic struct {
	// MinTextBytes is the visible text below which script-heavy pages are
	// promoted.
	MinTextBytes int
}

// NewHeuristic creates a detector. A threshold of zero uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultMinTextBytes
	}
	return &Heuristic{MinTextBytes: threshold}
}

// ShouldPromote reports whether resp needs a headless re-fetch. Rendered,
// non-200 and non-HTML responses are never promoted.
func (h *Heuristic) ShouldPromote(resp *crawler.Response) bool {
	if resp == nil || resp.Rendered || resp.StatusCode != 200 {
		return false
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}

	emptyMount := false
	doc.Find(mountPoints).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Children().Length() == 0 && strings.TrimSpace(s.Text()) == "" {
			emptyMount = true
		}
		return !emptyMount
	})
	if emptyMount {
		return true
	}

	scriptBytes := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scriptBytes += len(strings.TrimSpace(s.Text()))
	})
	noscript := strings.Contains(strings.ToLower(doc.Find("noscript").Text()), "javascript")

	doc.Find("script, style, noscript, template").Remove()
	text := len(strings.Join(strings.Fields(doc.Text()), " "))
	if text >= h.MinTextBytes {
		return false
	}
	return noscript || (scriptBytes > 0 && scriptBytes >= text)
}

package fetcher

import (
	"bytes"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// DefaultMinBodyBytes is the body size under which a script-heavy page is
// treated as a client-rendered shell.
const DefaultMinBodyBytes = 2048

// appShellMarkers show up in pages that render their content client side.
var appShellMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// Detector decides whether a static response needs a browser to show its
// job cards.
type Detector struct {
	CardSelector string
	MinBodyBytes int
}

// NewDetector builds a Detector. A zero minBody uses DefaultMinBodyBytes.
func NewDetector(cardSelector string, minBody int) *Detector {
	if minBody <= 0 {
		minBody = DefaultMinBodyBytes
	}
	return &Detector{CardSelector: cardSelector, MinBodyBytes: minBody}
}

// NeedsBrowser reports whether resp looks like an empty app shell. Pages that
// already contain cards are never promoted.
func (d *Detector) NeedsBrowser(resp crawler.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return true
	}
	if d.CardSelector != "" && doc.Find(d.CardSelector).Length() > 0 {
		return false
	}
	for _, marker := range appShellMarkers {
		if bytes.Contains(resp.Body, marker) {
			return true
		}
	}
	return len(resp.Body) < d.MinBodyBytes && scriptShare(doc, len(resp.Body)) >= 25
}

// scriptShare is the percentage of the body taken by inline script text.
func scriptShare(doc *goquery.Document, total int) int {
	if total == 0 {
		return 0
	}
	scripts := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		scripts += len(s.Text())
	})
	return scripts * 100 / total
}

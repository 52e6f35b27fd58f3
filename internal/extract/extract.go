// Package extract turns listing pages into postings using goquery.
package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// Selectors locates each field inside a listing card. Field selectors are
// evaluated relative to the card.
type Selectors struct {
	Card        string `mapstructure:"card"`
	Title       string `mapstructure:"title"`
	Location    string `mapstructure:"location"`
	Experience  string `mapstructure:"experience"`
	Posted      string `mapstructure:"posted"`
	Logo        string `mapstructure:"logo"`
	CompanySize string `mapstructure:"company_size"`
	FundingTag  string `mapstructure:"funding_tag"`
	Industry    string `mapstructure:"industry"`
	WhatTheyDo  string `mapstructure:"what_they_do"`
	Apply       string `mapstructure:"apply"`
}

// DefaultSelectors matches the current listing markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Card:        "[data-job-card], .job-card",
		Title:       "h2, h3, .job-title",
		Location:    ".location",
		Experience:  ".experience",
		Posted:      ".posted, time",
		Logo:        "img",
		CompanySize: ".company-size",
		FundingTag:  ".funding-tag",
		Industry:    ".industry",
		WhatTheyDo:  ".what-they-do",
		Apply:       "a.apply",
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&s.Card, d.Card)
	fill(&s.Title, d.Title)
	fill(&s.Location, d.Location)
	fill(&s.Experience, d.Experience)
	fill(&s.Posted, d.Posted)
	fill(&s.Logo, d.Logo)
	fill(&s.CompanySize, d.CompanySize)
	fill(&s.FundingTag, d.FundingTag)
	fill(&s.Industry, d.Industry)
	fill(&s.WhatTheyDo, d.WhatTheyDo)
	fill(&s.Apply, d.Apply)
	return s
}

// Extractor implements crawler.Extractor.
type Extractor struct {
	sel Selectors
}

var _ crawler.Extractor = (*Extractor)(nil)

// New builds an Extractor. Empty selectors fall back to DefaultSelectors.
func New(sel Selectors) *Extractor {
	return &Extractor{sel: sel.withDefaults()}
}

// Extract returns the page's postings in document order, deduplicated by id.
// Cards without a job link are dropped. It never fails: markup it cannot
// read yields an empty slice.
func (e *Extractor) Extract(html []byte, sourceURL string) []crawler.Posting {
	out := []crawler.Posting{}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return out
	}
	base, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil {
		base = nil
	}

	seen := make(map[string]struct{})
	doc.Find(e.sel.Card).Each(func(_ int, card *goquery.Selection) {
		posting, ok := e.card(card, base, sourceURL)
		if !ok {
			return
		}
		if _, dup := seen[posting.ID]; dup {
			return
		}
		seen[posting.ID] = struct{}{}
		out = append(out, posting)
	})
	return out
}

func (e *Extractor) card(card *goquery.Selection, base *url.URL, sourceURL string) (crawler.Posting, bool) {
	hasTitle := func(_ int, a *goquery.Selection) bool {
		return a.Find(e.sel.Title).Length() > 0
	}
	anchors := card.Find("a[href]")
	jobLink := anchors.FilterFunction(hasTitle).First()
	if jobLink.Length() == 0 {
		return crawler.Posting{}, false
	}
	jobURL := resolve(base, attr(jobLink, "href"))
	if jobURL == "" {
		return crawler.Posting{}, false
	}

	companyLink := anchors.Not(e.sel.Apply).FilterFunction(func(i int, a *goquery.Selection) bool {
		return !hasTitle(i, a)
	}).First()

	posted := e.text(card, e.sel.Posted)
	return crawler.Posting{
		ID:            jobURL,
		Company:       CleanText(companyLink.Text()),
		CompanySite:   resolve(base, attr(companyLink, "href")),
		JobTitle:      CleanText(jobLink.Find(e.sel.Title).First().Text()),
		JobURL:        jobURL,
		ApplyURL:      resolve(base, attr(card.Find(e.sel.Apply).First(), "href")),
		Location:      e.text(card, e.sel.Location),
		Experience:    e.text(card, e.sel.Experience),
		Posted:        posted,
		PostedAgeDays: ParseAge(posted),
		Logo:          resolve(base, attr(card.Find(e.sel.Logo).First(), "src")),
		CompanySize:   e.text(card, e.sel.CompanySize),
		FundingTags:   e.texts(card, e.sel.FundingTag),
		Industries:    e.texts(card, e.sel.Industry),
		WhatTheyDo:    e.text(card, e.sel.WhatTheyDo),
		Source:        sourceURL,
	}, true
}

func (e *Extractor) text(card *goquery.Selection, sel string) string {
	return CleanText(card.Find(sel).First().Text())
}

func (e *Extractor) texts(card *goquery.Selection, sel string) []string {
	out := []string{}
	card.Find(sel).Each(func(_ int, s *goquery.Selection) {
		if t := CleanText(s.Text()); t != "" {
			out = append(out, t)
		}
	})
	return out
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

// resolve joins a relative reference onto base. Absolute references and
// unparsable ones are returned unchanged.
func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil || ref.IsAbs() || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

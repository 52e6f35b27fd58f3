// Package stop decides when a sync run stops paginating.
//
// Both policies assume the source lists postings newest first. A source that
// pins older postings to the top of a page can end a "today" run early; that
// is a heuristic limitation and is reported through the stop reason only.
package stop

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// Stop reasons.
const (
	ReasonNoCards         = "no_cards"
	ReasonFreshPostings   = "fresh_postings"
	ReasonNoFreshPostings = "no_fresh_postings"
	ReasonWithinMaxAge    = "within_max_age"
	ReasonAgesUnknown     = "ages_unknown"
)

// FreshDays is the largest age a "today" run treats as fresh.
const FreshDays = 1

// ErrInvalidMode is returned for modes other than "today" and "all".
var ErrInvalidMode = errors.New("invalid mode")

// New returns the policy for mode.
func New(mode crawler.Mode, maxAgeDays int) (crawler.StopPolicy, error) {
	switch mode {
	case crawler.ModeToday:
		return Incremental{}, nil
	case crawler.ModeAll:
		return Backfill{MaxAgeDays: maxAgeDays}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

// Incremental continues while a page still shows a posting at most FreshDays old.
type Incremental struct{}

// Decide implements crawler.StopPolicy.
func (Incremental) Decide(postings []crawler.Posting) crawler.Decision {
	if len(postings) == 0 {
		return crawler.Decision{Reason: ReasonNoCards}
	}
	for _, p := range postings {
		if days, ok := p.PostedAgeDays.Days(); ok && days <= FreshDays {
			return crawler.Decision{Continue: true, Reason: ReasonFreshPostings}
		}
	}
	return crawler.Decision{Reason: ReasonNoFreshPostings}
}

// Backfill continues until the oldest known age on a page exceeds MaxAgeDays.
// Pages with no known age continue.
type Backfill struct {
	MaxAgeDays int
}

// Decide implements crawler.StopPolicy.
func (b Backfill) Decide(postings []crawler.Posting) crawler.Decision {
	if len(postings) == 0 {
		return crawler.Decision{Reason: ReasonNoCards}
	}
	oldest, known := 0, false
	for _, p := range postings {
		if !p.PostedAgeDays.Known() {
			continue
		}
		days, _ := p.PostedAgeDays.Days()
		if !known || days > oldest {
			oldest = days
		}
		known = true
	}
	switch {
	case !known:
		return crawler.Decision{Continue: true, Reason: ReasonAgesUnknown}
	case oldest > b.MaxAgeDays:
		return crawler.Decision{Reason: fmt.Sprintf("max_age_exceeded(>%d days)", b.MaxAgeDays)}
	default:
		return crawler.Decision{Continue: true, Reason: ReasonWithinMaxAge}
	}
}

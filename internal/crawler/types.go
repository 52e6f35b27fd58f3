package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Mode selects how far a sync run paginates.
type Mode string

// Supported sync modes.
const (
	// ModeToday stops once a page shows no posting at most a day old.
	ModeToday Mode = "today"
	// ModeAll backfills until a page's oldest known posting exceeds the age cutoff.
	ModeAll Mode = "all"
)

// AgeDays is a posting age in whole days. The zero value is unknown.
type AgeDays struct {
	days  int
	known bool
}

// UnknownAge is the explicit unknown age.
var UnknownAge = AgeDays{}

// Age returns a known age. Negative inputs clamp to zero.
func Age(days int) AgeDays {
	if days < 0 {
		days = 0
	}
	return AgeDays{days: days, known: true}
}

// Days returns the age and whether it is known.
func (a AgeDays) Days() (int, bool) {
	return a.days, a.known
}

// Known reports whether the age could be parsed.
func (a AgeDays) Known() bool {
	return a.known
}

// String renders the age as a decimal, or "" when unknown.
func (a AgeDays) String() string {
	if !a.known {
		return ""
	}
	return strconv.Itoa(a.days)
}

// MarshalJSON encodes unknown ages as null.
func (a AgeDays) MarshalJSON() ([]byte, error) {
	if !a.known {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(a.days)), nil
}

// UnmarshalJSON accepts null or a non-negative integer.
func (a *AgeDays) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = UnknownAge
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode posted_age_days: %w", err)
	}
	*a = Age(n)
	return nil
}

// Posting is one listing card as extracted from a page. It carries no timestamps.
type Posting struct {
	ID            string   `json:"id"`
	Company       string   `json:"company"`
	CompanySite   string   `json:"company_site"`
	JobTitle      string   `json:"job_title"`
	JobURL        string   `json:"job_url"`
	ApplyURL      string   `json:"apply_url"`
	Location      string   `json:"location"`
	Experience    string   `json:"experience"`
	Posted        string   `json:"posted"`
	PostedAgeDays AgeDays  `json:"posted_age_days"`
	Logo          string   `json:"logo"`
	CompanySize   string   `json:"company_size"`
	FundingTags   []string `json:"funding_tags"`
	Industries    []string `json:"industries"`
	WhatTheyDo    string   `json:"what_they_do"`
	Source        string   `json:"source"`
}

// Normalized returns a copy whose list fields are never nil.
func (p Posting) Normalized() Posting {
	p.FundingTags = nonNil(p.FundingTags)
	p.Industries = nonNil(p.Industries)
	return p
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// JobRecord is the current state of a posting in the index.
type JobRecord struct {
	Posting
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one observation of a posting, as written to the event log.
type Event struct {
	ObservedAt time.Time `json:"observed_at"`
	RunID      string    `json:"run_id"`
	Page       int       `json:"page"`
	Posting
}

// FetchRequest captures everything needed to fetch a listing page.
type FetchRequest struct {
	URL     string
	Page    int
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Decision is a stop policy verdict for one page.
type Decision struct {
	Continue bool
	Reason   string
}

// RunSummary describes a finished sync run.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Mode           Mode      `json:"mode"`
	StartPage      int       `json:"start_page"`
	LastPage       int       `json:"last_page"`
	PagesFetched   int       `json:"pages_fetched"`
	PostingsSeen   int       `json:"postings_seen"`
	NewRecords     int       `json:"new_records"`
	UpdatedRecords int       `json:"updated_records"`
	IndexSize      int       `json:"index_size"`
	StopReason     string    `json:"stop_reason"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Progress is a point-in-time view of a run in flight.
type Progress struct {
	RunID        string    `json:"run_id"`
	Mode         Mode      `json:"mode"`
	CurrentPage  int       `json:"current_page"`
	PagesFetched int       `json:"pages_fetched"`
	PostingsSeen int       `json:"postings_seen"`
	NewRecords   int       `json:"new_records"`
	IndexSize    int       `json:"index_size"`
	LastDecision string    `json:"last_decision"`
	Done         bool      `json:"done"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

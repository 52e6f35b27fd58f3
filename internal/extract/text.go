package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// CleanText replaces non-breaking spaces, collapses runs of whitespace and trims.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}

var (
	todayPattern  = regexp.MustCompile(`(?i)today`)
	daysPattern   = regexp.MustCompile(`(?i)(\d+)\+?\s*days?\b`)
	recentPattern = regexp.MustCompile(`(?i)\d+\+?\s*(?:hours?|minutes?)\b`)
)

// ParseAge maps free-text posting dates such as "3 days ago" to an age in days.
// Rules apply in order: "today", "N day(s)", "N hour(s)"/"N minute(s)".
// Anything else is unknown.
func ParseAge(posted string) crawler.AgeDays {
	switch {
	case todayPattern.MatchString(posted):
		return crawler.Age(0)
	case daysPattern.MatchString(posted):
		m := daysPattern.FindStringSubmatch(posted)
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return crawler.UnknownAge
		}
		return crawler.Age(n)
	case recentPattern.MatchString(posted):
		return crawler.Age(0)
	default:
		return crawler.UnknownAge
	}
}

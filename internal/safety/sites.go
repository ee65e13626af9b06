package safety

import (
	"net/url"
	"strings"
)

var knownJobSites = []string{
	"linkedin.com",
	"indeed.com",
	"glassdoor.com",
	"monster.com",
	"ziprecruiter.com",
	"careerbuilder.com",
	"dice.com",
	"simplyhired.com",
	"greenhouse.io",
	"lever.co",
	"workday.com",
	"myworkdayjobs.com",
	"icims.com",
	"jobvite.com",
	"smartrecruiters.com",
	"ashbyhq.com",
	"bamboohr.com",
	"workable.com",
	"breezy.hr",
	"jazz.co",
	"recruitee.com",
}

// IsKnownJobSite reports whether rawURL points at a recognized job board.
func IsKnownJobSite(rawURL string) bool {
	return KnownJobSite(rawURL) != ""
}

// KnownJobSite returns the matching job board domain for rawURL, or "".
func KnownJobSite(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	for _, site := range knownJobSites {
		if host == site || strings.HasSuffix(host, "."+site) {
			return site
		}
	}
	return ""
}

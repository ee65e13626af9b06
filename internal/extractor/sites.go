package extractor

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	minFieldLength = 2
	minBodyLength  = 50
)

// commonNoise is removed before any site selector runs.
var commonNoise = []string{
	"script", "style", "noscript", "form",
	"#application-form", ".application-form", ".apply-button-container",
	".eeo-statement", ".eeo-section", ".voluntary-disclosure",
	".social-share", ".share-buttons",
	".cookie-banner", ".cookie-consent",
}

// Site is a selector-driven Strategy for one job board.
type Site struct {
	Label    string
	Hosts    []string
	Title    []string
	Company  []string
	Location []string
	Body     []string
	Noise    []string
}

// Name implements Strategy.
func (s Site) Name() string {
	return s.Label
}

// Matches reports whether u's host is, or is a subdomain of, one of the site's hosts.
func (s Site) Matches(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, h := range s.Hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// Extract implements Strategy.
func (s Site) Extract(doc *goquery.Document) Fields {
	doc.Find(strings.Join(append(append([]string{}, commonNoise...), s.Noise...), ", ")).Remove()
	return Fields{
		Title:    firstText(doc, s.Title, minFieldLength, inlineText),
		Company:  firstText(doc, s.Company, minFieldLength, inlineText),
		Location: firstText(doc, s.Location, minFieldLength, inlineText),
		Body:     firstText(doc, s.Body, minBodyLength, blockText),
	}
}

func firstText(doc *goquery.Document, selectors []string, minLen int, text func(*goquery.Selection) string) string {
	for _, sel := range selectors {
		found := doc.Find(sel)
		if found.Length() == 0 {
			continue
		}
		if t := text(found.First()); len([]rune(t)) >= minLen {
			return t
		}
	}
	return ""
}

// Defaults returns the built-in site strategies.
func Defaults() []Strategy {
	return []Strategy{
		Site{
			Label:    "greenhouse",
			Hosts:    []string{"greenhouse.io"},
			Title:    []string{".job__title h1", "h1.app-title", "h1"},
			Company:  []string{".company-name", "meta[property='og:site_name']", ".job__header .company"},
			Location: []string{".job__location", ".location"},
			Body:     []string{".job__description.body", ".job__description", "#content", ".job-post-container"},
			Noise:    []string{".application--wrapper", ".voluntary-self-id", "#usa_self_id_section", ".post-apply"},
		},
		Site{
			Label:    "lever",
			Hosts:    []string{"lever.co"},
			Title:    []string{".posting-headline h2", "h2"},
			Company:  []string{".main-header-logo img[alt]", "meta[property='og:site_name']"},
			Location: []string{".posting-categories .location", ".sort-by-location"},
			Body:     []string{".posting-page .section-wrapper.page-full-width", ".posting-description", ".content"},
			Noise:    []string{".apply-section", ".lever-application-form", ".posting-apply"},
		},
		Site{
			Label:    "workday",
			Hosts:    []string{"myworkdayjobs.com", "workday.com"},
			Title:    []string{"[data-automation-id='jobPostingHeader']", "h2", "h1"},
			Company:  []string{"meta[property='og:site_name']", "[data-automation-id='company']"},
			Location: []string{"[data-automation-id='locations'] dd", "[data-automation-id='locations']"},
			Body:     []string{"[data-automation-id='jobPostingDescription']", "[data-automation-id='jobDescription']", ".job-description"},
			Noise:    []string{"[data-automation-id='applyButton']", ".application-section"},
		},
		Site{
			Label:    "linkedin",
			Hosts:    []string{"linkedin.com"},
			Title:    []string{".top-card-layout__title", ".topcard__title", "h1"},
			Company:  []string{".topcard__org-name-link", ".top-card-layout__second-subline a"},
			Location: []string{".topcard__flavor--bullet", ".top-card-layout__second-subline .topcard__flavor:nth-child(2)"},
			Body:     []string{".show-more-less-html__markup", ".description__text", ".decorated-job-posting__details"},
			Noise:    []string{".join-form", ".sign-in-modal", ".similar-jobs"},
		},
		Site{
			Label:    "indeed",
			Hosts:    []string{"indeed.com"},
			Title:    []string{"[data-testid='jobsearch-JobInfoHeader-title']", ".jobsearch-JobInfoHeader-title", "h1"},
			Company:  []string{"[data-testid='inlineHeader-companyName']", "[data-company-name='true']"},
			Location: []string{"[data-testid='inlineHeader-companyLocation']", "[data-testid='job-location']"},
			Body:     []string{"#jobDescriptionText", ".jobsearch-jobDescriptionText"},
		},
		Site{
			Label:    "ashby",
			Hosts:    []string{"ashbyhq.com"},
			Title:    []string{"h1[class*='_title']", "h1"},
			Company:  []string{"meta[property='og:site_name']", "img[class*='_navLogo'][alt]"},
			Location: []string{"[class*='_section'] [class*='_location']", "[class*='_location']"},
			Body:     []string{"[class*='_descriptionText']", "[class*='_description']", "main"},
		},
		Site{
			Label:    "smartrecruiters",
			Hosts:    []string{"smartrecruiters.com"},
			Title:    []string{"h1.job-title", "h1"},
			Company:  []string{"[itemprop='hiringOrganization'] [itemprop='name']", "meta[itemprop='name']"},
			Location: []string{"[itemprop='jobLocation']", ".job-detail"},
			Body:     []string{"[itemprop='description']", ".job-sections", ".jobad-main"},
		},
		Site{
			Label:    "glassdoor",
			Hosts:    []string{"glassdoor.com"},
			Title:    []string{"[data-test='job-title']", "h1"},
			Company:  []string{"[data-test='employer-name']", "[data-test='employerName']"},
			Location: []string{"[data-test='location']"},
			Body:     []string{"[class*='JobDetails_jobDescription']", ".jobDescriptionContent", "#JobDescriptionContainer"},
		},
	}
}

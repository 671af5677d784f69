package reddit

import "net/http"

// Profile is one request-identity: the header set a particular browser (or
// the crawler's own declared identity) would send. Rotating between profiles
// is an anti-throttling heuristic; the fetcher switches to the next profile
// after the first rate-limited response.
type Profile struct {
	Name    string
	Headers map[string]string
}

func (p Profile) apply(req *http.Request) {
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
}

func browserProfile(name, userAgent string) Profile {
	return Profile{
		Name: name,
		Headers: map[string]string{
			"User-Agent":                userAgent,
			"Accept":                    "application/json, text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language":           "en-US,en;q=0.9",
			"Connection":                "keep-alive",
			"Upgrade-Insecure-Requests": "1",
			"Sec-Fetch-Dest":            "document",
			"Sec-Fetch-Mode":            "navigate",
			"Sec-Fetch-Site":            "none",
			"Cache-Control":             "max-age=0",
		},
	}
}

// DefaultProfiles returns the crawler's declared identity first, then a set
// of common browser identities used only after the source rate-limits the
// primary one.
func DefaultProfiles() []Profile {
	return []Profile{
		browserProfile("questfinder", "go:QuestFinderCrawler:v1.0.0 (by u/QuestFinder)"),
		browserProfile("chrome-mac", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		browserProfile("chrome-win", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		browserProfile("chrome-linux", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		browserProfile("safari-mac", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"),
	}
}

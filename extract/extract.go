package extract

import "regexp"

// LinkPrefix is the start of the household confirmation link in
// notification emails.
const LinkPrefix = "https://www.netflix.com/account/update-primary-location"

var defaultExtractor = New(LinkPrefix)

// Extractor finds quoted links that start with a fixed prefix.
type Extractor struct {
	pattern *regexp.Regexp
}

// New returns an Extractor for links starting with prefix.
func New(prefix string) *Extractor {
	return &Extractor{
		pattern: regexp.MustCompile(`"(` + regexp.QuoteMeta(prefix) + `[^"]*)"`),
	}
}

// Link returns the first double-quoted link in body that starts with the
// extractor's prefix.
func (e *Extractor) Link(body string) (string, bool) {
	match := e.pattern.FindStringSubmatch(body)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// ExtractLink returns the first quoted household confirmation link in body.
func ExtractLink(body string) (string, bool) {
	return defaultExtractor.Link(body)
}

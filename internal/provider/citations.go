package provider

import (
	"net/url"
	"regexp"
	"strings"

	"researchd/internal/session"
)

// markdownLink matches inline markdown links in a research report.
var markdownLink = regexp.MustCompile(`\[([^\]\n]+)\]\((https?://[^)\s]+)\)`)

// ExtractCitations pulls source links out of a markdown report, in order of
// first appearance, deduplicated by URL.
func ExtractCitations(report string) []session.Citation {
	matches := markdownLink.FindAllStringSubmatch(report, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var citations []session.Citation
	for _, m := range matches {
		title, link := strings.TrimSpace(m[1]), m[2]
		if seen[link] {
			continue
		}
		seen[link] = true
		citations = append(citations, session.Citation{
			Number: len(citations) + 1,
			Title:  title,
			URL:    link,
			Domain: domainOf(link),
		})
	}
	return citations
}

func domainOf(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}

package fetcher

import (
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// GoqueryParser extracts anchor and canonical-link URLs from an HTML
// document using goquery, deduplicating within a single page and skipping
// excluded file extensions.
type GoqueryParser struct {
	excludedExts map[string]bool
}

// NewGoqueryParser builds a parser pre-seeded with the frontier's excluded
// extensions (images, archives, executables, video) so a page never yields
// a link the frontier would reject anyway.
func NewGoqueryParser(excludedExts ...string) *GoqueryParser {
	p := &GoqueryParser{excludedExts: make(map[string]bool)}
	p.ExcludeExtensions(".pdf", ".jpg", ".jpeg", ".png", ".gif", ".zip", ".exe", ".mp4", ".avi")
	p.ExcludeExtensions(excludedExts...)
	return p
}

// ExcludeExtensions adds extensions (e.g. ".pdf") to the exclusion set.
func (p *GoqueryParser) ExcludeExtensions(exts ...string) {
	for _, ext := range exts {
		p.excludedExts[strings.ToLower(ext)] = true
	}
}

// Parse implements Parser using goquery, returning every distinct
// resolved absolute URL found in an `a[href]` or `link[rel=canonical]`
// element.
func (p *GoqueryParser) Parse(baseURL string, body io.Reader) ([]*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}
	return p.extractLinks(doc, baseURL), nil
}

func (p *GoqueryParser) extractLinks(doc *goquery.Document, baseURL string) []*url.URL {
	if doc == nil {
		return nil
	}

	seen := make(map[string]bool)
	var found []*url.URL

	doc.Find("a,link").FilterFunction(func(_ int, element *goquery.Selection) bool {
		href, hrefExists := element.Attr("href")
		rel, relExists := element.Attr("rel")
		anchorOK := element.Is("a") && hrefExists && !p.excludedExts[strings.ToLower(filepath.Ext(href))]
		canonicalOK := relExists && rel == "canonical" && hrefExists
		return anchorOK || canonicalOK
	}).Each(func(_ int, element *goquery.Selection) {
		href, _ := element.Attr("href")
		link, ok := resolveRelativeURL(baseURL, href)
		if !ok {
			return
		}
		key := link.String()
		if seen[key] {
			return
		}
		seen[key] = true
		found = append(found, link)
	})

	return found
}

// resolveRelativeURL joins a relative href against a page's base domain,
// leaving already-absolute links untouched.
func resolveRelativeURL(baseURL string, relative string) (*url.URL, bool) {
	u, err := url.Parse(relative)
	if err != nil {
		return nil, false
	}
	if u.Hostname() != "" {
		return u, true
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, false
	}
	return base.ResolveReference(u), true
}

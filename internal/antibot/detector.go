// Package antibot recognizes challenge pages served instead of content and
// waits them out in a live browser session.
package antibot

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// Signal is the classification of a single page snapshot.
type Signal int

// Page classifications.
const (
	SignalPending Signal = iota
	SignalChallenge
	SignalContent
)

func (s Signal) String() string {
	switch s {
	case SignalChallenge:
		return "challenge"
	case SignalContent:
		return "content"
	default:
		return "pending"
	}
}

// DefaultMarkers are phrases seen on interstitial, verification and ban pages.
var DefaultMarkers = []string{
	"just a moment",
	"please wait",
	"checking your browser",
	"cloudflare",
	"ddos protection",
	"access denied",
	"security check",
	"ray id",
	"performance & security",
	"too many requests",
	"rate limited",
	"you have been blocked",
}

// DefaultKeywords are expected on any real publisher page.
var DefaultKeywords = []string{"science", "research", "article", "doi"}

// DefaultMinBodyBytes is the smallest body considered real content.
const DefaultMinBodyBytes = 1000

// Config tunes a Detector. Empty slices select the defaults.
type Config struct {
	Markers      []string
	MinBodyBytes int
	Keywords     []string
	// RequiredSelectors must all match for a page to count as content.
	RequiredSelectors []string
}

// Detector classifies pages using an injected marker set.
type Detector struct {
	markers      [][]byte
	minBodyBytes int
	keywords     [][]byte
	selectors    []string
}

// NewDetector builds a Detector from cfg.
func NewDetector(cfg Config) *Detector {
	markers := cfg.Markers
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	minBytes := cfg.MinBodyBytes
	if minBytes <= 0 {
		minBytes = DefaultMinBodyBytes
	}
	return &Detector{
		markers:      lowerAll(markers),
		minBodyBytes: minBytes,
		keywords:     lowerAll(keywords),
		selectors:    cfg.RequiredSelectors,
	}
}

// WithKeywords returns a copy of d that expects keywords instead of its own.
// An empty list keeps the current keywords.
func (d *Detector) WithKeywords(keywords []string) *Detector {
	lowered := lowerAll(keywords)
	if len(lowered) == 0 {
		return d
	}
	cp := *d
	cp.keywords = lowered
	return &cp
}

// Classify inspects the page title, status and body. A 403 or 429 document
// counts as a challenge even without a marker. The returned string names the
// matched marker or the reason content was not accepted.
func (d *Detector) Classify(page crawler.Page) (Signal, string) {
	doc, _ := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	visible := visibleText(doc)
	title := strings.ToLower(page.Title)
	if title == "" && doc != nil {
		title = strings.ToLower(doc.Find("title").First().Text())
	}

	if marker, ok := d.matchMarker([]byte(title), visible); ok {
		return SignalChallenge, marker
	}
	if page.Status == http.StatusForbidden || page.Status == http.StatusTooManyRequests {
		return SignalChallenge, "status " + strconv.Itoa(page.Status)
	}
	if len(page.Body) <= d.minBodyBytes {
		return SignalPending, "body below minimum size"
	}
	if !d.containsKeyword(page.Body) {
		return SignalPending, "no domain keyword"
	}
	if sel, missing := d.missingSelector(doc); missing {
		return SignalPending, "missing selector " + sel
	}
	return SignalContent, ""
}

// IsChallenge reports whether the page matches a challenge marker.
func (d *Detector) IsChallenge(page crawler.Page) bool {
	signal, _ := d.Classify(page)
	return signal == SignalChallenge
}

func (d *Detector) matchMarker(texts ...[]byte) (string, bool) {
	for _, text := range texts {
		if len(text) == 0 {
			continue
		}
		for _, marker := range d.markers {
			if bytes.Contains(text, marker) {
				return string(marker), true
			}
		}
	}
	return "", false
}

func (d *Detector) containsKeyword(body []byte) bool {
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) missingSelector(doc *goquery.Document) (string, bool) {
	if len(d.selectors) == 0 {
		return "", false
	}
	if doc == nil {
		return d.selectors[0], true
	}
	for _, sel := range d.selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() == 0 {
			return sel, true
		}
	}
	return "", false
}

// visibleText returns the lowercased document text without script and style
// contents, so asset hosts named in markup (cdnjs.cloudflare.com) never count
// as challenge wording.
func visibleText(doc *goquery.Document) []byte {
	if doc == nil {
		return nil
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		return nil
	}
	clone := body.Clone()
	clone.Find("script, style, noscript, template").Remove()
	return bytes.ToLower([]byte(clone.Text()))
}

func lowerAll(values []string) [][]byte {
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(v)))
	}
	return out
}

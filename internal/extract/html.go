// Package extract turns fetched table-of-contents pages into candidate items.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// Supported extractor kinds.
const (
	KindHTML = "html"
	KindFeed = "feed"
)

// DefaultDateLayouts are tried in order for item dates.
var DefaultDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"02 Jan 2006",
	"2 January 2006",
}

// Selectors locate item fields on a listing page. Item and Title are
// required; every other field is optional and read inside the item node.
type Selectors struct {
	Item     string `yaml:"item" mapstructure:"item"`
	Title    string `yaml:"title" mapstructure:"title"`
	Link     string `yaml:"link" mapstructure:"link"`
	Abstract string `yaml:"abstract" mapstructure:"abstract"`
	Authors  string `yaml:"authors" mapstructure:"authors"`
	Date     string `yaml:"date" mapstructure:"date"`
	DOI      string `yaml:"doi" mapstructure:"doi"`
	Kind     string `yaml:"kind" mapstructure:"kind"`
	// DateLayouts overrides DefaultDateLayouts.
	DateLayouts []string `yaml:"date_layouts" mapstructure:"date_layouts"`
}

// New returns the extractor registered under kind.
func New(kind string, sel Selectors) (crawler.Extractor, error) {
	switch kind {
	case KindHTML, "":
		return NewHTML(sel)
	case KindFeed:
		return NewFeed(), nil
	default:
		return nil, fmt.Errorf("unknown extractor kind %q", kind)
	}
}

// HTML extracts items from a page with configurable CSS selectors.
type HTML struct {
	sel     Selectors
	layouts []string
}

var _ crawler.Extractor = (*HTML)(nil)

// NewHTML validates sel.
func NewHTML(sel Selectors) (*HTML, error) {
	if strings.TrimSpace(sel.Item) == "" {
		return nil, fmt.Errorf("item selector is required")
	}
	if strings.TrimSpace(sel.Title) == "" {
		return nil, fmt.Errorf("title selector is required")
	}
	layouts := sel.DateLayouts
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	return &HTML{sel: sel, layouts: layouts}, nil
}

// Extract implements crawler.Extractor. Nodes without a title are skipped;
// a page where every node lacks one yields a ParseError.
func (h *HTML) Extract(body []byte, pageURL string) ([]crawler.RawItem, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, &crawler.ParseError{URL: pageURL, Field: "page url", Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &crawler.ParseError{URL: pageURL, Field: "document", Err: err}
	}

	nodes := doc.Find(h.sel.Item)
	items := make([]crawler.RawItem, 0, nodes.Length())
	nodes.Each(func(_ int, node *goquery.Selection) {
		if item, ok := h.item(node, base); ok {
			items = append(items, item)
		}
	})
	if nodes.Length() > 0 && len(items) == 0 {
		return nil, &crawler.ParseError{URL: pageURL, Field: "item title"}
	}
	return items, nil
}

func (h *HTML) item(node *goquery.Selection, base *url.URL) (crawler.RawItem, bool) {
	titleNode := node.Find(h.sel.Title).First()
	title := collapse(titleNode.Text())
	if title == "" {
		return crawler.RawItem{}, false
	}

	link := ""
	linkNode := titleNode.Find("a[href]").First()
	if h.sel.Link != "" {
		linkNode = node.Find(h.sel.Link).First()
	} else if titleNode.Is("a[href]") {
		linkNode = titleNode
	}
	if href, ok := linkNode.Attr("href"); ok {
		if ref, err := base.Parse(strings.TrimSpace(href)); err == nil {
			link = ref.String()
		}
	}

	item := crawler.RawItem{
		Title: title,
		URL:   link,
	}
	if h.sel.Abstract != "" {
		item.Abstract = collapse(node.Find(h.sel.Abstract).First().Text())
	}
	if h.sel.Authors != "" {
		node.Find(h.sel.Authors).Each(func(_ int, a *goquery.Selection) {
			item.Authors = appendAuthor(item.Authors, value(a))
		})
	}
	if h.sel.Date != "" {
		item.Published = parseDate(value(node.Find(h.sel.Date).First()), h.layouts)
	}
	if h.sel.Kind != "" {
		item.Kind = collapse(node.Find(h.sel.Kind).First().Text())
	}
	doi := ""
	if h.sel.DOI != "" {
		doi = value(node.Find(h.sel.DOI).First())
	}
	item.Identifier = Identifier(doi, link)
	return item, true
}

// Identifier picks the stable key for an item: the DOI when known, then a
// DOI embedded in the link, then the link itself.
func Identifier(doi, link string) string {
	if id := normalizeDOI(doi); id != "" {
		return id
	}
	if i := strings.Index(link, "/doi/"); i >= 0 {
		tail := link[i+len("/doi/"):]
		if j := strings.IndexAny(tail, "?#"); j >= 0 {
			tail = tail[:j]
		}
		for _, prefix := range []string{"abs/", "full/", "pdf/", "epdf/"} {
			tail = strings.TrimPrefix(tail, prefix)
		}
		if strings.HasPrefix(tail, "10.") {
			return tail
		}
	}
	return link
}

func normalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	lower := strings.ToLower(doi)
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "http://dx.doi.org/", "https://dx.doi.org/", "doi:"} {
		if strings.HasPrefix(lower, prefix) {
			doi = strings.TrimSpace(doi[len(prefix):])
			break
		}
	}
	if !strings.HasPrefix(doi, "10.") {
		return ""
	}
	return doi
}

// value prefers machine-readable attributes over display text.
func value(sel *goquery.Selection) string {
	for _, attr := range []string{"content", "datetime"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return collapse(sel.Text())
}

func parseDate(text string, layouts []string) time.Time {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func appendAuthor(authors []string, name string) []string {
	name = strings.TrimSuffix(collapse(name), ",")
	if name == "" {
		return authors
	}
	for _, existing := range authors {
		if strings.EqualFold(existing, name) {
			return authors
		}
	}
	return append(authors, name)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

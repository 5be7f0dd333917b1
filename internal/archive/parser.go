package archive

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// Default parsing patterns. Issue dates look like "September 02, 2025",
// "28 August 2025" or "2025-08-28"; volume headings like "Volume 37 (2025)".
// Every branch of DefaultDateRegexp has a layout in DefaultDateLayouts.
const (
	DefaultDateRegexp = `[A-Z][a-z]+\.?\s+\d{1,2},\s+\d{4}|\b\d{1,2}\s+[A-Z][a-z]+\s+\d{4}|\b\d{4}-\d{2}-\d{2}\b`
	DefaultYearRegexp = `\b((?:19|20)\d{2})\b`
)

// DefaultDateLayouts are tried in order against a matched date string.
var DefaultDateLayouts = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"Jan. 2, 2006",
	"2 January 2006",
	"2006-01-02",
}

// Selectors locate subdivisions on an archive page.
type Selectors struct {
	// Group matches one container per volume or year. Optional.
	Group string `yaml:"group" mapstructure:"group"`
	// GroupLabel is read inside a group for its year. Empty uses the group text.
	GroupLabel string `yaml:"group_label" mapstructure:"group_label"`
	Link       string `yaml:"link" mapstructure:"link"`
	// DateLabel is read inside each link for the date. Empty uses the link text.
	DateLabel   string   `yaml:"date_label" mapstructure:"date_label"`
	DateLayouts []string `yaml:"date_layouts" mapstructure:"date_layouts"`
	DateRegexp  string   `yaml:"date_regexp" mapstructure:"date_regexp"`
}

// Parser reads archive pages with goquery.
type Parser struct {
	sel     Selectors
	layouts []string
	dateRe  *regexp.Regexp
	yearRe  *regexp.Regexp
}

// NewParser validates sel and compiles its patterns.
func NewParser(sel Selectors) (*Parser, error) {
	if strings.TrimSpace(sel.Link) == "" {
		return nil, fmt.Errorf("archive link selector is required")
	}
	pattern := sel.DateRegexp
	if pattern == "" {
		pattern = DefaultDateRegexp
	}
	dateRe, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile date regexp: %w", err)
	}
	layouts := sel.DateLayouts
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	return &Parser{
		sel:     sel,
		layouts: layouts,
		dateRe:  dateRe,
		yearRe:  regexp.MustCompile(DefaultYearRegexp),
	}, nil
}

// Parse extracts the index of subdivisions from an archive page. Link targets
// are resolved against pageURL. A page without any matching link is reported
// as a ParseError since it usually means the layout changed.
func (p *Parser) Parse(body []byte, pageURL string) (Index, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Index{}, &crawler.ParseError{URL: pageURL, Field: "page url", Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Index{}, &crawler.ParseError{URL: pageURL, Field: "document", Err: err}
	}

	seq := 0
	var index Index
	if p.sel.Group != "" {
		doc.Find(p.sel.Group).Each(func(_ int, node *goquery.Selection) {
			group := Group{Label: p.groupLabel(node)}
			group.Year = p.year(group.Label)
			group.Subdivisions = p.links(node, base, &seq)
			if len(group.Subdivisions) > 0 {
				index.Groups = append(index.Groups, group)
			}
		})
	}
	if len(index.Groups) == 0 {
		if subs := p.links(doc.Selection, base, &seq); len(subs) > 0 {
			index.Groups = append(index.Groups, Group{Subdivisions: subs})
		}
	}
	if index.Len() == 0 {
		return Index{}, &crawler.ParseError{URL: pageURL, Field: "subdivision links"}
	}
	return index, nil
}

func (p *Parser) groupLabel(node *goquery.Selection) string {
	if p.sel.GroupLabel == "" {
		return spacedText(node)
	}
	return spacedText(node.Find(p.sel.GroupLabel).First())
}

func (p *Parser) year(label string) int {
	m := p.yearRe.FindStringSubmatch(label)
	if m == nil {
		return 0
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return year
}

func (p *Parser) links(scope *goquery.Selection, base *url.URL, seq *int) []crawler.Subdivision {
	var subs []crawler.Subdivision
	scope.Find(p.sel.Link).Each(func(_ int, link *goquery.Selection) {
		href, ok := link.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, err := base.Parse(href)
		if err != nil {
			return
		}
		label := spacedText(link)
		dateText := label
		if p.sel.DateLabel != "" {
			dateText = spacedText(link.Find(p.sel.DateLabel))
		}
		subs = append(subs, crawler.Subdivision{
			Ref:   ref.String(),
			Label: label,
			Start: p.date(dateText),
			Seq:   *seq,
		})
		*seq++
	})
	return subs
}

// date returns the first parseable date in text, or the zero time.
func (p *Parser) date(text string) time.Time {
	for _, match := range p.dateRe.FindAllString(text, -1) {
		for _, layout := range p.layouts {
			if t, err := time.Parse(layout, match); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// spacedText joins the text nodes under sel with single spaces, so adjacent
// inline elements such as <span>Issue 9</span><span>May 1, 2025</span> stay
// separated.
func spacedText(sel *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

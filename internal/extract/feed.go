package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

// Feed extracts items from RSS or Atom table-of-contents feeds.
type Feed struct {
	parser *gofeed.Parser
}

var _ crawler.Extractor = (*Feed)(nil)

// NewFeed builds a Feed extractor.
func NewFeed() *Feed {
	return &Feed{parser: gofeed.NewParser()}
}

// Extract implements crawler.Extractor.
func (f *Feed) Extract(body []byte, pageURL string) ([]crawler.RawItem, error) {
	feed, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &crawler.ParseError{URL: pageURL, Field: "feed", Err: err}
	}
	items := make([]crawler.RawItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		if entry == nil || collapse(entry.Title) == "" {
			continue
		}
		items = append(items, feedItem(entry))
	}
	return items, nil
}

func feedItem(entry *gofeed.Item) crawler.RawItem {
	item := crawler.RawItem{
		Title:    collapse(entry.Title),
		Abstract: plainText(entry.Description),
		URL:      strings.TrimSpace(entry.Link),
	}
	if entry.PublishedParsed != nil {
		item.Published = entry.PublishedParsed.UTC()
	} else if entry.UpdatedParsed != nil {
		item.Published = entry.UpdatedParsed.UTC()
	}

	if entry.Author != nil {
		item.Authors = appendAuthor(item.Authors, entry.Author.Name)
	}
	for _, author := range entry.Authors {
		if author != nil {
			item.Authors = appendAuthor(item.Authors, author.Name)
		}
	}
	doi := ""
	if entry.DublinCoreExt != nil {
		for _, creator := range entry.DublinCoreExt.Creator {
			item.Authors = appendAuthor(item.Authors, creator)
		}
		for _, ident := range entry.DublinCoreExt.Identifier {
			if normalizeDOI(ident) != "" {
				doi = ident
				break
			}
		}
		if len(entry.DublinCoreExt.Type) > 0 {
			item.Kind = entry.DublinCoreExt.Type[0]
		}
	}
	if doi == "" {
		doi = entry.GUID
	}
	item.Identifier = Identifier(doi, item.URL)
	return item
}

// plainText strips markup that publishers embed in feed descriptions.
func plainText(s string) string {
	if !strings.Contains(s, "<") {
		return collapse(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapse(s)
	}
	return collapse(doc.Text())
}

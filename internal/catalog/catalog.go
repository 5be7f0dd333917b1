// Package catalog loads the stream catalog: the journal families, their
// sub-journal streams and the selectors used to read each site.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/journal-crawler/internal/archive"
	"github.com/JakeFAU/journal-crawler/internal/crawler"
	"github.com/JakeFAU/journal-crawler/internal/extract"
	"github.com/JakeFAU/journal-crawler/internal/pipeline"
)

// File is the on-disk layout of a catalog.
type File struct {
	Families []Family `yaml:"families"`
}

// Family groups streams published by the same site. Its settings are the
// defaults for every stream it lists.
type Family struct {
	ID        string             `yaml:"id"`
	Name      string             `yaml:"name"`
	BaseURL   string             `yaml:"base_url"`
	Hint      string             `yaml:"hint"`
	Keywords  []string           `yaml:"keywords"`
	Archive   *archive.Selectors `yaml:"archive"`
	Extractor *Extractor         `yaml:"extractor"`
	Streams   []StreamSpec       `yaml:"streams"`
}

// Extractor names the listing reader and its selectors.
type Extractor struct {
	Type      string            `yaml:"type"`
	Selectors extract.Selectors `yaml:"selectors"`
}

// StreamSpec is one sub-journal. Empty fields inherit from the family.
type StreamSpec struct {
	ID                 string             `yaml:"id"`
	Name               string             `yaml:"name"`
	BaseURL            string             `yaml:"base_url"`
	IndexURL           string             `yaml:"index_url"`
	IndexPattern       string             `yaml:"index_pattern"`
	IndexFallbackQuery string             `yaml:"index_fallback_query"`
	Hint               string             `yaml:"hint"`
	Keywords           []string           `yaml:"keywords"`
	Window             *WindowSpec        `yaml:"window"`
	Archive            *archive.Selectors `yaml:"archive"`
	Extractor          *Extractor         `yaml:"extractor"`
}

// WindowSpec is a manual crawl window in YYYY-MM-DD form.
type WindowSpec struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type entry struct {
	stream    crawler.Stream
	index     pipeline.IndexParser
	extractor crawler.Extractor
}

// Catalog is a validated set of streams with their compiled parsers. It
// implements pipeline.Parsers.
type Catalog struct {
	streams []crawler.Stream
	byKey   map[string]entry
}

var _ pipeline.Parsers = (*Catalog)(nil)

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

// Parse decodes a catalog document. Unknown keys are rejected so a typo in
// a selector name does not silently fall back to a default.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return Build(file)
}

// Build validates file and compiles every stream's parsers.
func Build(file File) (*Catalog, error) {
	if len(file.Families) == 0 {
		return nil, fmt.Errorf("catalog lists no families")
	}
	cat := &Catalog{byKey: make(map[string]entry)}
	families := make(map[string]bool, len(file.Families))
	for i, fam := range file.Families {
		if strings.TrimSpace(fam.ID) == "" {
			return nil, fmt.Errorf("families[%d].id is required", i)
		}
		if families[fam.ID] {
			return nil, fmt.Errorf("duplicate family id %q", fam.ID)
		}
		families[fam.ID] = true
		if len(fam.Streams) == 0 {
			return nil, fmt.Errorf("family %q lists no streams", fam.ID)
		}
		for _, spec := range fam.Streams {
			e, err := buildEntry(fam, spec)
			if err != nil {
				return nil, err
			}
			key := e.stream.Key()
			if _, dup := cat.byKey[key]; dup {
				return nil, fmt.Errorf("duplicate stream id %q in family %q", spec.ID, fam.ID)
			}
			cat.byKey[key] = e
			cat.streams = append(cat.streams, e.stream)
		}
	}
	return cat, nil
}

func buildEntry(fam Family, spec StreamSpec) (entry, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return entry{}, fmt.Errorf("family %q: stream id is required", fam.ID)
	}
	if strings.Contains(spec.ID, "/") {
		return entry{}, fmt.Errorf("stream %q: id must not contain '/'", spec.ID)
	}
	key := fam.ID + "/" + spec.ID

	hint := crawler.Hint(firstNonEmpty(spec.Hint, fam.Hint, string(crawler.HintAuto)))
	switch hint {
	case crawler.HintAuto, crawler.HintDirect, crawler.HintBrowser:
	default:
		return entry{}, fmt.Errorf("stream %s: unknown hint %q", key, hint)
	}

	baseURL := firstNonEmpty(spec.BaseURL, fam.BaseURL)
	indexURL, err := resolveIndex(baseURL, spec.IndexURL)
	if err != nil {
		return entry{}, fmt.Errorf("stream %s: %w", key, err)
	}
	if indexURL == "" && spec.IndexPattern == "" {
		return entry{}, fmt.Errorf("stream %s: index_url or index_pattern is required", key)
	}
	if spec.IndexPattern != "" && !strings.Contains(spec.IndexPattern, "{year}") {
		return entry{}, fmt.Errorf("stream %s: index_pattern must contain {year}", key)
	}

	extractorSpec := spec.Extractor
	if extractorSpec == nil {
		extractorSpec = fam.Extractor
	}
	if extractorSpec == nil {
		return entry{}, fmt.Errorf("stream %s: extractor is required", key)
	}
	kind := firstNonEmpty(extractorSpec.Type, extract.KindHTML)
	extractor, err := extract.New(kind, extractorSpec.Selectors)
	if err != nil {
		return entry{}, fmt.Errorf("stream %s: %w", key, err)
	}

	var index pipeline.IndexParser
	sel := spec.Archive
	if sel == nil {
		sel = fam.Archive
	}
	if kind != extract.KindFeed && sel != nil && sel.Link != "" {
		parser, err := archive.NewParser(*sel)
		if err != nil {
			return entry{}, fmt.Errorf("stream %s: %w", key, err)
		}
		index = parser
	}

	window, err := ParseWindow(spec.Window)
	if err != nil {
		return entry{}, fmt.Errorf("stream %s: %w", key, err)
	}

	keywords := spec.Keywords
	if len(keywords) == 0 {
		keywords = fam.Keywords
	}

	return entry{
		stream: crawler.Stream{
			ID:                 spec.ID,
			Family:             fam.ID,
			Name:               firstNonEmpty(spec.Name, spec.ID),
			BaseURL:            baseURL,
			IndexURL:           indexURL,
			IndexPattern:       spec.IndexPattern,
			IndexFallbackQuery: spec.IndexFallbackQuery,
			Keywords:           keywords,
			Hint:               hint,
			Extractor:          kind,
			Window:             window,
		},
		index:     index,
		extractor: extractor,
	}, nil
}

// Streams returns every stream in catalog order.
func (c *Catalog) Streams() []crawler.Stream {
	out := make([]crawler.Stream, len(c.streams))
	copy(out, c.streams)
	return out
}

// Select returns the streams named by ids, in catalog order. An id is either
// a full "family/stream" key, a bare stream id or a family id; a family id
// selects all of its streams. No ids selects everything.
func (c *Catalog) Select(ids []string) ([]crawler.Stream, error) {
	if len(ids) == 0 {
		return c.Streams(), nil
	}
	matched := make(map[string]bool)
	for _, id := range ids {
		found := false
		for _, s := range c.streams {
			if id == s.Key() || id == s.ID || id == s.Family {
				matched[s.Key()] = true
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown stream %q", id)
		}
	}
	var out []crawler.Stream
	for _, s := range c.streams {
		if matched[s.Key()] {
			out = append(out, s)
		}
	}
	return out, nil
}

// For implements pipeline.Parsers.
func (c *Catalog) For(stream crawler.Stream) (pipeline.IndexParser, crawler.Extractor, error) {
	e, ok := c.byKey[stream.Key()]
	if !ok {
		return nil, nil, fmt.Errorf("stream %s is not in the catalog", stream.Key())
	}
	return e.index, e.extractor, nil
}

func resolveIndex(baseURL, indexURL string) (string, error) {
	if indexURL == "" {
		return "", nil
	}
	ref, err := url.Parse(indexURL)
	if err != nil {
		return "", fmt.Errorf("index_url: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if baseURL == "" {
		return "", fmt.Errorf("index_url %q is relative and no base_url is set", indexURL)
	}
	base, err := url.Parse(baseURL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("base_url %q must be an absolute URL", baseURL)
	}
	return base.ResolveReference(ref).String(), nil
}

// ParseWindow converts a YYYY-MM-DD window. A nil spec yields a nil window.
func ParseWindow(spec *WindowSpec) (*crawler.Window, error) {
	if spec == nil {
		return nil, nil
	}
	start, err := time.Parse(time.DateOnly, spec.Start)
	if err != nil {
		return nil, fmt.Errorf("window.start must be YYYY-MM-DD: %w", err)
	}
	end, err := time.Parse(time.DateOnly, spec.End)
	if err != nil {
		return nil, fmt.Errorf("window.end must be YYYY-MM-DD: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("window.end must not be before window.start")
	}
	return &crawler.Window{Start: start, End: end}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

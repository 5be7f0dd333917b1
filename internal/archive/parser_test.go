package archive

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

const cellArchive = `<html><body>
<div class="list-of-issues__group">
  <h2 class="list-of-issues__title">Volume 58 (2025)</h2>
  <ul>
    <li><a class="issue-link" href="/immunity/issue?pii=S1074-7613(25)X0009-1">
      <span>Issue 9</span><span>September 09, 2025</span><span>p2053-2316</span></a></li>
    <li><a class="issue-link" href="/immunity/issue?pii=S1074-7613(25)X0008-X">
      <span>Issue 8</span><span>August 12, 2025</span></a></li>
    <li><a class="issue-link" href="#top"><span>Back to top</span></a></li>
  </ul>
</div>
<div class="list-of-issues__group">
  <h2 class="list-of-issues__title">Volume 57 (2024)</h2>
  <ul>
    <li><a class="issue-link" href="https://www.cell.com/immunity/issue?pii=S1074-7613(24)X0012-4">
      <span>Issue 12</span><span>December 10, 2024</span></a></li>
  </ul>
</div>
</body></html>`

func TestParserGroupsByVolume(t *testing.T) {
	t.Parallel()

	p, err := NewParser(Selectors{
		Group:      "div.list-of-issues__group",
		GroupLabel: "h2",
		Link:       "a.issue-link",
	})
	require.NoError(t, err)

	index, err := p.Parse([]byte(cellArchive), "https://www.cell.com/immunity/archive")
	require.NoError(t, err)
	require.Len(t, index.Groups, 2)
	require.Equal(t, 2025, index.Groups[0].Year)
	require.Equal(t, "Volume 58 (2025)", index.Groups[0].Label)
	require.Equal(t, 2024, index.Groups[1].Year)

	first := index.Groups[0].Subdivisions[0]
	require.Equal(t, "https://www.cell.com/immunity/issue?pii=S1074-7613(25)X0009-1", first.Ref)
	require.Equal(t, "Issue 9 September 09, 2025 p2053-2316", first.Label)
	require.Equal(t, day("2025-09-09"), first.Start)
	require.Equal(t, 0, first.Seq)

	require.Len(t, index.Groups[0].Subdivisions, 2, "fragment links are skipped")
	require.Equal(t, 2, index.Groups[1].Subdivisions[0].Seq)
	require.Equal(t, day("2024-12-10"), index.Groups[1].Subdivisions[0].Start)
}

func TestParserDateLabelSelector(t *testing.T) {
	t.Parallel()

	body := `<ul><li><a class="toc" href="/toc/1"><b>Vol 3</b><time>Sep. 5, 2025</time></a></li>
<li><a class="toc" href="/toc/2"><b>Special issue</b></a></li></ul>`
	p, err := NewParser(Selectors{Link: "a.toc", DateLabel: "time"})
	require.NoError(t, err)

	index, err := p.Parse([]byte(body), "https://journals.example.org/archive")
	require.NoError(t, err)
	require.Len(t, index.Groups, 1)
	require.Zero(t, index.Groups[0].Year)

	subs := index.Groups[0].Subdivisions
	require.Len(t, subs, 2)
	require.Equal(t, day("2025-09-05"), subs[0].Start)
	require.False(t, subs[1].Dated())
	require.Equal(t, "https://journals.example.org/toc/2", subs[1].Ref)
}

func TestParserCustomDateFormat(t *testing.T) {
	t.Parallel()

	p, err := NewParser(Selectors{
		Link:        "a",
		DateRegexp:  `\d{1,2} [A-Z][a-z]+ \d{4}`,
		DateLayouts: []string{"2 January 2006"},
	})
	require.NoError(t, err)

	index, err := p.Parse([]byte(`<a href="/v/12">Issue 4, 28 August 2025</a>`), "https://example.org/")
	require.NoError(t, err)
	require.Equal(t, day("2025-08-28"), index.Groups[0].Subdivisions[0].Start)
}

func TestParserDefaultDateForms(t *testing.T) {
	t.Parallel()

	p, err := NewParser(Selectors{Link: "a"})
	require.NoError(t, err)

	tests := []struct {
		label string
		want  string
	}{
		{label: "Issue 9, September 02, 2025", want: "2025-09-02"},
		{label: "Sept. issue, Sep. 5, 2025", want: "2025-09-05"},
		{label: "Issue 4, 28 August 2025", want: "2025-08-28"},
		{label: "Published 2025-08-14", want: "2025-08-14"},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()

			index, err := p.Parse([]byte(`<a href="/i/1">`+tt.label+`</a>`), "https://example.org/")
			require.NoError(t, err)
			require.Equal(t, day(tt.want), index.Groups[0].Subdivisions[0].Start)
		})
	}
}

func TestParserFallsBackWhenGroupsMissing(t *testing.T) {
	t.Parallel()

	p, err := NewParser(Selectors{Group: "section.volume", Link: "a"})
	require.NoError(t, err)
	index, err := p.Parse([]byte(`<a href="/i/1">September 02, 2025</a>`), "https://example.org/")
	require.NoError(t, err)
	require.Len(t, index.Groups, 1)
	require.Equal(t, 1, index.Len())
}

func TestParserErrors(t *testing.T) {
	t.Parallel()

	_, err := NewParser(Selectors{})
	require.Error(t, err)

	_, err = NewParser(Selectors{Link: "a", DateRegexp: "("})
	require.ErrorContains(t, err, "compile date regexp")

	p, err := NewParser(Selectors{Link: "a.issue"})
	require.NoError(t, err)
	_, err = p.Parse([]byte(`<html><body>nothing here</body></html>`), "https://example.org/")
	var parseErr *crawler.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "subdivision links", parseErr.Field)

	_, err = p.Parse([]byte(`<a class="issue" href="/x">x</a>`), "://bad")
	require.ErrorAs(t, err, &parseErr)
}

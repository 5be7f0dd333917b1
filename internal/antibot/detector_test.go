package antibot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/journal-crawler/internal/crawler"
)

func articlePage(extra string) crawler.Page {
	body := "<html><head><title>Immunity: Volume 58</title>" +
		`<script src="https://cdnjs.cloudflare.com/ajax/libs/jquery.min.js"></script></head>` +
		"<body><h1>Research article listing</h1><p>" + strings.Repeat("Lorem ipsum dolor sit amet. ", 60) +
		"</p>" + extra + "</body></html>"
	return crawler.Page{URL: "https://www.cell.com/immunity/issue", Body: []byte(body)}
}

func TestDetectorClassify(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{})
	long := strings.Repeat("x", 1200)

	tests := []struct {
		name   string
		page   crawler.Page
		signal Signal
	}{
		{
			name:   "challenge title",
			page:   crawler.Page{Title: "Just a moment...", Body: []byte("<html><body>" + long + "</body></html>")},
			signal: SignalChallenge,
		},
		{
			name:   "challenge in body text",
			page:   crawler.Page{Body: []byte("<html><body><p>Checking your browser before accessing</p></body></html>")},
			signal: SignalChallenge,
		},
		{
			name:   "title read from markup",
			page:   crawler.Page{Body: []byte("<html><head><title>Access Denied</title></head><body></body></html>")},
			signal: SignalChallenge,
		},
		{
			name:   "cloudflare asset host is not a challenge",
			page:   articlePage(""),
			signal: SignalContent,
		},
		{
			name:   "forbidden document status",
			page:   crawler.Page{Status: 403, Body: articlePage("").Body},
			signal: SignalChallenge,
		},
		{
			name:   "rate limited document status",
			page:   crawler.Page{Status: 429, Body: []byte("<html><body></body></html>")},
			signal: SignalChallenge,
		},
		{
			name:   "ok status with content",
			page:   crawler.Page{Status: 200, Body: articlePage("").Body},
			signal: SignalContent,
		},
		{
			name:   "too small",
			page:   crawler.Page{Body: []byte("<html><body>research</body></html>")},
			signal: SignalPending,
		},
		{
			name:   "no keyword",
			page:   crawler.Page{Body: []byte("<html><body>" + long + "</body></html>")},
			signal: SignalPending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, _ := d.Classify(tt.page)
			require.Equal(t, tt.signal, got)
		})
	}
}

func TestDetectorReportsMatchedMarker(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{Markers: []string{"Verify You Are Human"}})
	signal, reason := d.Classify(crawler.Page{Title: "Please verify you are human"})
	require.Equal(t, SignalChallenge, signal)
	require.Equal(t, "verify you are human", reason)
	require.True(t, d.IsChallenge(crawler.Page{Title: "VERIFY YOU ARE HUMAN"}))

	// Custom markers replace the defaults.
	require.False(t, d.IsChallenge(crawler.Page{Title: "Just a moment..."}))
}

func TestDetectorWithKeywords(t *testing.T) {
	t.Parallel()

	base := NewDetector(Config{})
	page := crawler.Page{Body: []byte("<html><body>" + strings.Repeat("volume issue ", 100) + "</body></html>")}

	signal, _ := base.Classify(page)
	require.Equal(t, SignalPending, signal)

	scoped := base.WithKeywords([]string{"Issue"})
	signal, _ = scoped.Classify(page)
	require.Equal(t, SignalContent, signal)

	signal, _ = base.Classify(page)
	require.Equal(t, SignalPending, signal, "WithKeywords must not mutate the receiver")
	require.Same(t, base, base.WithKeywords(nil))
}

func TestDetectorRequiredSelectors(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{RequiredSelectors: []string{"div.toc"}})
	signal, reason := d.Classify(articlePage(""))
	require.Equal(t, SignalPending, signal)
	require.Equal(t, "missing selector div.toc", reason)

	signal, _ = d.Classify(articlePage(`<div class="toc"><a href="/a">A</a></div>`))
	require.Equal(t, SignalContent, signal)
}

func TestDetectorMinBodyBytes(t *testing.T) {
	t.Parallel()

	d := NewDetector(Config{MinBodyBytes: 10})
	signal, _ := d.Classify(crawler.Page{Body: []byte("<p>doi:10.1/x</p>")})
	require.Equal(t, SignalContent, signal)
}

func TestSignalString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "challenge", SignalChallenge.String())
	require.Equal(t, "content", SignalContent.String())
	require.Equal(t, "pending", SignalPending.String())
}

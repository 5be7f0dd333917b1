package archive

import (
	"strconv"
	"strings"
	"time"
)

// YearPages expands pattern into one archive URL per year touched by the
// window, oldest first. The pattern may contain {year} and {decade}, as in
// "https://www.science.org/loi/science/group/d{decade}.y{year}".
func YearPages(start, end time.Time, pattern string) []string {
	if pattern == "" {
		return nil
	}
	from, to := start.UTC().Year(), end.UTC().Year()
	if to < from {
		from, to = to, from
	}
	pages := make([]string, 0, to-from+1)
	for year := from; year <= to; year++ {
		page := strings.NewReplacer(
			"{year}", strconv.Itoa(year),
			"{decade}", strconv.Itoa(year/10*10),
		).Replace(pattern)
		pages = append(pages, page)
	}
	return pages
}

package scrape

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"bidwatch/internal/source"
)

const listingPage = `<html><body>
<table><tbody>
  <tr class="row">
    <td class="id">T-100</td>
    <td class="t"><a href="/tender/100">Road resurfacing</a></td>
    <td class="org">City of Ottawa</td>
    <td class="close">2026-09-15</td>
  </tr>
  <tr class="row">
    <td class="id"></td>
    <td class="t"><a href="https://other.example/tender/200">Snow clearing</a></td>
    <td class="org"></td>
    <td class="close">September 30, 2026</td>
  </tr>
  <tr class="row">
    <td class="id"></td>
    <td class="t">No link, no id</td>
    <td class="org">Orphan Org</td>
    <td class="close"></td>
  </tr>
</tbody></table>
<a class="next" href="/tenders?page=2">Next</a>
</body></html>`

var listingSelectors = source.Selectors{
	Rows:         "tr.row",
	Title:        "td.t a",
	Link:         "td.t a",
	ExternalID:   "td.id",
	Organization: "td.org",
	ClosingDate:  "td.close",
	NextPage:     "a.next",
}

func parseDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse html: %v", err)
	}
	return doc
}

func TestExtractListing(t *testing.T) {
	doc := parseDoc(t, listingPage)
	rows, next := ExtractListing(doc, "https://portal.example/tenders", listingSelectors)

	// The row with neither id nor link is dropped.
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	first := rows[0]
	if first.ExternalID != "T-100" || first.Title != "Road resurfacing" {
		t.Fatalf("first row = %+v", first)
	}
	if first.URL != "https://portal.example/tender/100" {
		t.Fatalf("relative link not resolved: %q", first.URL)
	}
	if first.Organization != "City of Ottawa" {
		t.Fatalf("organization = %q", first.Organization)
	}
	if first.ClosingDate == nil || !first.ClosingDate.Equal(time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("closing date = %v", first.ClosingDate)
	}

	second := rows[1]
	if second.ExternalID != "" {
		t.Fatalf("second row external id = %q, want empty (hashed later)", second.ExternalID)
	}
	if second.URL != "https://other.example/tender/200" {
		t.Fatalf("absolute link mangled: %q", second.URL)
	}
	if second.ClosingDate == nil || second.ClosingDate.Month() != time.September {
		t.Fatalf("spelled-out closing date not parsed: %v", second.ClosingDate)
	}

	if next != "https://portal.example/tenders?page=2" {
		t.Fatalf("next page = %q", next)
	}
}

func TestExtractListingNoNextPage(t *testing.T) {
	doc := parseDoc(t, `<html><body><tr class="row"><td class="id">T-1</td></tr></body></html>`)
	sel := listingSelectors
	_, next := ExtractListing(doc, "https://portal.example/tenders", sel)
	if next != "" {
		t.Fatalf("next = %q, want empty", next)
	}
}

func TestExtractListingUnmappedSelectors(t *testing.T) {
	doc := parseDoc(t, listingPage)
	sel := source.Selectors{Rows: "tr.row", ExternalID: "td.id"}
	rows, next := ExtractListing(doc, "https://portal.example/tenders", sel)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (only the row with an id)", len(rows))
	}
	if rows[0].Title != "" || rows[0].URL != "" {
		t.Fatalf("unmapped fields populated: %+v", rows[0])
	}
	if next != "" {
		t.Fatalf("next = %q with no next_page selector", next)
	}
}

func TestParseClosingDateLayouts(t *testing.T) {
	cases := []string{
		"2026-09-15",
		"2026-09-15 17:00",
		"September 15, 2026",
		"Sep 15, 2026",
		"15/09/2026",
		"2026/09/15",
	}
	for _, raw := range cases {
		if _, ok := parseClosingDate(raw); !ok {
			t.Fatalf("parseClosingDate(%q) failed", raw)
		}
	}
	if _, ok := parseClosingDate("soonish"); ok {
		t.Fatal("parseClosingDate accepted junk")
	}
}

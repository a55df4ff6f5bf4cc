package scrape

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"bidwatch/internal/source"
	"bidwatch/internal/tender"
)

// closingLayouts covers the date formats the portals actually emit.
var closingLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"02/01/2006",
	"2006/01/02",
}

// ExtractListing pulls tender rows from one listing page. Rows that yield
// neither an external id nor a link are dropped. The second return value is
// the resolved next-page URL, empty when pagination ends.
func ExtractListing(doc *goquery.Document, pageURL string, sel source.Selectors) ([]tender.Record, string) {
	base, _ := url.Parse(pageURL)

	var out []tender.Record
	doc.Find(sel.Rows).Each(func(_ int, row *goquery.Selection) {
		rec := tender.Record{
			Title:        fieldText(row, sel.Title),
			ExternalID:   fieldText(row, sel.ExternalID),
			Organization: fieldText(row, sel.Organization),
			Location:     fieldText(row, sel.Location),
			Category:     fieldText(row, sel.Category),
			Description:  fieldText(row, sel.Description),
		}
		if href := fieldAttr(row, sel.Link, "href"); href != "" {
			rec.URL = resolveURL(base, href)
		}
		if raw := fieldText(row, sel.ClosingDate); raw != "" {
			if t, ok := parseClosingDate(raw); ok {
				rec.ClosingDate = &t
			}
		}
		if rec.ExternalID == "" && rec.URL == "" {
			return
		}
		out = append(out, rec)
	})

	next := ""
	if sel.NextPage != "" {
		if href := fieldAttr(doc.Selection, sel.NextPage, "href"); href != "" {
			next = resolveURL(base, href)
		}
	}
	return out, next
}

// fieldText selects within row and returns trimmed text; an empty selector
// means the field is not mapped for this source.
func fieldText(row *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(row.Find(selector).First().Text())
}

func fieldAttr(row *goquery.Selection, selector, attr string) string {
	if selector == "" {
		return ""
	}
	v, _ := row.Find(selector).First().Attr(attr)
	return strings.TrimSpace(v)
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func parseClosingDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range closingLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// pageMeta holds the generic head metadata of a page.
type pageMeta struct {
	ogType       string
	title        string
	description  string
	image        string
	url          string
	price        string
	currency     string
	availability string
}

func readPageMeta(doc *goquery.Document) pageMeta {
	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key := s.AttrOr("property", "")
		if key == "" {
			key = s.AttrOr("name", "")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		content := strings.TrimSpace(s.AttrOr("content", ""))
		if key == "" || content == "" {
			return
		}
		if _, seen := meta[key]; !seen {
			meta[key] = content
		}
	})
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v := meta[k]; v != "" {
				return v
			}
		}
		return ""
	}
	pm := pageMeta{
		ogType:       strings.ToLower(pick("og:type")),
		title:        pick("og:title", "twitter:title", "title"),
		description:  pick("og:description", "description", "twitter:description"),
		image:        pick("og:image", "og:image:url", "twitter:image"),
		url:          pick("og:url"),
		price:        pick("product:price:amount", "og:price:amount"),
		currency:     pick("product:price:currency", "og:price:currency"),
		availability: pick("product:availability", "og:availability"),
	}
	if pm.title == "" {
		pm.title = collapse(doc.Find("head title").First().Text())
	}
	return pm
}

// record converts the metadata into a product record carrying only the coarse
// fields the head exposes.
func (pm pageMeta) record(base *url.URL) crawler.ExtractedRecord {
	rec := newRecord(crawler.KindProduct, crawler.MethodPageMetadata)
	setField(&rec, fieldTitle, pm.title, base)
	setField(&rec, fieldDescription, pm.description, base)
	setField(&rec, fieldImageURL, pm.image, base)
	setField(&rec, fieldURL, pm.url, base)
	if pm.price != "" {
		setField(&rec, fieldPrice, pm.price, base)
	}
	setField(&rec, fieldCurrency, strings.ToUpper(pm.currency), base)
	setField(&rec, fieldAvailability, pm.availability, base)
	return rec
}

func (pm pageMeta) declaresProduct() bool {
	return pm.ogType == "product" || strings.HasPrefix(pm.ogType, "product.")
}

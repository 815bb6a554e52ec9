package extract

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// maxLDDepth bounds recursion through @graph and nested arrays.
const maxLDDepth = 6

var productTypes = map[string]struct{}{
	"product":           {},
	"car":               {},
	"vehicle":           {},
	"motorizedbicycle":  {},
	"individualproduct": {},
	"productmodel":      {},
	"productgroup":      {},
}

var offerTypes = map[string]struct{}{
	"offer":          {},
	"aggregateoffer": {},
}

// structuredRecords parses every application/ld+json block in doc.
// Unparseable blocks are skipped.
func structuredRecords(doc *goquery.Document, base *url.URL) []crawler.ExtractedRecord {
	var out []crawler.ExtractedRecord
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var root any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &root); err != nil {
			return
		}
		out = append(out, ldNodes(root, base, 0)...)
	})
	return out
}

func ldNodes(node any, base *url.URL, depth int) []crawler.ExtractedRecord {
	if depth > maxLDDepth {
		return nil
	}
	switch v := node.(type) {
	case []any:
		var out []crawler.ExtractedRecord
		for _, item := range v {
			out = append(out, ldNodes(item, base, depth+1)...)
		}
		return out
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			return ldNodes(graph, base, depth+1)
		}
		switch {
		case hasLDType(v, productTypes):
			return []crawler.ExtractedRecord{ldProduct(v, base)}
		case hasLDType(v, offerTypes):
			if rec, ok := ldOffer(v, base); ok {
				return []crawler.ExtractedRecord{rec}
			}
		case hasLDType(v, map[string]struct{}{"itemlist": {}}):
			return ldNodes(v["itemListElement"], base, depth+1)
		case hasLDType(v, map[string]struct{}{"listitem": {}}):
			return ldNodes(v["item"], base, depth+1)
		}
	}
	return nil
}

func hasLDType(node map[string]any, types map[string]struct{}) bool {
	match := func(raw any) bool {
		s, ok := raw.(string)
		if !ok {
			return false
		}
		if i := strings.LastIndexByte(s, '/'); i >= 0 {
			s = s[i+1:]
		}
		_, ok = types[strings.ToLower(s)]
		return ok
	}
	switch t := node["@type"].(type) {
	case string:
		return match(t)
	case []any:
		for _, item := range t {
			if match(item) {
				return true
			}
		}
	}
	return false
}

func ldProduct(node map[string]any, base *url.URL) crawler.ExtractedRecord {
	rec := newRecord(crawler.KindProduct, crawler.MethodStructuredMetadata)
	setField(&rec, fieldTitle, node["name"], base)
	setField(&rec, fieldDescription, node["description"], base)
	setField(&rec, fieldImageURL, node["image"], base)
	setField(&rec, fieldCategory, firstOf(node, "category", "bodyType", "vehicleModelDate"), base)
	setField(&rec, fieldURL, node["url"], base)
	if brand := asString(node["brand"]); brand != "" {
		setMeta(&rec.Product.Metadata, "brand", brand)
	}
	if model := asString(node["model"]); model != "" {
		setMeta(&rec.Product.Metadata, "model", model)
	}
	if variants := ldVariants(node); len(variants) > 0 {
		setField(&rec, fieldVariants, variants, base)
	}
	setField(&rec, fieldFeatures, node["additionalProperty"], base)

	if offer := firstOffer(node["offers"]); offer != nil {
		setField(&rec, fieldPrice, firstOf(offer, "price", "lowPrice", "highPrice"), base)
		setField(&rec, fieldCurrency, offer["priceCurrency"], base)
		setField(&rec, fieldAvailability, offer["availability"], base)
		setField(&rec, fieldDisclaimer, offer["description"], base)
	}
	return rec
}

func ldOffer(node map[string]any, base *url.URL) (crawler.ExtractedRecord, bool) {
	rec := newRecord(crawler.KindOffer, crawler.MethodStructuredMetadata)
	title := asString(node["name"])
	if title == "" {
		if item, ok := node["itemOffered"].(map[string]any); ok {
			title = asString(item["name"])
		}
	}
	if title == "" {
		return rec, false
	}
	setField(&rec, fieldTitle, title, base)
	setField(&rec, fieldPrice, firstOf(node, "price", "lowPrice", "highPrice"), base)
	setField(&rec, fieldCurrency, node["priceCurrency"], base)
	setField(&rec, fieldAvailability, node["availability"], base)
	setField(&rec, fieldDescription, node["description"], base)
	setField(&rec, fieldValidUntil, firstOf(node, "validThrough", "priceValidUntil"), base)
	setField(&rec, fieldImageURL, node["image"], base)
	setField(&rec, fieldCategory, node["category"], base)
	setField(&rec, fieldURL, node["url"], base)
	return rec, true
}

func ldVariants(node map[string]any) []string {
	var out []string
	for _, key := range []string{"hasVariant", "vehicleConfiguration"} {
		switch v := node[key].(type) {
		case string:
			out = append(out, v)
		case []any:
			for _, item := range v {
				if s := asString(item); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return asStringList(out)
}

func firstOffer(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func firstOf(node map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := node[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

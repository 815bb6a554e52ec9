package extract

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// ruleRecords applies a RecordRule: one record per container match.
func ruleRecords(doc *goquery.Document, kind crawler.RecordKind, rule *crawler.RecordRule, base *url.URL) []crawler.ExtractedRecord {
	if rule == nil || strings.TrimSpace(rule.Container) == "" {
		return nil
	}
	var out []crawler.ExtractedRecord
	doc.Find(rule.Container).Each(func(i int, container *goquery.Selection) {
		rec := newRecord(kind, crawler.MethodSiteRules)
		for _, name := range sortedFieldNames(rule.Fields) {
			fr := rule.Fields[name]
			field := name
			if canon, ok := canonicalField(name); ok && canon != "" {
				field = canon
			}
			if value := selectValue(container, fr); value != nil {
				setField(&rec, field, value, base)
			}
		}
		if kind == crawler.KindBannerSlide && rec.Banner.Position == 0 {
			rec.Banner.Position = i + 1
		}
		if rec.Key() != "" {
			out = append(out, rec)
		}
	})
	return out
}

func selectValue(container *goquery.Selection, fr crawler.FieldRule) any {
	sel := container
	if strings.TrimSpace(fr.Selector) != "" {
		sel = container.Find(fr.Selector)
	}
	if sel.Length() == 0 {
		return nil
	}
	read := func(s *goquery.Selection) string {
		if fr.Attr != "" {
			return strings.TrimSpace(s.AttrOr(fr.Attr, ""))
		}
		return collapse(s.Text())
	}
	if fr.Multiple {
		var values []any
		sel.Each(func(_ int, s *goquery.Selection) {
			if v := read(s); v != "" {
				values = append(values, v)
			}
		})
		if len(values) == 0 {
			return nil
		}
		return values
	}
	if v := read(sel.First()); v != "" {
		return v
	}
	return nil
}

// discoverLinks resolves hrefs under the selectors to absolute same-host URLs,
// dropping fragments and duplicates.
func discoverLinks(doc *goquery.Document, selectors []string, base *url.URL) []string {
	if base == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, selector := range selectors {
		if strings.TrimSpace(selector) == "" {
			continue
		}
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok {
				return
			}
			ref, err := url.Parse(strings.TrimSpace(href))
			if err != nil {
				return
			}
			abs := base.ResolveReference(ref)
			if abs.Scheme != "http" && abs.Scheme != "https" {
				return
			}
			if !strings.EqualFold(abs.Hostname(), base.Hostname()) {
				return
			}
			abs.Fragment = ""
			link := abs.String()
			if _, dup := seen[link]; dup {
				return
			}
			seen[link] = struct{}{}
			out = append(out, link)
		})
	}
	return out
}

func sortedFieldNames(fields map[string]crawler.FieldRule) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package extract

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// DefaultMaxDepth bounds the structural walk. The root sits at depth 0.
const DefaultMaxDepth = 10

var titleKeys = []string{"name", "title", "modelname", "displayname", "label", "headline"}

var priceKeys = []string{"price", "msrp", "startingprice", "baseprice", "amount", "monthlypayment"}

var imageKeys = []string{"image", "imageurl", "img", "thumbnail", "heroimage"}

var categoryKeys = []string{"category", "categoryname", "segment", "bodystyle"}

var preferredKeys = append(append(append([]string{}, titleKeys...), priceKeys...), imageKeys...)

// WalkOptions configures one structural walk.
type WalkOptions struct {
	MaxDepth int
	// Kind is assigned to matches outside banner containers.
	Kind   crawler.RecordKind
	Method crawler.ExtractionMethod
	Base   *url.URL
}

// walker collects record-shaped objects from one JSON tree.
type walker struct {
	opts    WalkOptions
	records []crawler.ExtractedRecord
	index   map[string]int
}

// Walk collects every object in root that has a title-like key and either a
// price-like or an image-like key. Matched objects are not descended into;
// anything deeper than MaxDepth is ignored. Records are deduplicated by
// case-insensitive title, later duplicates only filling gaps.
func Walk(root any, opts WalkOptions) []crawler.ExtractedRecord {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Kind == "" {
		opts.Kind = crawler.KindProduct
	}
	w := &walker{opts: opts, index: make(map[string]int)}
	w.walk(root, 0, "", false)
	return w.records
}

func (w *walker) walk(node any, depth int, category string, banner bool) {
	if depth > w.opts.MaxDepth {
		return
	}
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			w.walk(item, depth+1, category, banner)
		}
	case map[string]any:
		if own := lookupString(v, categoryKeys); own != "" {
			category = own
		}
		if isRecordShaped(v) {
			w.collect(v, category, banner)
			return
		}
		for _, key := range sortedKeys(v) {
			child := v[key]
			switch child.(type) {
			case []any, map[string]any:
				w.walk(child, depth+1, category, banner || isBannerKey(key))
			}
		}
	}
}

func (w *walker) collect(obj map[string]any, category string, banner bool) {
	kind := w.opts.Kind
	if banner {
		kind = crawler.KindBannerSlide
	}
	rec := newRecord(kind, w.opts.Method)
	// Preferred keys first so "name" beats "label" and "price" beats "monthlyPayment".
	for _, preferred := range preferredKeys {
		for key, val := range obj {
			if strings.ToLower(key) == preferred {
				setField(&rec, aliases[preferred], val, w.opts.Base)
			}
		}
	}
	for _, key := range sortedKeys(obj) {
		field, known := canonicalField(key)
		if known {
			if field != "" {
				setField(&rec, field, obj[key], w.opts.Base)
			}
			continue
		}
		setField(&rec, key, obj[key], w.opts.Base)
	}
	if category != "" {
		setField(&rec, fieldCategory, category, w.opts.Base)
	}
	key := rec.Key()
	if key == "" {
		return
	}
	if i, dup := w.index[key]; dup {
		w.records[i].FillFrom(rec)
		return
	}
	w.index[key] = len(w.records)
	w.records = append(w.records, rec)
}

func isRecordShaped(obj map[string]any) bool {
	if lookupString(obj, titleKeys) == "" {
		return false
	}
	for key, val := range obj {
		lower := strings.ToLower(key)
		if contains(priceKeys, lower) {
			if _, _, ok := parsePrice(val); ok {
				return true
			}
		}
		if contains(imageKeys, lower) && asImage(val) != "" {
			return true
		}
	}
	return false
}

func isBannerKey(key string) bool {
	lower := strings.ToLower(key)
	return lower == "hero" ||
		strings.Contains(lower, "slide") ||
		strings.Contains(lower, "banner") ||
		strings.Contains(lower, "carousel")
}

// lookupString returns the first non-empty string value under keys, tried in
// order and compared case-insensitively.
func lookupString(obj map[string]any, keys []string) string {
	for _, want := range keys {
		for key, val := range obj {
			if strings.ToLower(key) != want {
				continue
			}
			if s, ok := val.(string); ok {
				if s = collapse(s); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

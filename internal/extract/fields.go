package extract

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Canonical field names shared by site rules, the structural walk and the
// LLM response schema.
const (
	fieldTitle        = "title"
	fieldSubtitle     = "subtitle"
	fieldPrice        = "price"
	fieldCurrency     = "currency"
	fieldAvailability = "availability"
	fieldCategory     = "category"
	fieldVariants     = "variants"
	fieldFeatures     = "features"
	fieldImageURL     = "image_url"
	fieldDescription  = "description"
	fieldDisclaimer   = "disclaimer"
	fieldURL          = "url"
	fieldLinkURL      = "link_url"
	fieldCTAText      = "cta_text"
	fieldValidUntil   = "valid_until"
	fieldPosition     = "position"
)

// aliases maps lowercased vendor keys onto canonical field names.
var aliases = map[string]string{
	"title":           fieldTitle,
	"name":            fieldTitle,
	"modelname":       fieldTitle,
	"displayname":     fieldTitle,
	"label":           fieldTitle,
	"headline":        fieldTitle,
	"subtitle":        fieldSubtitle,
	"subheadline":     fieldSubtitle,
	"tagline":         fieldSubtitle,
	"price":           fieldPrice,
	"msrp":            fieldPrice,
	"startingprice":   fieldPrice,
	"baseprice":       fieldPrice,
	"amount":          fieldPrice,
	"monthlypayment":  fieldPrice,
	"currency":        fieldCurrency,
	"pricecurrency":   fieldCurrency,
	"availability":    fieldAvailability,
	"status":          fieldAvailability,
	"stockstatus":     fieldAvailability,
	"category":        fieldCategory,
	"bodystyle":       fieldCategory,
	"segment":         fieldCategory,
	"variants":        fieldVariants,
	"trims":           fieldVariants,
	"features":        fieldFeatures,
	"highlights":      fieldFeatures,
	"image":           fieldImageURL,
	"imageurl":        fieldImageURL,
	"image_url":       fieldImageURL,
	"img":             fieldImageURL,
	"thumbnail":       fieldImageURL,
	"heroimage":       fieldImageURL,
	"description":     fieldDescription,
	"desc":            fieldDescription,
	"summary":         fieldDescription,
	"disclaimer":      fieldDisclaimer,
	"legal":           fieldDisclaimer,
	"legaltext":       fieldDisclaimer,
	"url":             fieldURL,
	"href":            fieldURL,
	"link":            fieldURL,
	"link_url":        fieldLinkURL,
	"linkurl":         fieldLinkURL,
	"cta":             fieldCTAText,
	"ctatext":         fieldCTAText,
	"cta_text":        fieldCTAText,
	"buttontext":      fieldCTAText,
	"validuntil":      fieldValidUntil,
	"valid_until":     fieldValidUntil,
	"validthrough":    fieldValidUntil,
	"expires":         fieldValidUntil,
	"expirationdate":  fieldValidUntil,
	"position":        fieldPosition,
	"slideindex":      fieldPosition,
	"ctaurl":          fieldLinkURL,
	"destinationurl":  fieldLinkURL,
	"offerenddate":    fieldValidUntil,
	"@type":           "",
	"@context":        "",
	"__typename":      "",
	"pricedisclaimer": fieldDisclaimer,
}

func canonicalField(key string) (string, bool) {
	field, ok := aliases[strings.ToLower(strings.TrimSpace(key))]
	return field, ok
}

// newRecord returns an empty record of kind.
func newRecord(kind crawler.RecordKind, method crawler.ExtractionMethod) crawler.ExtractedRecord {
	switch kind {
	case crawler.KindOffer:
		return crawler.NewOfferRecord(crawler.Offer{}, method)
	case crawler.KindBannerSlide:
		return crawler.NewBannerRecord(crawler.BannerSlide{}, method)
	default:
		return crawler.NewProductRecord(crawler.Product{}, method)
	}
}

// setField writes value into the canonical field of rec if that field is
// still empty. Fields the record kind does not carry land in Metadata.
// It reports whether anything was written.
func setField(rec *crawler.ExtractedRecord, field string, value any, base *url.URL) bool {
	switch {
	case rec.Product != nil:
		return setProductField(rec.Product, field, value, base)
	case rec.Offer != nil:
		return setOfferField(rec.Offer, field, value, base)
	case rec.Banner != nil:
		return setBannerField(rec.Banner, field, value, base)
	}
	return false
}

func setProductField(p *crawler.Product, field string, value any, base *url.URL) bool {
	switch field {
	case fieldTitle:
		return fillStr(&p.Title, asString(value))
	case fieldPrice:
		return fillPrice(&p.Price, &p.Currency, value)
	case fieldCurrency:
		return fillStr(&p.Currency, asString(value))
	case fieldAvailability:
		return fillStr(&p.Availability, availability(value))
	case fieldCategory:
		return fillStr(&p.Category, asString(value))
	case fieldVariants:
		return fillList(&p.Variants, asStringList(value))
	case fieldFeatures:
		return fillList(&p.Features, asStringList(value))
	case fieldImageURL:
		return fillStr(&p.ImageURL, absolute(base, asImage(value)))
	case fieldDescription:
		return fillStr(&p.Description, asString(value))
	case fieldDisclaimer:
		return fillStr(&p.Disclaimer, asString(value))
	case fieldURL, fieldLinkURL:
		return fillStr(&p.URL, absolute(base, asString(value)))
	default:
		return setMeta(&p.Metadata, field, value)
	}
}

func setOfferField(o *crawler.Offer, field string, value any, base *url.URL) bool {
	switch field {
	case fieldTitle:
		return fillStr(&o.Title, asString(value))
	case fieldPrice:
		return fillPrice(&o.Price, &o.Currency, value)
	case fieldCurrency:
		return fillStr(&o.Currency, asString(value))
	case fieldAvailability:
		return fillStr(&o.Availability, availability(value))
	case fieldCategory:
		return fillStr(&o.Category, asString(value))
	case fieldVariants:
		return fillList(&o.Variants, asStringList(value))
	case fieldFeatures:
		return fillList(&o.Features, asStringList(value))
	case fieldImageURL:
		return fillStr(&o.ImageURL, absolute(base, asImage(value)))
	case fieldDescription:
		return fillStr(&o.Description, asString(value))
	case fieldDisclaimer:
		return fillStr(&o.Disclaimer, asString(value))
	case fieldURL, fieldLinkURL:
		return fillStr(&o.URL, absolute(base, asString(value)))
	case fieldValidUntil:
		return fillStr(&o.ValidUntil, asString(value))
	default:
		return setMeta(&o.Metadata, field, value)
	}
}

func setBannerField(b *crawler.BannerSlide, field string, value any, base *url.URL) bool {
	switch field {
	case fieldTitle:
		return fillStr(&b.Title, asString(value))
	case fieldSubtitle, fieldDescription:
		return fillStr(&b.Subtitle, asString(value))
	case fieldImageURL:
		return fillStr(&b.ImageURL, absolute(base, asImage(value)))
	case fieldLinkURL, fieldURL:
		return fillStr(&b.LinkURL, absolute(base, asString(value)))
	case fieldCTAText:
		return fillStr(&b.CTAText, asString(value))
	case fieldDisclaimer:
		return fillStr(&b.Disclaimer, asString(value))
	case fieldPosition:
		if b.Position == 0 {
			if n, ok := asInt(value); ok && n > 0 {
				b.Position = n
				return true
			}
		}
		return false
	default:
		return setMeta(&b.Metadata, field, value)
	}
}

func setMeta(meta *map[string]any, key string, value any) bool {
	if key == "" || value == nil {
		return false
	}
	switch value.(type) {
	case string, float64, bool, int, int64:
	default:
		return false
	}
	if *meta == nil {
		*meta = make(map[string]any)
	}
	if _, exists := (*meta)[key]; exists {
		return false
	}
	(*meta)[key] = value
	return true
}

func fillStr(dst *string, value string) bool {
	value = collapse(value)
	if value == "" || strings.TrimSpace(*dst) != "" {
		return false
	}
	*dst = value
	return true
}

func fillList(dst *[]string, values []string) bool {
	if len(values) == 0 || len(*dst) > 0 {
		return false
	}
	*dst = values
	return true
}

func fillPrice(dst **float64, currency *string, value any) bool {
	if *dst != nil {
		return false
	}
	price, cur, ok := parsePrice(value)
	if !ok {
		return false
	}
	*dst = &price
	if cur != "" && *currency == "" {
		*currency = cur
	}
	return true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return collapse(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case map[string]any:
		for _, key := range []string{"text", "name", "title", "value", "label"} {
			if s, ok := v[key].(string); ok {
				return collapse(s)
			}
		}
	case []any:
		if len(v) > 0 {
			return asString(v[0])
		}
	}
	return ""
}

func asStringList(value any) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(s string) {
		s = collapse(s)
		if s == "" {
			return
		}
		if _, dup := seen[strings.ToLower(s)]; dup {
			return
		}
		seen[strings.ToLower(s)] = struct{}{}
		out = append(out, s)
	}
	switch v := value.(type) {
	case []string:
		for _, s := range v {
			add(s)
		}
	case []any:
		for _, item := range v {
			add(asString(item))
		}
	case string:
		add(v)
	}
	return out
}

func asImage(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		for _, key := range []string{"url", "src", "href", "contentUrl", "@id"} {
			if s, ok := v[key].(string); ok && s != "" {
				return strings.TrimSpace(s)
			}
		}
	case []any:
		for _, item := range v {
			if s := asImage(item); s != "" {
				return s
			}
		}
	}
	return ""
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		if v == math.Trunc(v) {
			return int(v), true
		}
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// availability normalizes schema.org URLs ("https://schema.org/InStock") to
// their last path segment.
func availability(value any) string {
	s := asString(value)
	if i := strings.LastIndexByte(s, '/'); i >= 0 && strings.Contains(s, "schema.org") {
		s = s[i+1:]
	}
	return s
}

var currencySymbols = map[string]string{"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY"}

// parsePrice accepts numbers, numeric strings ("$41,000", "41.000,00 €") and
// objects carrying an amount and currency.
func parsePrice(value any) (float64, string, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return 0, "", false
		}
		return v, "", true
	case int:
		return float64(v), "", v >= 0
	case string:
		return parsePriceString(v)
	case map[string]any:
		var cur string
		for _, key := range []string{"currency", "currencyCode", "priceCurrency"} {
			if s, ok := v[key].(string); ok {
				cur = strings.ToUpper(strings.TrimSpace(s))
				break
			}
		}
		for _, key := range []string{"amount", "value", "price", "raw"} {
			if raw, ok := v[key]; ok {
				if p, c, ok := parsePrice(raw); ok {
					if cur == "" {
						cur = c
					}
					return p, cur, true
				}
			}
		}
	}
	return 0, "", false
}

func parsePriceString(s string) (float64, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, "", false
	}
	var cur string
	for sym, code := range currencySymbols {
		if strings.Contains(s, sym) {
			cur = code
			break
		}
	}
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || (r == '.' || r == ',') && digits.Len() > 0 {
			digits.WriteRune(r)
			continue
		}
		if digits.Len() > 0 {
			// First number only: "$41,000 - $52,000" reads as 41000.
			break
		}
	}
	num := normalizeSeparators(digits.String())
	if num == "" {
		return 0, "", false
	}
	price, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", false
	}
	return price, cur, true
}

// normalizeSeparators turns "41,000.50", "41.000,50", "41,000" and "41.000"
// into a plain decimal string. A lone separator followed by exactly three
// digits is read as a thousands separator.
func normalizeSeparators(num string) string {
	num = strings.TrimRight(num, ".,")
	lastDot := strings.LastIndexByte(num, '.')
	lastComma := strings.LastIndexByte(num, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			num = strings.ReplaceAll(num, ".", "")
			return strings.Replace(num, ",", ".", 1)
		}
		return strings.ReplaceAll(num, ",", "")
	case lastComma >= 0:
		if strings.Count(num, ",") == 1 && len(num)-lastComma-1 != 3 {
			return strings.Replace(num, ",", ".", 1)
		}
		return strings.ReplaceAll(num, ",", "")
	case lastDot >= 0:
		if strings.Count(num, ".") > 1 || len(num)-lastDot-1 == 3 {
			return strings.ReplaceAll(num, ".", "")
		}
	}
	return num
}

func absolute(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

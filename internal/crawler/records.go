package crawler

import (
	"strings"
)

// RecordKind tags which variant an ExtractedRecord carries.
type RecordKind string

// Supported record kinds. The kind doubles as the entity type for snapshots
// and change events.
const (
	KindProduct     RecordKind = "product"
	KindOffer       RecordKind = "offer"
	KindBannerSlide RecordKind = "banner_slide"
)

// RecordKinds lists every kind in extraction order.
var RecordKinds = []RecordKind{KindProduct, KindOffer, KindBannerSlide}

// ExtractionMethod records which cascade stage produced a record.
type ExtractionMethod string

// Cascade stages, highest trust first.
const (
	MethodStructuredMetadata ExtractionMethod = "structured-metadata"
	MethodPageMetadata       ExtractionMethod = "page-metadata"
	MethodSiteRules          ExtractionMethod = "site-rules"
	MethodLLMFallback        ExtractionMethod = "llm-fallback"
	MethodAPI                ExtractionMethod = "api"
)

// Product is a vehicle or trim listed in a manufacturer catalog.
type Product struct {
	Title        string         `json:"title,omitempty"`
	Price        *float64       `json:"price,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	Availability string         `json:"availability,omitempty"`
	Category     string         `json:"category,omitempty"`
	Variants     []string       `json:"variants,omitempty"`
	Features     []string       `json:"features,omitempty"`
	ImageURL     string         `json:"image_url,omitempty"`
	Description  string         `json:"description,omitempty"`
	Disclaimer   string         `json:"disclaimer,omitempty"`
	URL          string         `json:"url,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Offer is a lease, finance, or cash incentive.
type Offer struct {
	Title        string         `json:"title,omitempty"`
	Price        *float64       `json:"price,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	Availability string         `json:"availability,omitempty"`
	Category     string         `json:"category,omitempty"`
	Variants     []string       `json:"variants,omitempty"`
	Features     []string       `json:"features,omitempty"`
	ImageURL     string         `json:"image_url,omitempty"`
	Description  string         `json:"description,omitempty"`
	Disclaimer   string         `json:"disclaimer,omitempty"`
	URL          string         `json:"url,omitempty"`
	ValidUntil   string         `json:"valid_until,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// BannerSlide is one promotional slide of a homepage carousel.
type BannerSlide struct {
	Title      string         `json:"title,omitempty"`
	Subtitle   string         `json:"subtitle,omitempty"`
	ImageURL   string         `json:"image_url,omitempty"`
	LinkURL    string         `json:"link_url,omitempty"`
	CTAText    string         `json:"cta_text,omitempty"`
	Disclaimer string         `json:"disclaimer,omitempty"`
	Position   int            `json:"position,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExtractedRecord is a tagged union over the three record variants. Exactly
// one of Product, Offer, Banner is set and matches Kind.
type ExtractedRecord struct {
	Kind     RecordKind       `json:"kind"`
	Product  *Product         `json:"product,omitempty"`
	Offer    *Offer           `json:"offer,omitempty"`
	Banner   *BannerSlide     `json:"banner,omitempty"`
	Method   ExtractionMethod `json:"extraction_method"`
	Coverage float64          `json:"coverage"`
}

// NewProductRecord wraps p.
func NewProductRecord(p Product, method ExtractionMethod) ExtractedRecord {
	return ExtractedRecord{Kind: KindProduct, Product: &p, Method: method}
}

// NewOfferRecord wraps o.
func NewOfferRecord(o Offer, method ExtractionMethod) ExtractedRecord {
	return ExtractedRecord{Kind: KindOffer, Offer: &o, Method: method}
}

// NewBannerRecord wraps b.
func NewBannerRecord(b BannerSlide, method ExtractionMethod) ExtractedRecord {
	return ExtractedRecord{Kind: KindBannerSlide, Banner: &b, Method: method}
}

// Title returns the display title of whichever variant is set.
func (r ExtractedRecord) Title() string {
	switch {
	case r.Product != nil:
		return r.Product.Title
	case r.Offer != nil:
		return r.Offer.Title
	case r.Banner != nil:
		return r.Banner.Title
	default:
		return ""
	}
}

// Key is the case-insensitive, whitespace-trimmed title used for dedup and
// cross-stage matching.
func (r ExtractedRecord) Key() string {
	return TitleKey(r.Title())
}

// TitleKey normalizes a title for dedup comparisons.
func TitleKey(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

// Fields flattens the record into canonical field names. Empty values are
// omitted; metadata keys are prefixed with "meta.".
func (r ExtractedRecord) Fields() map[string]any {
	f := fieldSet{}
	switch {
	case r.Product != nil:
		p := r.Product
		f.str("title", p.Title)
		f.num("price", p.Price)
		f.str("currency", p.Currency)
		f.str("availability", p.Availability)
		f.str("category", p.Category)
		f.list("variants", p.Variants)
		f.list("features", p.Features)
		f.str("image_url", p.ImageURL)
		f.str("description", p.Description)
		f.str("disclaimer", p.Disclaimer)
		f.str("url", p.URL)
		f.meta(p.Metadata)
	case r.Offer != nil:
		o := r.Offer
		f.str("title", o.Title)
		f.num("price", o.Price)
		f.str("currency", o.Currency)
		f.str("availability", o.Availability)
		f.str("category", o.Category)
		f.list("variants", o.Variants)
		f.list("features", o.Features)
		f.str("image_url", o.ImageURL)
		f.str("description", o.Description)
		f.str("disclaimer", o.Disclaimer)
		f.str("url", o.URL)
		f.str("valid_until", o.ValidUntil)
		f.meta(o.Metadata)
	case r.Banner != nil:
		b := r.Banner
		f.str("title", b.Title)
		f.str("subtitle", b.Subtitle)
		f.str("image_url", b.ImageURL)
		f.str("link_url", b.LinkURL)
		f.str("cta_text", b.CTAText)
		f.str("disclaimer", b.Disclaimer)
		if b.Position > 0 {
			f["position"] = b.Position
		}
		f.meta(b.Metadata)
	}
	return f
}

// FillFrom copies fields of src into r wherever r is empty. Non-empty fields
// of r are never overwritten. Records of different kinds are ignored.
func (r *ExtractedRecord) FillFrom(src ExtractedRecord) {
	if r.Kind != src.Kind {
		return
	}
	switch {
	case r.Product != nil && src.Product != nil:
		fillProduct(r.Product, src.Product)
	case r.Offer != nil && src.Offer != nil:
		fillOffer(r.Offer, src.Offer)
	case r.Banner != nil && src.Banner != nil:
		fillBanner(r.Banner, src.Banner)
	}
}

// Clone returns a deep-enough copy so merges never alias another stage's data.
func (r ExtractedRecord) Clone() ExtractedRecord {
	out := r
	if r.Product != nil {
		p := *r.Product
		p.Price = cloneFloat(r.Product.Price)
		p.Variants = cloneStrings(r.Product.Variants)
		p.Features = cloneStrings(r.Product.Features)
		p.Metadata = cloneMeta(r.Product.Metadata)
		out.Product = &p
	}
	if r.Offer != nil {
		o := *r.Offer
		o.Price = cloneFloat(r.Offer.Price)
		o.Variants = cloneStrings(r.Offer.Variants)
		o.Features = cloneStrings(r.Offer.Features)
		o.Metadata = cloneMeta(r.Offer.Metadata)
		out.Offer = &o
	}
	if r.Banner != nil {
		b := *r.Banner
		b.Metadata = cloneMeta(r.Banner.Metadata)
		out.Banner = &b
	}
	return out
}

func fillProduct(dst, src *Product) {
	fillString(&dst.Title, src.Title)
	if dst.Price == nil {
		dst.Price = cloneFloat(src.Price)
	}
	fillString(&dst.Currency, src.Currency)
	fillString(&dst.Availability, src.Availability)
	fillString(&dst.Category, src.Category)
	fillList(&dst.Variants, src.Variants)
	fillList(&dst.Features, src.Features)
	fillString(&dst.ImageURL, src.ImageURL)
	fillString(&dst.Description, src.Description)
	fillString(&dst.Disclaimer, src.Disclaimer)
	fillString(&dst.URL, src.URL)
	dst.Metadata = fillMeta(dst.Metadata, src.Metadata)
}

func fillOffer(dst, src *Offer) {
	fillString(&dst.Title, src.Title)
	if dst.Price == nil {
		dst.Price = cloneFloat(src.Price)
	}
	fillString(&dst.Currency, src.Currency)
	fillString(&dst.Availability, src.Availability)
	fillString(&dst.Category, src.Category)
	fillList(&dst.Variants, src.Variants)
	fillList(&dst.Features, src.Features)
	fillString(&dst.ImageURL, src.ImageURL)
	fillString(&dst.Description, src.Description)
	fillString(&dst.Disclaimer, src.Disclaimer)
	fillString(&dst.URL, src.URL)
	fillString(&dst.ValidUntil, src.ValidUntil)
	dst.Metadata = fillMeta(dst.Metadata, src.Metadata)
}

func fillBanner(dst, src *BannerSlide) {
	fillString(&dst.Title, src.Title)
	fillString(&dst.Subtitle, src.Subtitle)
	fillString(&dst.ImageURL, src.ImageURL)
	fillString(&dst.LinkURL, src.LinkURL)
	fillString(&dst.CTAText, src.CTAText)
	fillString(&dst.Disclaimer, src.Disclaimer)
	if dst.Position == 0 {
		dst.Position = src.Position
	}
	dst.Metadata = fillMeta(dst.Metadata, src.Metadata)
}

func fillString(dst *string, src string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = src
	}
}

func fillList(dst *[]string, src []string) {
	if len(*dst) == 0 {
		*dst = cloneStrings(src)
	}
}

func fillMeta(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func cloneMeta(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type fieldSet map[string]any

func (f fieldSet) str(key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		f[key] = v
	}
}

func (f fieldSet) num(key string, value *float64) {
	if value != nil {
		f[key] = *value
	}
}

func (f fieldSet) list(key string, values []string) {
	if len(values) > 0 {
		f[key] = cloneStrings(values)
	}
}

func (f fieldSet) meta(m map[string]any) {
	for k, v := range m {
		f["meta."+k] = v
	}
}

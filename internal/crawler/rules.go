package crawler

// FieldRule selects one record field inside a container element.
type FieldRule struct {
	Selector string `mapstructure:"selector" json:"selector"`
	// Attr reads an attribute instead of the element text when set.
	Attr string `mapstructure:"attr" json:"attr,omitempty"`
	// Multiple collects every match into a list field.
	Multiple bool `mapstructure:"multiple" json:"multiple,omitempty"`
}

// RecordRule describes how to pull one record type out of a page.
type RecordRule struct {
	Container string               `mapstructure:"container" json:"container"`
	Fields    map[string]FieldRule `mapstructure:"fields" json:"fields"`
}

// SiteRules holds the per-site CSS extraction rules.
type SiteRules struct {
	Products      *RecordRule `mapstructure:"products" json:"products,omitempty"`
	Offers        *RecordRule `mapstructure:"offers" json:"offers,omitempty"`
	Banners       *RecordRule `mapstructure:"banners" json:"banners,omitempty"`
	LinkSelectors []string    `mapstructure:"link_selectors" json:"link_selectors,omitempty"`
}

// Rule returns the rule configured for kind, or nil.
func (r SiteRules) Rule(kind RecordKind) *RecordRule {
	switch kind {
	case KindProduct:
		return r.Products
	case KindOffer:
		return r.Offers
	case KindBannerSlide:
		return r.Banners
	default:
		return nil
	}
}

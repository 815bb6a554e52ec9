package change

import "github.com/JakeFAU/oem-monitor/internal/crawler"

// DefaultSeverity returns the fields that produce change events. Fields absent
// from the table never do.
func DefaultSeverity() map[string]crawler.Severity {
	return map[string]crawler.Severity{
		"availability": crawler.SeverityCritical,
		"title":        crawler.SeverityHigh,
		"price":        crawler.SeverityHigh,
		"variants":     crawler.SeverityHigh,
		"disclaimer":   crawler.SeverityMedium,
		"description":  crawler.SeverityMedium,
		"valid_until":  crawler.SeverityMedium,
		"image_url":    crawler.SeverityMedium,
	}
}

// DefaultIgnoreFields are path.Match patterns over canonical field names.
func DefaultIgnoreFields() []string {
	return []string{"meta.utm_*", "meta.ab_*", "meta.experiment*", "meta.copyright_year", "copyright_year"}
}

// DefaultScrubPatterns are regexes removed from string values before
// comparison.
func DefaultScrubPatterns() []string {
	return []string{
		`(?i)(©|\(c\)|copyright)\s*(\d{4}\s*[-–]\s*)?\d{4}`,
	}
}

// Config controls severity assignment and noise suppression.
type Config struct {
	// Severity maps canonical field names to a tier. The value "ignore" in
	// an override removes a field from the table.
	Severity      map[string]crawler.Severity `mapstructure:"severity"`
	IgnoreFields  []string                    `mapstructure:"ignore_fields"`
	ScrubPatterns []string                    `mapstructure:"scrub_patterns"`
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() Config {
	return Config{
		Severity:      DefaultSeverity(),
		IgnoreFields:  DefaultIgnoreFields(),
		ScrubPatterns: DefaultScrubPatterns(),
	}
}

// SiteConfig overrides parts of the base policy for one site.
type SiteConfig struct {
	Severity      map[string]crawler.Severity `mapstructure:"severity"`
	IgnoreFields  []string                    `mapstructure:"ignore_fields"`
	ScrubPatterns []string                    `mapstructure:"scrub_patterns"`
}

// WithSite layers site overrides on top of c. Lists are appended; severity
// entries replace or remove base entries.
func (c Config) WithSite(site SiteConfig) Config {
	out := Config{
		Severity:      make(map[string]crawler.Severity, len(c.Severity)+len(site.Severity)),
		IgnoreFields:  append(append([]string{}, c.IgnoreFields...), site.IgnoreFields...),
		ScrubPatterns: append(append([]string{}, c.ScrubPatterns...), site.ScrubPatterns...),
	}
	for field, sev := range c.Severity {
		out.Severity[field] = sev
	}
	for field, sev := range site.Severity {
		if sev == "ignore" || sev == "" {
			delete(out.Severity, field)
			continue
		}
		out.Severity[field] = sev
	}
	return out
}

package extract

import (
	"math"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

type weight struct {
	field  string
	weight float64
}

// Product and offer weights: title and availability are required, the rest
// optional.
var productWeights = []weight{
	{fieldTitle, 0.2},
	{fieldAvailability, 0.2},
	{fieldPrice, 0.1},
	{fieldCategory, 0.1},
	{fieldVariants, 0.1},
	{fieldFeatures, 0.1},
	{fieldImageURL, 0.1},
	{fieldDescription, 0.1},
}

var bannerWeights = []weight{
	{fieldTitle, 0.2},
	{fieldImageURL, 0.2},
	{fieldLinkURL, 0.1},
	{fieldSubtitle, 0.1},
	{fieldCTAText, 0.1},
	{fieldDisclaimer, 0.1},
	{fieldPosition, 0.1},
}

// Coverage returns the importance-weighted fraction of populated fields,
// capped at 1.
func Coverage(rec crawler.ExtractedRecord) float64 {
	weights := productWeights
	if rec.Kind == crawler.KindBannerSlide {
		weights = bannerWeights
	}
	fields := rec.Fields()
	var total float64
	for _, w := range weights {
		if _, ok := fields[w.field]; ok {
			total += w.weight
		}
	}
	if total > 1 {
		return 1
	}
	// Float sums like 0.2+0.1 drift; round to avoid 0.7999999 failing a 0.8 gate.
	return round6(total)
}

// MeanCoverage averages record coverage; 0 for no records.
func MeanCoverage(records []crawler.ExtractedRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, rec := range records {
		sum += rec.Coverage
	}
	return round6(sum / float64(len(records)))
}

// trust is the prior reliability of each cascade stage.
var trust = map[crawler.ExtractionMethod]float64{
	crawler.MethodStructuredMetadata: 0.95,
	crawler.MethodAPI:                0.9,
	crawler.MethodSiteRules:          0.8,
	crawler.MethodLLMFallback:        0.6,
	crawler.MethodPageMetadata:       0.5,
}

// Confidence is the mean over records of stage trust times record coverage.
func Confidence(records []crawler.ExtractedRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, rec := range records {
		sum += trust[rec.Method] * rec.Coverage
	}
	c := sum / float64(len(records))
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

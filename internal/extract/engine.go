// Package extract turns page HTML and classified API payloads into product,
// offer and banner records through an ordered cascade of stages.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
	"github.com/JakeFAU/oem-monitor/internal/metrics"
)

// Defaults applied by New.
const (
	DefaultLLMThreshold = 0.8
	DefaultLLMTimeout   = 30 * time.Second
)

// Options tunes the cascade.
type Options struct {
	MaxDepth     int
	LLMThreshold float64
	LLMTimeout   time.Duration
	ExcerptBytes int
}

// ExtractionResult is the cascade output for one record type.
type ExtractionResult struct {
	Records    []crawler.ExtractedRecord `json:"records"`
	Confidence float64                   `json:"confidence"`
	// Method is the stage the result is attributed to; empty when no stage
	// produced anything.
	Method   crawler.ExtractionMethod `json:"extraction_method,omitempty"`
	Coverage float64                  `json:"coverage"`
}

// Empty reports whether no records were found.
func (r ExtractionResult) Empty() bool {
	return len(r.Records) == 0
}

// PageExtractionResult groups the three per-type results of one page.
type PageExtractionResult struct {
	Products        ExtractionResult `json:"products"`
	Offers          ExtractionResult `json:"offers"`
	Banners         ExtractionResult `json:"banner_slides"`
	DiscoveredLinks []string         `json:"discovered_links,omitempty"`
	// Errors collects non-fatal stage failures (LLM, extraction).
	Errors []error `json:"-"`
}

// For returns the result for kind.
func (p *PageExtractionResult) For(kind crawler.RecordKind) *ExtractionResult {
	switch kind {
	case crawler.KindOffer:
		return &p.Offers
	case crawler.KindBannerSlide:
		return &p.Banners
	default:
		return &p.Products
	}
}

// Empty reports whether every record type came back empty.
func (p PageExtractionResult) Empty() bool {
	return p.Products.Empty() && p.Offers.Empty() && p.Banners.Empty()
}

// NeedsLLMFallback is true iff some record type has coverage below 0.8 and
// was not already produced by the LLM fallback.
func NeedsLLMFallback(result PageExtractionResult) bool {
	return len(kindsBelow(result, DefaultLLMThreshold)) > 0
}

func kindsBelow(result PageExtractionResult, threshold float64) []crawler.RecordKind {
	var out []crawler.RecordKind
	for _, kind := range crawler.RecordKinds {
		r := result.For(kind)
		if r.Coverage < threshold && r.Method != crawler.MethodLLMFallback {
			out = append(out, kind)
		}
	}
	return out
}

// Engine runs the extraction cascade.
type Engine struct {
	opts   Options
	llm    crawler.LLM
	logger *zap.Logger
}

// New builds an Engine. llm may be nil, which disables the fallback stage.
func New(opts Options, llm crawler.LLM, logger *zap.Logger) *Engine {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.LLMThreshold <= 0 {
		opts.LLMThreshold = DefaultLLMThreshold
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = DefaultLLMTimeout
	}
	if opts.ExcerptBytes <= 0 {
		opts.ExcerptBytes = DefaultExcerptBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{opts: opts, llm: llm, logger: logger}
}

// Extract runs every stage over page and the classified API candidates.
// It never fails: stage errors land in the result's Errors.
func (e *Engine) Extract(
	ctx context.Context,
	page crawler.PageContent,
	candidates []crawler.APICandidate,
	rules crawler.SiteRules,
) PageExtractionResult {
	var result PageExtractionResult
	base, _ := url.Parse(page.URL)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		// x/net/html recovers from nearly anything, so this is a reader failure.
		result.Errors = append(result.Errors, fmt.Errorf("%w: parse html: %w", crawler.ErrExtraction, err))
		doc = nil
	}

	html := map[crawler.RecordKind]*merger{}
	for _, kind := range crawler.RecordKinds {
		html[kind] = newMerger()
	}

	if doc != nil {
		for _, rec := range structuredRecords(doc, base) {
			html[rec.Kind].add(rec)
		}
		e.applyPageMeta(readPageMeta(doc), html[crawler.KindProduct], base)
		for _, kind := range crawler.RecordKinds {
			for _, rec := range ruleRecords(doc, kind, rules.Rule(kind), base) {
				html[kind].add(rec)
			}
		}
		for _, rec := range e.inlineRecords(doc, page, base) {
			html[rec.Kind].add(rec)
		}
		result.DiscoveredLinks = discoverLinks(doc, rules.LinkSelectors, base)
	}

	api := e.apiRecords(candidates, base)
	for _, kind := range crawler.RecordKinds {
		m := html[kind]
		if fromAPI := api[kind]; fromAPI != nil && len(fromAPI.records) > 0 {
			for _, rec := range m.records {
				fromAPI.fill(rec)
			}
			m = fromAPI
			m.method = crawler.MethodAPI
		}
		*result.For(kind) = m.result()
	}

	if doc != nil {
		e.fallback(ctx, page, doc, base, &result)
	}

	for _, kind := range crawler.RecordKinds {
		r := result.For(kind)
		if !r.Empty() {
			metrics.ObserveExtraction(string(kind), string(r.Method), r.Coverage)
		}
	}
	if result.Empty() {
		result.Errors = append(result.Errors, fmt.Errorf("%w: %s", crawler.ErrExtraction, page.URL))
	}
	return result
}

// applyPageMeta fills the sole product record, or the one matching og:title,
// and yields a product when the page declares itself one.
func (e *Engine) applyPageMeta(pm pageMeta, products *merger, base *url.URL) {
	rec := pm.record(base)
	if rec.Key() == "" {
		return
	}
	if len(products.records) == 1 {
		products.records[0].FillFrom(rec)
		products.touch(crawler.MethodPageMetadata)
		return
	}
	if i, ok := products.index[rec.Key()]; ok {
		products.records[i].FillFrom(rec)
		return
	}
	if pm.declaresProduct() && len(products.records) == 0 {
		products.add(rec)
	}
}

// inlineRecords walks application/json script blocks. Matches are attributed
// to site rules since they come from the page markup.
func (e *Engine) inlineRecords(doc *goquery.Document, page crawler.PageContent, base *url.URL) []crawler.ExtractedRecord {
	kind := crawler.KindProduct
	if page.Category == crawler.CategoryOffers {
		kind = crawler.KindOffer
	}
	var out []crawler.ExtractedRecord
	doc.Find(`script[type="application/json"]`).Each(func(i int, s *goquery.Selection) {
		var root any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &root); err != nil {
			e.logger.Debug("skipping inline json", zap.Int("index", i), zap.Error(err))
			return
		}
		out = append(out, Walk(root, WalkOptions{
			MaxDepth: e.opts.MaxDepth,
			Kind:     kind,
			Method:   crawler.MethodSiteRules,
			Base:     base,
		})...)
	})
	return out
}

// apiRecords walks every candidate body independently and merges the matches.
func (e *Engine) apiRecords(candidates []crawler.APICandidate, base *url.URL) map[crawler.RecordKind]*merger {
	out := make(map[crawler.RecordKind]*merger)
	for _, c := range candidates {
		if strings.TrimSpace(c.Body) == "" {
			continue
		}
		var root any
		if err := json.Unmarshal([]byte(c.Body), &root); err != nil {
			e.logger.Debug("skipping api candidate", zap.String("url", c.URL), zap.Error(err))
			continue
		}
		kind := crawler.KindProduct
		if c.DataType == crawler.DataTypeOffers {
			kind = crawler.KindOffer
		}
		for _, rec := range Walk(root, WalkOptions{MaxDepth: e.opts.MaxDepth, Kind: kind, Method: crawler.MethodAPI, Base: base}) {
			m, ok := out[rec.Kind]
			if !ok {
				m = newMerger()
				out[rec.Kind] = m
			}
			m.add(rec)
		}
	}
	return out
}

func (e *Engine) fallback(ctx context.Context, page crawler.PageContent, doc *goquery.Document, base *url.URL, result *PageExtractionResult) {
	kinds := kindsBelow(*result, e.opts.LLMThreshold)
	if e.llm == nil || len(kinds) == 0 {
		return
	}
	logger := e.logger.With(zap.String("url", page.URL))
	prompt := buildPrompt(page, kinds, pageExcerpt(doc, e.opts.ExcerptBytes))

	llmCtx, cancel := context.WithTimeout(ctx, e.opts.LLMTimeout)
	defer cancel()
	raw, err := e.llm.Complete(llmCtx, prompt)
	if err != nil {
		metrics.ObserveLLMFallback("error")
		logger.Warn("llm fallback failed", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Errorf("%w: %w", crawler.ErrLLMFallback, err))
		return
	}
	parsed, err := parseLLMResponse(raw, kinds, base)
	if err != nil {
		metrics.ObserveLLMFallback("invalid")
		logger.Warn("llm fallback returned unusable json", zap.Error(err))
		result.Errors = append(result.Errors, err)
		return
	}
	metrics.ObserveLLMFallback("ok")

	for _, kind := range kinds {
		r := result.For(kind)
		m := mergerFrom(r.Records)
		for _, rec := range parsed[kind] {
			m.add(rec)
		}
		m.method = crawler.MethodLLMFallback
		*r = m.result()
	}
}

// merger dedups records of one kind by title key. Later contributions only
// fill gaps.
type merger struct {
	records []crawler.ExtractedRecord
	index   map[string]int
	method  crawler.ExtractionMethod
}

func newMerger() *merger {
	return &merger{index: make(map[string]int)}
}

func mergerFrom(records []crawler.ExtractedRecord) *merger {
	m := newMerger()
	for _, rec := range records {
		m.add(rec)
	}
	return m
}

// add appends rec, or fills the existing record with the same key.
func (m *merger) add(rec crawler.ExtractedRecord) {
	key := rec.Key()
	if key == "" {
		return
	}
	if i, ok := m.index[key]; ok {
		m.records[i].FillFrom(rec)
		return
	}
	m.index[key] = len(m.records)
	m.records = append(m.records, rec.Clone())
	m.touch(rec.Method)
}

// fill only updates an existing record; unmatched records are dropped.
func (m *merger) fill(rec crawler.ExtractedRecord) {
	if i, ok := m.index[rec.Key()]; ok {
		m.records[i].FillFrom(rec)
	}
}

func (m *merger) touch(method crawler.ExtractionMethod) {
	if m.method == "" {
		m.method = method
	}
}

func (m *merger) result() ExtractionResult {
	records := make([]crawler.ExtractedRecord, len(m.records))
	for i, rec := range m.records {
		rec.Coverage = Coverage(rec)
		records[i] = rec
	}
	if len(records) == 0 {
		return ExtractionResult{Method: m.method}
	}
	return ExtractionResult{
		Records:    records,
		Confidence: Confidence(records),
		Method:     m.method,
		Coverage:   MeanCoverage(records),
	}
}

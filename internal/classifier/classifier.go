// Package classifier scores the network exchanges captured during a render as
// candidate structured-data endpoints and labels what kind of data each one
// appears to serve.
package classifier

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/oem-monitor/internal/crawler"
)

// Result is the outcome of classifying one render's exchanges.
type Result struct {
	// Candidates are ranked by descending confidence.
	Candidates []crawler.APICandidate
	// Errors holds one ErrClassification-wrapped error per malformed body.
	Errors []error
	// Skipped counts exchanges dropped by status, denylist, or asset filters.
	Skipped int
}

// Classifier applies a Config to captured exchanges. It is safe for concurrent use.
type Classifier struct {
	cfg       Config
	deny      *domainMatcher
	allow     *domainMatcher
	trusted   []*regexp.Regexp
	dataURLs  []*regexp.Regexp
	apiPaths  []*regexp.Regexp
	collKeys  map[string]struct{}
	scoring   []Rule
	logger    *zap.Logger
	keywordsL map[crawler.DataType][]string
	// tracking holds each tracking keyword split into URL tokens.
	tracking [][]string
}

type exchangeFacts struct {
	rawURL        string
	lowerURL      string
	host          string
	tokens        []string
	body          string
	size          int64
	isJSON        bool
	parsed        any
	looksLikeData bool
}

// New compiles cfg into a Classifier.
func New(cfg Config, logger *zap.Logger) (*Classifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		cfg:       cfg,
		deny:      newDomainMatcher(cfg.DenyDomains),
		allow:     newDomainMatcher(cfg.AllowDomains),
		collKeys:  make(map[string]struct{}, len(cfg.CollectionKeys)),
		logger:    logger,
		keywordsL: make(map[crawler.DataType][]string, len(cfg.DataTypeKeywords)),
	}
	var err error
	if c.trusted, err = compileAll(cfg.TrustedEndpoints); err != nil {
		return nil, fmt.Errorf("trusted endpoints: %w", err)
	}
	if c.dataURLs, err = compileAll(cfg.DataEndpoints); err != nil {
		return nil, fmt.Errorf("data endpoints: %w", err)
	}
	if c.apiPaths, err = compileAll(cfg.APIPaths); err != nil {
		return nil, fmt.Errorf("api paths: %w", err)
	}
	for _, key := range cfg.CollectionKeys {
		if key = strings.ToLower(strings.TrimSpace(key)); key != "" {
			c.collKeys[key] = struct{}{}
		}
	}
	for dataType, words := range cfg.DataTypeKeywords {
		lowered := make([]string, 0, len(words))
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				lowered = append(lowered, w)
			}
		}
		c.keywordsL[dataType] = lowered
	}
	for _, w := range cfg.TrackingKeywords {
		if tokens := urlTokens(w); len(tokens) > 0 {
			c.tracking = append(c.tracking, tokens)
		}
	}
	c.scoring = c.rules()
	return c, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Rules exposes the scoring rules for inspection.
func (c *Classifier) Rules() []Rule {
	return c.scoring
}

// Threshold returns the discovery threshold.
func (c *Classifier) Threshold() float64 {
	return c.cfg.DiscoveryThreshold
}

// Classify scores every exchange and returns the ranked candidates.
func (c *Classifier) Classify(exchanges []crawler.NetworkExchange) Result {
	var res Result
	for _, ex := range exchanges {
		candidate, ok, err := c.classifyOne(ex)
		if err != nil {
			res.Errors = append(res.Errors, err)
			c.logger.Debug("exchange body unparseable",
				zap.String("url", ex.URL),
				zap.String("content_type", ex.ContentType),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			res.Skipped++
			continue
		}
		res.Candidates = append(res.Candidates, candidate)
	}
	sort.SliceStable(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].Confidence > res.Candidates[j].Confidence
	})
	return res
}

// Discovered keeps candidates at or above the discovery threshold, preserving order.
func (c *Classifier) Discovered(candidates []crawler.APICandidate) []crawler.APICandidate {
	var out []crawler.APICandidate
	for _, candidate := range candidates {
		if candidate.Confidence >= c.cfg.DiscoveryThreshold {
			out = append(out, candidate)
		}
	}
	return out
}

func (c *Classifier) classifyOne(ex crawler.NetworkExchange) (crawler.APICandidate, bool, error) {
	if ex.StatusCode < 200 || ex.StatusCode > 299 {
		return crawler.APICandidate{}, false, nil
	}
	u, err := url.Parse(ex.URL)
	if err != nil {
		return crawler.APICandidate{}, false, nil
	}
	host := strings.ToLower(u.Hostname())
	if c.deny.Matches(host) || c.isStaticAsset(u.Path) {
		return crawler.APICandidate{}, false, nil
	}

	facts := &exchangeFacts{
		rawURL:   ex.URL,
		lowerURL: strings.ToLower(ex.URL),
		host:     host,
		tokens:   urlTokens(host + "/" + u.Path),
		isJSON:   isJSONContentType(ex.ContentType),
		size:     ex.BodySizeBytes,
	}
	if ex.BodyText != nil {
		facts.body = *ex.BodyText
		if facts.size <= 0 {
			facts.size = int64(len(facts.body))
		}
	}
	if trimmed := strings.TrimSpace(facts.body); trimmed != "" && (facts.isJSON || looksLikeJSON(trimmed)) {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			if facts.isJSON {
				return crawler.APICandidate{}, false, fmt.Errorf("%w: %s: %w", crawler.ErrClassification, ex.URL, err)
			}
		} else {
			facts.parsed = parsed
		}
	}
	facts.looksLikeData = c.looksLikeData(facts)

	confidence, _ := score(c.scoring, facts)
	return crawler.APICandidate{
		URL:              ex.URL,
		Method:           ex.Method,
		IsJSON:           facts.isJSON,
		LooksLikeDataAPI: facts.looksLikeData,
		DataType:         c.dataType(facts),
		Confidence:       confidence,
		Body:             facts.body,
	}, true, nil
}

func (c *Classifier) isStaticAsset(p string) bool {
	p = strings.ToLower(p)
	for _, suffix := range c.cfg.StaticSuffixes {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

func (c *Classifier) looksLikeData(ex *exchangeFacts) bool {
	switch v := ex.parsed.(type) {
	case []any:
		if isArrayOfObjects(v) {
			return true
		}
	case map[string]any:
		for key, val := range v {
			if _, ok := c.collKeys[strings.ToLower(key)]; !ok {
				continue
			}
			switch val.(type) {
			case []any, map[string]any:
				return true
			}
		}
	}
	return matchAny(c.dataURLs, ex.rawURL)
}

func (c *Classifier) dataType(ex *exchangeFacts) crawler.DataType {
	if !ex.isJSON && ex.body == "" && !ex.looksLikeData {
		return crawler.DataTypeNone
	}
	for _, dt := range dataTypeOrder {
		if containsAny(ex.lowerURL, c.keywordsL[dt]) {
			return dt
		}
	}
	if ex.body != "" {
		lowerBody := strings.ToLower(ex.body)
		for _, dt := range dataTypeOrder {
			if containsAny(lowerBody, c.keywordsL[dt]) {
				return dt
			}
		}
	}
	return crawler.DataTypeOther
}

func isArrayOfObjects(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if _, ok := item.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func isJSONContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	return ct == "application/json" || ct == "text/json" || strings.HasSuffix(ct, "+json")
}

func looksLikeJSON(s string) bool {
	return s[0] == '{' || s[0] == '['
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// urlTokens lowercases s and splits it on every non-alphanumeric rune, so
// "/g/collect" yields [g collect] while "/collections" stays one token.
func urlTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsRun reports whether any keyword's tokens appear as a contiguous run
// of tokens.
func containsRun(tokens []string, keywords [][]string) bool {
	for _, kw := range keywords {
		for i := 0; i+len(kw) <= len(tokens); i++ {
			if slices.Equal(tokens[i:i+len(kw)], kw) {
				return true
			}
		}
	}
	return false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(s, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

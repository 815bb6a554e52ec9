package classifier

// Rule is one additive term of the confidence score.
type Rule struct {
	Name   string
	Weight float64
	Match  func(ex *exchangeFacts) bool
}

// rules returns the scoring rules in evaluation order.
func (c *Classifier) rules() []Rule {
	return []Rule{
		{Name: "json_content_type", Weight: 0.3, Match: func(ex *exchangeFacts) bool { return ex.isJSON }},
		{Name: "data_api_shape", Weight: 0.4, Match: func(ex *exchangeFacts) bool { return ex.looksLikeData }},
		{Name: "api_path", Weight: 0.2, Match: func(ex *exchangeFacts) bool { return matchAny(c.apiPaths, ex.rawURL) }},
		{Name: "trusted_source", Weight: 0.5, Match: func(ex *exchangeFacts) bool {
			return c.allow.Matches(ex.host) || matchAny(c.trusted, ex.rawURL)
		}},
		{Name: "body_over_small", Weight: 0.1, Match: func(ex *exchangeFacts) bool {
			return c.cfg.SmallBodyBytes > 0 && ex.size > c.cfg.SmallBodyBytes
		}},
		{Name: "body_over_large", Weight: 0.1, Match: func(ex *exchangeFacts) bool {
			return c.cfg.LargeBodyBytes > 0 && ex.size > c.cfg.LargeBodyBytes
		}},
		{Name: "tracking_keyword", Weight: -0.3, Match: func(ex *exchangeFacts) bool {
			return containsRun(ex.tokens, c.tracking)
		}},
	}
}

// score sums matching rule weights and clamps to [0,1].
func score(rules []Rule, ex *exchangeFacts) (float64, []string) {
	var total float64
	var matched []string
	for _, rule := range rules {
		if rule.Match(ex) {
			total += rule.Weight
			matched = append(matched, rule.Name)
		}
	}
	switch {
	case total < 0:
		total = 0
	case total > 1:
		total = 1
	}
	return total, matched
}

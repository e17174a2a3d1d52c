// Package enricher attaches taxonomy and metadata to each normalized
// tick (spec §4.3): a two-tier cache lookup (internal/cache), a
// priority-ordered classification rule set, and the MISSING_METADATA
// failure path. No direct teacher analogue exists for rule-based
// classification; the rule-evaluation shape (ordered rules, first
// match wins, deterministic tie-break) is modeled on the teacher's
// LP-routing priority tables in spirit (out of scope itself) and
// built fresh against spec §4.3's exact tie-break rule.
package enricher

import (
	"regexp"
	"sort"
)

// Rule maps a keyword/regex pattern against one field to a
// classification tag plus priority and confidence weight.
type Rule struct {
	Field      string // "instrument_id", "source_id", or a metadata key
	Pattern    *regexp.Regexp
	Commodity  string
	Region     string
	ProductTier string
	Priority   int
	Weight     float64
}

// RuleSet evaluates Rules in priority order (higher first); the first
// match wins per dimension, and ties at equal priority resolve to the
// lexicographically smallest tag, per spec §4.3.
type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules []Rule) *RuleSet {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return tagKey(sorted[i]) < tagKey(sorted[j])
	})
	return &RuleSet{rules: sorted}
}

func tagKey(r Rule) string { return r.Commodity + "|" + r.Region + "|" + r.ProductTier }

// Classification is the per-dimension result of evaluating a RuleSet
// against a tick's fields.
type Classification struct {
	Commodity   string
	Region      string
	ProductTier string
	Confidence  float64
}

// fieldValues is the set of values a rule may match against, keyed by
// Rule.Field.
type fieldValues map[string]string

// Classify evaluates rules in priority order against values, taking
// the first match for each of commodity/region/product_tier
// independently (a rule can match and contribute to more than one
// dimension), and computes confidence as the minimum of the
// per-dimension matched weights — per spec §4.3's "take the minimum"
// rule for partial matches.
func (rs *RuleSet) Classify(values fieldValues) Classification {
	var commodity, region, productTier string
	var commodityW, regionW, productW float64
	commodityFound, regionFound, productFound := false, false, false

	for _, rule := range rs.rules {
		value, ok := values[rule.Field]
		if !ok || !rule.Pattern.MatchString(value) {
			continue
		}
		if rule.Commodity != "" && !commodityFound {
			commodity, commodityW, commodityFound = rule.Commodity, rule.Weight, true
		}
		if rule.Region != "" && !regionFound {
			region, regionW, regionFound = rule.Region, rule.Weight, true
		}
		if rule.ProductTier != "" && !productFound {
			productTier, productW, productFound = rule.ProductTier, rule.Weight, true
		}
		if commodityFound && regionFound && productFound {
			break
		}
	}

	confidence := 1.0
	matched := false
	for _, w := range []struct {
		found bool
		value float64
	}{{commodityFound, commodityW}, {regionFound, regionW}, {productFound, productW}} {
		if w.found {
			matched = true
			if w.value < confidence {
				confidence = w.value
			}
		}
	}
	if !matched {
		confidence = 0
	}

	return Classification{Commodity: commodity, Region: region, ProductTier: productTier, Confidence: confidence}
}

package enricher

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ruleDocument is the on-disk shape of a classification rule set
// (the --rules file loaded by cmd/enricher): a flat list, evaluated
// in priority order by RuleSet per spec §4.3.
type ruleDocument struct {
	Rules []struct {
		Field       string  `yaml:"field"`
		Pattern     string  `yaml:"pattern"`
		Commodity   string  `yaml:"commodity"`
		Region      string  `yaml:"region"`
		ProductTier string  `yaml:"product_tier"`
		Priority    int     `yaml:"priority"`
		Weight      float64 `yaml:"weight"`
	} `yaml:"rules"`
}

// ParseRulesYAML decodes a rule document and compiles each pattern,
// so a malformed regex fails fast at startup (spec §7's
// configuration/invariant violations are fatal before the run loop
// starts) rather than on the first matching tick.
func ParseRulesYAML(data []byte) ([]Rule, error) {
	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing rules document: %w", err)
	}

	out := make([]Rule, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d: compiling pattern %q: %w", i, r.Pattern, err)
		}
		out = append(out, Rule{
			Field:       r.Field,
			Pattern:     pattern,
			Commodity:   r.Commodity,
			Region:      r.Region,
			ProductTier: r.ProductTier,
			Priority:    r.Priority,
			Weight:      r.Weight,
		})
	}
	return out, nil
}

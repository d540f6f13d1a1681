// Package classifier assigns incident categories to raw log lines using an
// ordered list of regular expressions. The first rule that matches wins.
package classifier

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/supporttools/log-sentinel/pkg/types"
)

const maxRegexLength = 1000

// dangerousPatterns detect nested quantifiers such as (a+)+ that are
// rejected even though RE2 cannot backtrack.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\(\.\*\)\+`),
	regexp.MustCompile(`\(\.\+\)\+`),
	regexp.MustCompile(`\(\.\*\)\*`),
	regexp.MustCompile(`\(\.\+\)\*`),
	regexp.MustCompile(`\([^)]*\+\)\+`),
	regexp.MustCompile(`\([^)]*\*\)\+`),
}

// Rule is one compiled classification rule.
type Rule struct {
	ID          string
	Category    types.Category
	Pattern     string
	Description string

	re *regexp.Regexp
}

// Classifier holds the ordered rule set. It has no mutable state and is
// safe for concurrent use.
type Classifier struct {
	rules []*Rule
}

// New compiles configured rules, followed by the defaults when useDefaults
// is set.
func New(configured []types.RuleConfig, useDefaults bool) (*Classifier, error) {
	merged := MergeWithDefaults(configured, useDefaults)
	if len(merged) == 0 {
		return nil, fmt.Errorf("no classification rules configured")
	}

	c := &Classifier{rules: make([]*Rule, 0, len(merged))}
	for _, rc := range merged {
		rule, err := compileRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
		}
		c.rules = append(c.rules, rule)
	}
	return c, nil
}

func compileRule(rc types.RuleConfig) (*Rule, error) {
	if rc.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if rc.Category == "" {
		return nil, fmt.Errorf("category is required")
	}
	if err := validateRegexSafety(rc.Pattern); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(rc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return &Rule{
		ID:          rc.ID,
		Category:    types.Category(strings.ToUpper(rc.Category)),
		Pattern:     rc.Pattern,
		Description: rc.Description,
		re:          re,
	}, nil
}

func validateRegexSafety(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	if len(pattern) > maxRegexLength {
		return fmt.Errorf("regex pattern exceeds maximum length of %d characters", maxRegexLength)
	}
	for _, dangerous := range dangerousPatterns {
		if dangerous.MatchString(pattern) {
			return fmt.Errorf("regex pattern contains nested quantifiers")
		}
	}
	return nil
}

// Rules returns the rules in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = *r
	}
	return out
}

// Match returns the first rule matching line and its named captures, or nil.
func (c *Classifier) Match(line string) (*Rule, map[string]string) {
	for _, rule := range c.rules {
		m := rule.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var fields map[string]string
		for i, name := range rule.re.SubexpNames() {
			if name == "" || i >= len(m) || m[i] == "" {
				continue
			}
			if fields == nil {
				fields = make(map[string]string)
			}
			fields[name] = m[i]
		}
		return rule, fields
	}
	return nil, nil
}

// Classify turns a line read from src at offset into an Event, or returns
// nil when no rule matches. Unmatched lines are expected and are not errors.
// detectedAt is supplied by the caller so that Classify stays deterministic.
func (c *Classifier) Classify(src types.LogSource, offset int64, line string, detectedAt time.Time) *types.Event {
	rule, fields := c.Match(line)
	if rule == nil {
		return nil
	}
	return &types.Event{
		DedupKey:  types.DedupKey(src.ID, offset, line),
		Timestamp: detectedAt.UTC(),
		SourceID:  src.ID,
		Host:      src.Host,
		Path:      src.Path,
		Category:  rule.Category,
		RuleID:    rule.ID,
		RawLine:   line,
		Offset:    offset,
		Fields:    fields,
	}
}

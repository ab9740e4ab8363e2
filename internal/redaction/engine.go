// -----------------------------------------------------------------------
// Redaction - Trigger-gated regex masking for statement code in logs
// -----------------------------------------------------------------------

package redaction

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Rule masks sensitive fragments of a string. The regex substitution runs
// only when the trigger substring is present in the input; an empty trigger
// applies the rule to every input.
type Rule struct {
	Trigger string
	Pattern string
	Mask    string

	regex *regexp.Regexp
}

// NewRule compiles a redaction rule. An invalid pattern is a construction
// error so bad rules surface at startup, not on first use.
func NewRule(trigger, pattern, mask string) (*Rule, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("redaction rule pattern %q: %w", pattern, err)
	}

	return &Rule{
		Trigger: trigger,
		Pattern: pattern,
		Mask:    mask,
		regex:   regex,
	}, nil
}

// Redact applies the rule to s. Inputs that do not contain the trigger are
// returned unchanged.
func (r *Rule) Redact(s string) string {
	if r.Trigger != "" && !strings.Contains(s, r.Trigger) {
		return s
	}
	return r.regex.ReplaceAllString(s, r.Mask)
}

// ParseRule parses a single rule in the form:
//
//	[TRIGGER]::[REGEX]::[MASK]
//
// Fewer than three fields is an error. The mask may itself contain "::".
func ParseRule(s string) (*Rule, error) {
	parts := strings.SplitN(s, "::", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("redaction rule %q: want trigger::regex::mask", s)
	}
	return NewRule(parts[0], parts[1], parts[2])
}

// ParsePolicy parses a "||"-separated list of rule strings.
func ParsePolicy(policy string) ([]*Rule, error) {
	var rules []*Rule
	for _, part := range strings.Split(policy, "||") {
		rule, err := ParseRule(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Engine applies an ordered list of redaction rules. Rules are added while
// the application boots; Redact is read-only after that and safe for
// concurrent use.
type Engine struct {
	rules []*Rule
}

// NewEngine creates an engine with the given rules
func NewEngine(rules ...*Rule) *Engine {
	return &Engine{rules: rules}
}

// AddRule appends a rule to the engine
func (e *Engine) AddRule(rule *Rule) {
	e.rules = append(e.rules, rule)
}

// AddRulesFromPolicy parses a "||"-separated policy string and appends its
// rules to the engine.
func (e *Engine) AddRulesFromPolicy(policy string) error {
	rules, err := ParsePolicy(policy)
	if err != nil {
		return err
	}
	e.rules = append(e.rules, rules...)
	return nil
}

// AddRulesFromFile reads one rule per line from path and appends them to
// the engine. Blank lines and lines starting with '#' are skipped.
func (e *Engine) AddRulesFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("redaction rules file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rule, err := ParseRule(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		e.rules = append(e.rules, rule)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("redaction rules file: %w", err)
	}
	return nil
}

// Redact applies every rule in order. Unredacted input is returned as-is.
func (e *Engine) Redact(s string) string {
	for _, rule := range e.rules {
		s = rule.Redact(s)
	}
	return s
}

// Enabled reports whether the engine holds any rules
func (e *Engine) Enabled() bool {
	return len(e.rules) > 0
}

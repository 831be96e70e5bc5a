package governor

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/runforge/runforge/pkg/engine"
)

// Rule is one governance rule expressed in Rego. A rule contributes to the
// decision through two rulesets: `deny` rejects the step outright and
// `require_approval` escalates it to a human.
type Rule struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Rego        string `json:"rego" yaml:"rego"`
}

// RuleInput is the document policy rules evaluate against.
type RuleInput struct {
	Step   *engine.StepSpec `json:"step"`
	Budget BudgetUsage      `json:"budget"`
}

// RuleMatch is one reason produced by a ruleset.
type RuleMatch struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// RuleOutcome aggregates matches across every enabled rule.
type RuleOutcome struct {
	Deny            []RuleMatch
	RequireApproval []RuleMatch
}

// compiledRule pairs a rule with its prepared query.
type compiledRule struct {
	rule     Rule
	query    rego.PreparedEvalQuery
	pkg      string
	compiled time.Time
}

// RuleEngine compiles and evaluates Rego governance rules. Rules are
// prepared once at load time and evaluated per step.
type RuleEngine struct {
	mu     sync.RWMutex
	rules  map[string]*compiledRule
	logger zerolog.Logger
}

// NewRuleEngine creates a rule engine preloaded with the builtin rules.
func NewRuleEngine(logger zerolog.Logger) (*RuleEngine, error) {
	e := &RuleEngine{
		rules:  make(map[string]*compiledRule),
		logger: logger.With().Str("component", "rule-engine").Logger(),
	}
	for _, rule := range BuiltinRules() {
		if err := e.Add(context.Background(), rule); err != nil {
			return nil, fmt.Errorf("failed to load builtin rule %s: %w", rule.Name, err)
		}
	}
	return e, nil
}

var packageRe = regexp.MustCompile(`(?m)^package\s+([\w.]+)`)

// extractPackage pulls the package path out of a Rego module source.
func extractPackage(src string) (string, error) {
	m := packageRe.FindStringSubmatch(src)
	if m == nil {
		return "", fmt.Errorf("rego module has no package declaration")
	}
	return m[1], nil
}

// Add compiles a rule and stores it, replacing any rule of the same name.
func (e *RuleEngine) Add(ctx context.Context, rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	pkg, err := extractPackage(rule.Rego)
	if err != nil {
		return fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	if _, err := ast.ParseModule(rule.Name, rule.Rego); err != nil {
		return fmt.Errorf("failed to parse rule %s: %w", rule.Name, err)
	}

	query, err := rego.New(
		rego.Module(rule.Name, rule.Rego),
		rego.Query(fmt.Sprintf("data.%s", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare rule %s: %w", rule.Name, err)
	}

	e.mu.Lock()
	e.rules[rule.Name] = &compiledRule{
		rule:     rule,
		query:    query,
		pkg:      pkg,
		compiled: time.Now(),
	}
	e.mu.Unlock()

	e.logger.Debug().Str("rule", rule.Name).Str("package", pkg).Msg("rule compiled")
	return nil
}

// Remove drops a rule by name.
func (e *RuleEngine) Remove(name string) {
	e.mu.Lock()
	delete(e.rules, name)
	e.mu.Unlock()
}

// Names returns the loaded rule names.
func (e *RuleEngine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	return names
}

// Evaluate runs every enabled rule against the input and aggregates deny
// and require_approval matches. A rule that fails to evaluate is logged and
// skipped rather than failing the run.
func (e *RuleEngine) Evaluate(ctx context.Context, input RuleInput) (*RuleOutcome, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	outcome := &RuleOutcome{}
	for _, cr := range e.rules {
		if !cr.rule.Enabled {
			continue
		}

		results, err := cr.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Error().Err(err).Str("rule", cr.rule.Name).Msg("rule evaluation failed")
			continue
		}

		for _, result := range results {
			for _, expr := range result.Expressions {
				doc, ok := expr.Value.(map[string]interface{})
				if !ok {
					continue
				}
				outcome.Deny = append(outcome.Deny, matches(cr.rule.Name, doc["deny"])...)
				outcome.RequireApproval = append(outcome.RequireApproval, matches(cr.rule.Name, doc["require_approval"])...)
			}
		}
	}
	return outcome, nil
}

// matches converts a Rego ruleset value into RuleMatch entries. Set elements
// may be plain strings or objects with a message field.
func matches(ruleName string, value interface{}) []RuleMatch {
	set, ok := value.([]interface{})
	if !ok {
		return nil
	}
	out := make([]RuleMatch, 0, len(set))
	for _, elem := range set {
		switch v := elem.(type) {
		case string:
			out = append(out, RuleMatch{Rule: ruleName, Message: v})
		case map[string]interface{}:
			msg, _ := v["message"].(string)
			out = append(out, RuleMatch{Rule: ruleName, Message: msg})
		}
	}
	return out
}

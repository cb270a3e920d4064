package router

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// quickMatch evaluates the deterministic rule table against a message.
// It is a pure function of its inputs: no I/O, no state, no side
// effects. Returns nil when no rule matches.
func quickMatch(rules []Rule, rctx RoutingContext) *ExecutionPlan {
	content := strings.TrimSpace(rctx.Content)
	lowered := strings.ToLower(content)

	for _, r := range rules {
		if !ruleMatches(r, content, lowered) {
			continue
		}
		plan := planFromRule(r)
		if plan == nil {
			continue // malformed rule action, skip rather than guess
		}
		return plan
	}
	return nil
}

func ruleMatches(r Rule, content, lowered string) bool {
	pattern := strings.ToLower(r.Pattern)
	switch r.Match {
	case "exact":
		return lowered == pattern
	case "prefix":
		return strings.HasPrefix(lowered, pattern)
	case "contains":
		return strings.Contains(lowered, pattern)
	case "regex":
		re, err := compileRule(r.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(content)
	default:
		return false
	}
}

func planFromRule(r Rule) *ExecutionPlan {
	reason := r.Reason
	if reason == "" {
		reason = fmt.Sprintf("matched rule %q", r.Pattern)
	}

	plan := &ExecutionPlan{Reason: reason, Method: DecisionQuickMatch}
	switch r.Action {
	case "ignore":
		plan.Kind = PlanIgnore
	case "react":
		plan.Kind = PlanReact
		plan.Emoji = r.Emoji
		if plan.Emoji == "" {
			plan.Emoji = "👍"
		}
	case "clarify":
		plan.Kind = PlanClarify
		plan.Question = r.Question
	case "respond":
		plan.Kind = PlanRespond
		plan.ToolSets = r.ToolSets
	default:
		return nil
	}
	return plan
}

// ruleRegexps memoizes compiled rule patterns; the table is small and
// static after config load.
var (
	ruleRegexpsMu sync.Mutex
	ruleRegexps   = make(map[string]*regexp.Regexp)
)

func compileRule(pattern string) (*regexp.Regexp, error) {
	ruleRegexpsMu.Lock()
	defer ruleRegexpsMu.Unlock()

	if re, ok := ruleRegexps[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	ruleRegexps[pattern] = re
	return re, nil
}

// Package intent turns free-form operator input into a structured action.
package intent

import (
	"context"
	"regexp"
	"strings"

	"foundry/internal/domain"
)

// Intent is a structured action extracted from input.
type Intent struct {
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	Missing []string       `json:"missing,omitempty"`
}

// Result is what an Interpreter returns. Intent is nil when the input could
// not be understood; Clarification then says what to ask the operator.
type Result struct {
	Intent        *Intent `json:"intent,omitempty"`
	Clarification string  `json:"clarification,omitempty"`
	Raw           string  `json:"raw"`
}

// Interpreter maps input to an intent. Implementations may call out to a
// language model; the orchestrator only relies on this contract.
type Interpreter interface {
	Interpret(ctx context.Context, input string, sctx *domain.StateContext) (Result, error)
}

// InterpreterFunc adapts a function to Interpreter.
type InterpreterFunc func(ctx context.Context, input string, sctx *domain.StateContext) (Result, error)

func (f InterpreterFunc) Interpret(ctx context.Context, input string, sctx *domain.StateContext) (Result, error) {
	return f(ctx, input, sctx)
}

// Rule maps a pattern to an action.
type Rule struct {
	Pattern *regexp.Regexp
	Action  string
}

// Keyword is a rule-based Interpreter. The first matching rule wins.
type Keyword struct {
	Rules []Rule
}

var _ Interpreter = (*Keyword)(nil)

var defaultRules = []struct{ pattern, action string }{
	{`\b(start|kick ?off|init(iali[sz]e)?) (the |a |new )?project\b`, "init_project"},
	{`\b(abort|cancel|abandon)\b`, "abort"},
	{`\b(pause|hold|suspend)\b`, "pause"},
	{`\b(resume|unpause|continue)\b`, "resume"},
	{`\bgates? (passed|green|ok)\b`, "gates_passed"},
	{`\bgates? (failed|red)\b`, "gates_failed"},
	{`\b(run|evaluate|check) (the )?(quality )?gates?\b`, "run_gates"},
	{`\bapprove (the )?release\b|\bship it\b`, "approve_release"},
	{`\breject (the )?release\b`, "reject_release"},
	{`\b(request|prepare|cut) (a |the )?release\b`, "request_release"},
	{`\bcomplete (the )?remediation\b|\bfixes? (are )?done\b`, "complete_remediation"},
	{`\b(start|begin) (the )?remediation\b|\bfix (the )?(issues|findings)\b`, "start_remediation"},
	{`\b(start|enter|begin) (the )?feature loop\b`, "start_feature_loop"},
	{`\b(complete|finish) (the )?feature\b|\bfeature (is )?done\b`, "complete_feature"},
	{`\bapprove\b|\bsign(ed)? off\b|\blgtm\b`, "approve_phase"},
	{`\b(complete|finish|done with) (the )?task\b|\btask (is )?done\b`, "complete_task"},
	{`\b(next|start) (the )?(phase|feature)\b`, "start_phase"},
	{`\bstatus\b|\bwhere are we\b`, "show_status"},
}

// NewKeyword returns a Keyword interpreter with the built-in phrase rules.
func NewKeyword() *Keyword {
	rules := make([]Rule, 0, len(defaultRules))
	for _, r := range defaultRules {
		rules = append(rules, Rule{Pattern: regexp.MustCompile(`(?i)` + r.pattern), Action: r.action})
	}
	return &Keyword{Rules: rules}
}

func (k *Keyword) Interpret(_ context.Context, input string, sctx *domain.StateContext) (Result, error) {
	text := strings.TrimSpace(input)
	res := Result{Raw: input}
	if text == "" {
		res.Clarification = "What would you like to do?"
		return res, nil
	}
	for _, rule := range k.Rules {
		if rule.Pattern.MatchString(text) {
			res.Intent = &Intent{Action: rule.Action, Params: map[string]any{}}
			return res, nil
		}
	}
	res.Clarification = "I could not map that to an action"
	if sctx != nil {
		res.Clarification += " in phase " + string(sctx.CurrentPhase)
	}
	res.Clarification += ". Try e.g. \"run the gates\" or \"approve\"."
	return res, nil
}

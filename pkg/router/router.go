// Package router decomposes a goal into the ordered task descriptors a workflow executes.
package router

import (
	"context"
	"os"
	"strings"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrNoRoute is returned by a router that cannot decompose a goal.
var ErrNoRoute = errors.New("no route for goal")

// Step describes one task to create for a workflow.
type Step struct {
	Kind  models.TaskKind
	Name  string
	Input models.Value
}

// Router maps a goal to an ordered sequence of steps.
type Router interface {
	Route(ctx context.Context, goal string, wfContext models.Value) ([]Step, error)
}

// Func adapts a plain function to Router. It is the slot for smarter strategies.
type Func func(ctx context.Context, goal string, wfContext models.Value) ([]Step, error)

func (f Func) Route(ctx context.Context, goal string, wfContext models.Value) ([]Step, error) {
	return f(ctx, goal, wfContext)
}

// Rule routes goals containing Keyword to Tool. The goal is passed as Input[InputKey].
type Rule struct {
	Keyword  string          `yaml:"keyword"`
	Kind     models.TaskKind `yaml:"kind"`
	Tool     string          `yaml:"tool"`
	InputKey string          `yaml:"input_key"`
}

func (r Rule) step(goal string) Step {
	kind := r.Kind
	if kind == "" {
		kind = models.ToolCallTaskKind
	}
	key := r.InputKey
	if key == "" {
		key = "query"
	}
	return Step{Kind: kind, Name: r.Tool, Input: models.Object(map[string]any{key: goal})}
}

// DefaultRules sends goals mentioning search to the search_web tool.
var DefaultRules = []Rule{
	{Keyword: "search", Kind: models.ToolCallTaskKind, Tool: "search_web", InputKey: "query"},
}

// DefaultFallback is used when no rule matches.
var DefaultFallback = Rule{Kind: models.ReasoningTaskKind, Tool: "analyze_request", InputKey: "goal"}

// KeywordRouter is a deterministic router: every rule whose keyword occurs in the goal
// (case-insensitive) contributes one step, in rule order. A tool is used at most once.
// A goal matching no rule gets the fallback step.
type KeywordRouter struct {
	rules    []Rule
	fallback *Rule
}

// Option configures a KeywordRouter.
type Option func(*KeywordRouter)

// WithFallback replaces the default fallback rule.
func WithFallback(r Rule) Option {
	return func(k *KeywordRouter) { k.fallback = &r }
}

// WithoutFallback makes an unmatched goal fail with ErrNoRoute.
func WithoutFallback() Option {
	return func(k *KeywordRouter) { k.fallback = nil }
}

func NewKeywordRouter(rules []Rule, opts ...Option) *KeywordRouter {
	fb := DefaultFallback
	k := &KeywordRouter{rules: rules, fallback: &fb}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *KeywordRouter) Route(_ context.Context, goal string, _ models.Value) ([]Step, error) {
	lower := strings.ToLower(goal)
	seen := make(map[string]struct{})
	var steps []Step
	for _, rule := range k.rules {
		if rule.Keyword == "" || !strings.Contains(lower, strings.ToLower(rule.Keyword)) {
			continue
		}
		if _, ok := seen[rule.Tool]; ok {
			continue
		}
		seen[rule.Tool] = struct{}{}
		steps = append(steps, rule.step(goal))
	}
	if len(steps) > 0 {
		return steps, nil
	}
	if k.fallback == nil {
		return nil, errors.Wrapf(ErrNoRoute, "goal %q", goal)
	}
	return []Step{k.fallback.step(goal)}, nil
}

type rulesFile struct {
	Rules    []Rule `yaml:"rules"`
	Fallback *Rule  `yaml:"fallback"`
}

// LoadRules reads a YAML rule file:
//
//	rules:
//	  - keyword: search
//	    tool: search_web
//	    input_key: query
//	fallback:
//	  kind: REASONING
//	  tool: analyze_request
//	  input_key: goal
func LoadRules(path string) (*KeywordRouter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read router rules %s", path)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "failed to parse router rules %s", path)
	}
	for i, r := range f.Rules {
		if r.Tool == "" || r.Keyword == "" {
			return nil, errors.Errorf("router rule %d: keyword and tool are required", i)
		}
		if r.Kind != "" && !r.Kind.Valid() {
			return nil, errors.Errorf("router rule %d: unknown task kind %q", i, r.Kind)
		}
	}
	var opts []Option
	if f.Fallback != nil {
		if f.Fallback.Tool == "" {
			return nil, errors.New("router fallback: tool is required")
		}
		opts = append(opts, WithFallback(*f.Fallback))
	}
	return NewKeywordRouter(f.Rules, opts...), nil
}

// Fallback tries Primary and uses Secondary when it fails or returns no steps.
type Fallback struct {
	Primary   Router
	Secondary Router
}

func (f Fallback) Route(ctx context.Context, goal string, wfContext models.Value) ([]Step, error) {
	steps, err := f.Primary.Route(ctx, goal, wfContext)
	if err == nil && len(steps) > 0 {
		return steps, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return f.Secondary.Route(ctx, goal, wfContext)
}

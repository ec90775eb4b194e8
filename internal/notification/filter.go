package notification

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/shaharia-lab/pulse/internal/apperr"
	"github.com/shaharia-lab/pulse/internal/tagindex"
)

const celCostLimit = 10_000

// Source restricts a feed to events, alerts, or both.
type Source string

const (
	SourceAny    Source = "any"
	SourceEvents Source = "events"
	SourceAlerts Source = "alerts"
)

// Filter selects the items a feed receives. With no tags every item of the
// selected source matches. Expr is an optional CEL boolean expression over
// tags, payload, kind, id and correlation_id, for example
// `"invoice" in tags && double(payload.amount) > 100.0`.
type Filter struct {
	Tags   []string `json:"tags,omitempty" yaml:"tags"`
	Mode   string   `json:"mode,omitempty" yaml:"mode"`
	Expr   string   `json:"expr,omitempty" yaml:"expr"`
	Source Source   `json:"source,omitempty" yaml:"source"`
}

// compiledFilter is a Filter validated and ready to evaluate.
type compiledFilter struct {
	tags   []string
	mode   tagindex.Mode
	source Source
	prg    cel.Program
	expr   string
}

var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("kind", cel.StringType),
		cel.Variable("id", cel.StringType),
		cel.Variable("correlation_id", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("notification: building CEL environment: %v", err))
	}
	return env
}()

func compileFilter(f Filter) (*compiledFilter, error) {
	mode, ok := tagindex.ParseMode(strings.ToLower(f.Mode))
	if !ok {
		return nil, &apperr.ValidationError{Field: "filter.mode", Message: fmt.Sprintf("unknown mode %q", f.Mode)}
	}
	src := f.Source
	switch src {
	case "":
		src = SourceAny
	case SourceAny, SourceEvents, SourceAlerts:
	default:
		return nil, &apperr.ValidationError{Field: "filter.source", Message: fmt.Sprintf("unknown source %q", f.Source)}
	}

	cf := &compiledFilter{tags: f.Tags, mode: mode, source: src, expr: f.Expr}
	if f.Expr == "" {
		return cf, nil
	}

	ast, issues := celEnv.Compile(f.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, &apperr.ValidationError{Field: "filter.expr", Message: issues.Err().Error()}
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, &apperr.ValidationError{Field: "filter.expr", Message: "expression must evaluate to bool"}
	}
	prg, err := celEnv.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return nil, &apperr.ValidationError{Field: "filter.expr", Message: err.Error()}
	}
	cf.prg = prg
	return cf, nil
}

// match reports whether it passes the filter. Expression evaluation errors
// count as no match and are returned for logging.
func (cf *compiledFilter) match(it Item) (bool, error) {
	switch cf.source {
	case SourceEvents:
		if it.Kind != KindEvent {
			return false, nil
		}
	case SourceAlerts:
		if it.Kind != KindAlert {
			return false, nil
		}
	}

	if len(cf.tags) > 0 {
		switch cf.mode {
		case tagindex.ModeOr:
			hit := false
			for _, t := range cf.tags {
				if it.hasTag(t) {
					hit = true
					break
				}
			}
			if !hit {
				return false, nil
			}
		default:
			for _, t := range cf.tags {
				if !it.hasTag(t) {
					return false, nil
				}
			}
		}
	}

	if cf.prg == nil {
		return true, nil
	}
	tags := it.Tags
	if tags == nil {
		tags = []string{}
	}
	out, _, err := cf.prg.Eval(map[string]any{
		"tags":           tags,
		"payload":        celPayload(it.Payload),
		"kind":           string(it.Kind),
		"id":             it.ID,
		"correlation_id": it.CorrelationID,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", cf.expr, err)
	}
	ok, _ := out.Value().(bool)
	return ok, nil
}

// celPayload converts replayed json.Number values into plain numbers.
func celPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = celValue(v)
	}
	return out
}

func celValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		return celPayload(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = celValue(e)
		}
		return out
	default:
		return v
	}
}

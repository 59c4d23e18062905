package jsonextract

import (
	"embed"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/runtime"
)

const (
	KeyPlan        = "claude_answer"
	KeyIntegration = "final_answer"
	KeyReview      = "action"

	PhasePlan        = "phase1"
	PhaseIntegration = "phase3"
	PhaseReview      = "phase3.5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		out := map[string]*jsonschema.Schema{}
		for _, name := range []string{"plan", "integration", "review"} {
			file := "schemas/" + name + ".schema.json"
			b, err := schemaFS.ReadFile(file)
			if err != nil {
				schemasErr = err
				return
			}
			c := jsonschema.NewCompiler()
			if err := c.AddResource(file, strings.NewReader(string(b))); err != nil {
				schemasErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			s, err := c.Compile(file)
			if err != nil {
				schemasErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			out[name] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Outcome describes how a payload was recovered. Degraded means the fallback
// payload was used. Warnings lists schema violations and normalisations; none
// of them stop the run.
type Outcome struct {
	Degraded bool
	Warnings []*llm.ParseFailure
}

func (o *Outcome) warn(phase, key, detail string) {
	o.Warnings = append(o.Warnings, &llm.ParseFailure{Phase: phase, Key: key, Detail: detail})
}

// Err returns the first warning as an error, or nil.
func (o Outcome) Err() error {
	if len(o.Warnings) == 0 {
		return nil
	}
	return o.Warnings[0]
}

// decode extracts the object carrying key and validates it against the named
// schema. It reports false when no usable object was found. Schema violations
// are warnings only; the object is always returned once found.
func decode(text, schema, phase, key string, out *Outcome) (map[string]any, bool) {
	obj, _, ok := Extract(text, key)
	if !ok {
		out.Degraded = true
		out.warn(phase, key, "")
		return nil, false
	}
	if all, err := loadSchemas(); err != nil {
		out.warn(phase, key, "schema unavailable: "+err.Error())
	} else if err := all[schema].Validate(obj); err != nil {
		out.warn(phase, key, "schema: "+oneLine(err.Error()))
	}
	return obj, true
}

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

// rawJSONHook re-encodes values bound for json.RawMessage fields.
func rawJSONHook(_, to reflect.Type, data any) (any, error) {
	if to != rawMessageType {
		return data, nil
	}
	b, err := json.Marshal(data)
	return json.RawMessage(b), err
}

// weakDecode decodes a generic JSON value into dst, converting numeric and
// boolean strings. Fields that cannot be converted are left zero and the
// error lists them.
func weakDecode(in, dst any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.DecodeHookFuncType(rawJSONHook),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           dst,
	})
	if err != nil {
		return err
	}
	return d.Decode(in)
}

// decodeInto weakly decodes v into dst and records a warning naming what on
// failure.
func (o *Outcome) decodeInto(phase, key, what string, v, dst any) bool {
	if err := weakDecode(v, dst); err != nil {
		o.warn(phase, key, what+": "+oneLine(err.Error()))
		return false
	}
	return true
}

// without returns a shallow copy of obj minus keys.
func without(obj map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ParsePlan recovers the Phase 1 payload. Without one, the whole text becomes
// the answer and Phase 2 is skipped.
func ParsePlan(text string) (runtime.PlanPayload, Outcome) {
	var out Outcome
	obj, ok := decode(text, "plan", PhasePlan, KeyPlan, &out)
	if !ok {
		return runtime.PlanPayload{
			ClaudeAnswer: strings.TrimSpace(text),
			SkipPhase2:   true,
			Complexity:   runtime.ComplexitySimple,
		}, out
	}
	var p runtime.PlanPayload
	out.decodeInto(PhasePlan, KeyPlan, "plan", without(obj, "local_llm_instructions"), &p)

	switch insts := obj["local_llm_instructions"].(type) {
	case nil:
	case map[string]any:
		p.LocalLLMInstructions = make(map[runtime.Category]runtime.InstructionSpec, len(insts))
		for _, raw := range sortedKeys(insts) {
			cat, err := runtime.ParseCategory(raw)
			if err != nil {
				out.warn(PhasePlan, KeyPlan, "dropped instruction: "+err.Error())
				continue
			}
			var inst runtime.InstructionSpec
			if !out.decodeInto(PhasePlan, KeyPlan, "dropped instruction "+raw, insts[raw], &inst) {
				continue
			}
			p.LocalLLMInstructions[cat] = inst
		}
	default:
		out.warn(PhasePlan, KeyPlan, fmt.Sprintf("local_llm_instructions ignored: %T", insts))
	}
	return p, out
}

// ParseIntegration recovers the Phase 3 payload. Without one, the whole text
// is the final answer. Any status other than retry_needed counts as complete.
func ParseIntegration(text string) (runtime.IntegrationPayload, Outcome) {
	var out Outcome
	obj, ok := decode(text, "integration", PhaseIntegration, KeyIntegration, &out)
	if !ok {
		return runtime.IntegrationPayload{
			Status:      runtime.IntegrationComplete,
			FinalAnswer: strings.TrimSpace(text),
		}, out
	}
	var p runtime.IntegrationPayload
	out.decodeInto(PhaseIntegration, KeyIntegration, "integration", without(obj, "retry_tasks", "criteria_evaluation"), &p)

	if list, ok := obj["retry_tasks"].([]any); ok {
		for i, v := range list {
			var rt runtime.RetryTask
			if out.decodeInto(PhaseIntegration, KeyIntegration, fmt.Sprintf("dropped retry task %d", i), v, &rt) {
				p.RetryTasks = append(p.RetryTasks, rt)
			}
		}
	}
	if crit, ok := obj["criteria_evaluation"].(map[string]any); ok {
		p.CriteriaEvaluation = make(map[runtime.Category][]runtime.CriterionResult, len(crit))
		for _, raw := range sortedKeys(crit) {
			var rs []runtime.CriterionResult
			if out.decodeInto(PhaseIntegration, KeyIntegration, "dropped criteria for "+raw, crit[raw], &rs) {
				p.CriteriaEvaluation[runtime.Category(raw)] = rs
			}
		}
	}
	switch runtime.IntegrationStatus(strings.ToLower(strings.TrimSpace(string(p.Status)))) {
	case runtime.IntegrationRetryNeeded:
		p.Status = runtime.IntegrationRetryNeeded
	default:
		p.Status = runtime.IntegrationComplete
	}
	return p, out
}

// ParseReview recovers the Phase 3.5 verdict. Without one, or with an
// unknown action, the verdict is pass.
func ParseReview(text string) (runtime.ReviewVerdict, Outcome) {
	var out Outcome
	obj, ok := decode(text, "review", PhaseReview, KeyReview, &out)
	if !ok {
		return runtime.ReviewVerdict{Action: runtime.ReviewPass}, out
	}
	var v runtime.ReviewVerdict
	out.decodeInto(PhaseReview, KeyReview, "review", obj, &v)
	switch a := runtime.ReviewAction(strings.ToLower(strings.TrimSpace(string(v.Action)))); a {
	case runtime.ReviewPass, runtime.ReviewRerunPhase3, runtime.ReviewMinorFix:
		v.Action = a
	default:
		out.warn(PhaseReview, KeyReview, fmt.Sprintf("unknown action %q treated as pass", v.Action))
		v.Action = runtime.ReviewPass
	}
	if v.QualityScore < 0 {
		v.QualityScore = 0
	}
	if v.QualityScore > 1 {
		v.QualityScore = 1
	}
	return v, out
}

package engine

import (
	"strings"
	"time"

	"github.com/danshapiro/helixmix/internal/runtime"
)

// DefaultRetryOrder is the first order given to retry tasks without one, so
// they sort after planned tasks.
const DefaultRetryOrder = 99

// BuildTaskSpecs turns the plan's instructions into runnable specs. Skipped
// categories, categories without an assigned model and empty prompts are
// dropped. Instructions without an order are numbered from 1 in category
// order, skipping orders the plan already uses. The result is sorted.
func BuildTaskSpecs(plan runtime.PlanPayload, req runtime.Request) []runtime.TaskSpec {
	var specs []runtime.TaskSpec
	for _, cat := range runtime.Categories() {
		inst, ok := plan.LocalLLMInstructions[cat]
		if !ok || inst.Skip || strings.TrimSpace(inst.Prompt) == "" {
			continue
		}
		spec := runtime.TaskSpec{
			Category:       cat,
			Model:          req.ModelFor(cat),
			Prompt:         instructionPrompt(inst),
			ExpectedOutput: inst.ExpectedOutput,
			Timeout:        seconds(inst.TimeoutSeconds),
			Order:          inst.Order,
		}
		if spec.Runnable() {
			specs = append(specs, spec)
		}
	}
	assignOrders(specs, 1)
	runtime.SortTaskSpecs(specs)
	return specs
}

// assignOrders gives every spec without a positive order the next free order
// counting up from base, in slice order.
func assignOrders(specs []runtime.TaskSpec, base int) {
	used := map[int]bool{}
	for _, s := range specs {
		if s.Order > 0 {
			used[s.Order] = true
		}
	}
	next := base
	for i := range specs {
		if specs[i].Order > 0 {
			continue
		}
		for used[next] {
			next++
		}
		specs[i].Order = next
		used[next] = true
	}
}

// BuildRetrySpecs turns Phase 3 retry tasks into specs with the same
// validation as BuildTaskSpecs. A task without a model falls back to the
// category's assigned model; a later task for the same category wins.
func BuildRetrySpecs(tasks []runtime.RetryTask, req runtime.Request) []runtime.TaskSpec {
	byCat := map[runtime.Category]runtime.TaskSpec{}
	for _, t := range tasks {
		cat, err := runtime.ParseCategory(string(t.Category))
		if err != nil {
			continue
		}
		model := strings.TrimSpace(t.Model)
		if model == "" {
			model = req.ModelFor(cat)
		}
		spec := runtime.TaskSpec{
			Category:       cat,
			Model:          model,
			Prompt:         strings.TrimSpace(t.Instruction),
			ExpectedOutput: t.ExpectedOutput,
			Timeout:        seconds(t.TimeoutSeconds),
			Order:          t.Order,
		}
		if spec.Runnable() {
			byCat[cat] = spec
		}
	}
	specs := make([]runtime.TaskSpec, 0, len(byCat))
	for _, cat := range runtime.Categories() {
		if s, ok := byCat[cat]; ok {
			specs = append(specs, s)
		}
	}
	assignOrders(specs, DefaultRetryOrder)
	runtime.SortTaskSpecs(specs)
	return specs
}

func instructionPrompt(inst runtime.InstructionSpec) string {
	parts := []string{strings.TrimSpace(inst.Prompt)}
	if c := strings.TrimSpace(inst.Context); c != "" {
		parts = append(parts, "Context:\n"+c)
	}
	if e := strings.TrimSpace(inst.ExpectedOutput); e != "" {
		parts = append(parts, "Expected output: "+e)
	}
	if f := strings.TrimSpace(inst.ExpectedOutputFormat); f != "" {
		parts = append(parts, "Output format: "+f)
	}
	return strings.Join(parts, "\n\n")
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return runtime.DefaultTaskTimeoutSeconds * time.Second
	}
	return time.Duration(n) * time.Second
}

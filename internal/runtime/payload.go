package runtime

import (
	"encoding/json"
	"strings"
)

type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// InstructionSpec is the Phase 1 instruction for one category.
type InstructionSpec struct {
	Prompt               string   `json:"prompt"`
	ExpectedOutput       string   `json:"expected_output,omitempty"`
	Context              string   `json:"context,omitempty"`
	AcceptanceCriteria   []string `json:"acceptance_criteria,omitempty"`
	ExpectedOutputFormat string   `json:"expected_output_format,omitempty"`
	Skip                 bool     `json:"skip,omitempty"`
	TimeoutSeconds       int      `json:"timeout_seconds,omitempty"`
	Order                int      `json:"order,omitempty"`
}

// PlanPayload is the parsed Phase 1 output.
type PlanPayload struct {
	ClaudeAnswer         string                       `json:"claude_answer"`
	DesignAnalysis       json.RawMessage              `json:"design_analysis,omitempty"`
	LocalLLMInstructions map[Category]InstructionSpec `json:"local_llm_instructions"`
	Complexity           Complexity                   `json:"complexity"`
	SkipPhase2           bool                         `json:"skip_phase2"`
	ToolsUsed            []string                     `json:"tools_used,omitempty"`
}

// SkipsPhase2 reports whether the plan terminates the run after Phase 1.
func (p PlanPayload) SkipsPhase2() bool {
	return p.SkipPhase2 || p.Complexity == ComplexitySimple
}

// AcceptanceCriteria returns the criteria of every non-skipped category that
// declares at least one non-empty criterion.
func (p PlanPayload) AcceptanceCriteria() map[Category][]string {
	out := map[Category][]string{}
	for cat, inst := range p.LocalLLMInstructions {
		if inst.Skip {
			continue
		}
		var crit []string
		for _, c := range inst.AcceptanceCriteria {
			if strings.TrimSpace(c) != "" {
				crit = append(crit, c)
			}
		}
		if len(crit) > 0 {
			out[cat] = crit
		}
	}
	return out
}

type IntegrationStatus string

const (
	IntegrationComplete    IntegrationStatus = "complete"
	IntegrationRetryNeeded IntegrationStatus = "retry_needed"
)

type CriterionResult struct {
	Criterion string `json:"criterion"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
}

// RetryTask is a TaskSpec-compatible record requested by Phase 3.
type RetryTask struct {
	Category       Category `json:"category"`
	Model          string   `json:"model,omitempty"`
	Instruction    string   `json:"instruction"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
	Order          int      `json:"order,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// IntegrationPayload is the parsed Phase 3 output. FixInstructions and
// Phase4Result are attached by later phases.
type IntegrationPayload struct {
	Status             IntegrationStatus              `json:"status"`
	FinalAnswer        string                         `json:"final_answer"`
	CriteriaEvaluation map[Category][]CriterionResult `json:"criteria_evaluation,omitempty"`
	IntegrationNotes   string                         `json:"integration_notes,omitempty"`
	FileChanges        json.RawMessage                `json:"file_changes,omitempty"`
	RetryTasks         []RetryTask                    `json:"retry_tasks,omitempty"`
	RetryReason        string                         `json:"retry_reason,omitempty"`
	FixInstructions    string                         `json:"fix_instructions,omitempty"`
	Phase4Result       string                         `json:"phase4_result,omitempty"`
}

// HasFileChanges reports whether the payload carries a non-empty file_changes record.
func (p IntegrationPayload) HasFileChanges() bool {
	s := strings.TrimSpace(string(p.FileChanges))
	switch s {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}

type ReviewAction string

const (
	ReviewPass        ReviewAction = "pass"
	ReviewRerunPhase3 ReviewAction = "rerun_phase3"
	ReviewMinorFix    ReviewAction = "minor_fix"
)

// ReviewVerdict is the parsed Phase 3.5 output.
type ReviewVerdict struct {
	Action          ReviewAction `json:"action"`
	QualityScore    float64      `json:"quality_score"`
	Issues          []string     `json:"issues,omitempty"`
	FixInstructions string       `json:"fix_instructions,omitempty"`
}

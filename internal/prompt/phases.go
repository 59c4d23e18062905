package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/helixmix/internal/runtime"
)

const (
	MaxPlanAnswerChars    = 8000
	MaxResultChars        = 5000
	MaxFailedResultChars  = 200
	MaxReviewIntegration  = 8000
	MaxUserPromptInReview = 4000
)

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

const phase1System = `You are the planning reasoner of a multi-model studio. Answer the user's request in two steps.

Step 1, design analysis: break the problem down, list requirements, technical elements and dependencies, risks and constraints, and decide how to distribute work across the categories coding, research, reasoning, vision and translation.

Step 2, instruction generation: based on the analysis, write a precise instruction for every category that needs work, each with at least one verifiable acceptance criterion, and give the user a first answer.

Use your own tools to read files and search; attached files are listed by path only.

Output one JSON object in a ` + "```json" + ` fenced block:

` + "```json" + `
{
  "claude_answer": "your answer to the user",
  "design_analysis": {
    "requirements": ["..."],
    "tech_elements": ["..."],
    "risks": ["..."],
    "task_distribution": "..."
  },
  "local_llm_instructions": {
    "coding": {
      "prompt": "self-contained instruction; the specialist has no conversation history",
      "expected_output": "what the output should contain",
      "context": "relevant file paths, API details",
      "acceptance_criteria": ["verifiable completion condition"],
      "expected_output_format": "",
      "skip": false,
      "timeout_seconds": 300,
      "order": 1
    },
    "research": {"prompt": "", "skip": true},
    "reasoning": {"prompt": "", "skip": true},
    "vision": {"prompt": "", "skip": true},
    "translation": {"prompt": "", "skip": true}
  },
  "complexity": "simple|moderate|complex",
  "skip_phase2": false,
  "tools_used": []
}
` + "```" + `

complexity: simple for greetings, chit-chat and short factual questions (set skip_phase2 to true); moderate when one category suffices; complex when several categories must cooperate.
Set skip to true for every category that is not needed.`

const phase3System = `You are the integrating reasoner of a multi-model studio. Below are your Phase 1 plan and answer, and the results the local specialist team produced for it.

Integrate them:
1. Judge every acceptance criterion PASS or FAIL against the specialist results.
2. Compare with your Phase 1 answer and adopt what the specialists did better.
3. Where a specialist contradicts you, your own judgement wins.
4. Write the final answer for the user in natural prose; do not mention the specialists.

Output one JSON object in a ` + "```json" + ` fenced block.

When every criterion passes:

` + "```json" + `
{
  "status": "complete",
  "final_answer": "final answer for the user",
  "criteria_evaluation": {
    "coding": [{"criterion": "...", "result": "pass", "reason": "..."}]
  },
  "integration_notes": "",
  "file_changes": null
}
` + "```" + `

When a criterion fails and a category must be re-run:

` + "```json" + `
{
  "status": "retry_needed",
  "final_answer": "provisional answer",
  "criteria_evaluation": {
    "coding": [{"criterion": "...", "result": "fail", "reason": "..."}]
  },
  "retry_tasks": [
    {"category": "coding", "model": "", "instruction": "improved instruction", "expected_output": "", "order": 1, "timeout_seconds": 300}
  ],
  "retry_reason": "why"
}
` + "```" + `

Put concrete file edits, if any, in file_changes as {"files": [{"path": "...", "action": "create|modify|delete", "content": "..."}]}.`

const reviewSystem = `You are the reviewer of a multi-model studio. Check the integrated answer below against the user's original request for correctness, completeness and consistency.

Output one JSON object in a ` + "```json" + ` fenced block:

` + "```json" + `
{
  "action": "pass|rerun_phase3|minor_fix",
  "quality_score": 0.0,
  "issues": ["..."],
  "fix_instructions": "only for minor_fix"
}
` + "```" + `

Use rerun_phase3 only when the answer is wrong or substantially incomplete; use minor_fix for small, concrete corrections.`

const applySystem = `You are the implementer of a multi-model studio. Apply the file changes below to the project exactly as specified: create, modify or delete each listed file and nothing else. If fix instructions are present, apply them as well. Finish with a short report listing every file you touched.`

// Phase1Input is everything the planning prompt needs.
type Phase1Input struct {
	UserPrompt     string
	AttachedPaths  []string
	URLContents    string
	ProjectContext string
	MemoryContext  string
}

func Phase1(in Phase1Input) Parts {
	var u strings.Builder
	u.WriteString("## User request\n")
	u.WriteString(strings.TrimSpace(in.UserPrompt))
	if len(in.AttachedPaths) > 0 {
		u.WriteString("\n\n## Attached files (read them with your tools)\n")
		for _, p := range in.AttachedPaths {
			u.WriteString("- ")
			u.WriteString(p)
			u.WriteString("\n")
		}
	}
	if s := strings.TrimSpace(in.URLContents); s != "" {
		u.WriteString("\n\n")
		u.WriteString(s)
	}
	return Parts{
		System:         phase1System,
		ProjectContext: in.ProjectContext,
		MemoryContext:  in.MemoryContext,
		User:           strings.TrimRight(u.String(), "\n"),
	}
}

// Phase3Input carries the plan answer, the specialist results and the
// acceptance criteria gathered in Phase 1.
type Phase3Input struct {
	PlanAnswer     string
	Results        []runtime.TaskResult
	Criteria       map[runtime.Category][]string
	ProjectContext string
	MemoryContext  string
}

func Phase3(in Phase3Input) Parts {
	var u strings.Builder
	u.WriteString("## Your Phase 1 plan and answer\n")
	u.WriteString(Truncate(in.PlanAnswer, MaxPlanAnswerChars))
	u.WriteString("\n\n## Specialist results\n")
	u.WriteString(FormatResults(in.Results))
	if c := FormatCriteria(in.Criteria); c != "" {
		u.WriteString("\n\n")
		u.WriteString(c)
	}
	u.WriteString("\n\nRun the integration now.")
	return Parts{
		System:         phase3System,
		ProjectContext: in.ProjectContext,
		MemoryContext:  in.MemoryContext,
		User:           u.String(),
	}
}

// FormatResults lists results in order. Successful results are cut to
// MaxResultChars, failures to MaxFailedResultChars.
func FormatResults(results []runtime.TaskResult) string {
	if len(results) == 0 {
		return "(no specialist results)"
	}
	sorted := append([]runtime.TaskResult(nil), results...)
	runtime.SortTaskResults(sorted)
	sections := make([]string, 0, len(sorted))
	for _, r := range sorted {
		if !r.Success {
			sections = append(sections, fmt.Sprintf("### %s (%s): failed\nreason: %s",
				r.Category, r.Model, Truncate(r.Response, MaxFailedResultChars)))
			continue
		}
		sections = append(sections, fmt.Sprintf("### %s (%s): ok (%.1fs)\n%s",
			r.Category, r.Model, r.Elapsed.Seconds(), Truncate(r.Response, MaxResultChars)))
	}
	return strings.Join(sections, "\n\n")
}

// FormatCriteria renders the acceptance-criteria checklist in category order.
func FormatCriteria(criteria map[runtime.Category][]string) string {
	if len(criteria) == 0 {
		return ""
	}
	cats := make([]runtime.Category, 0, len(criteria))
	for c := range criteria {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i].Rank() < cats[j].Rank() })
	var b strings.Builder
	b.WriteString("## Acceptance criteria checklist\n")
	b.WriteString("Judge each criterion PASS (one-sentence evidence) or FAIL (what is missing and how to re-run).\n")
	b.WriteString("Produce the final answer only if every criterion passes; otherwise return retry_tasks.\n")
	for _, c := range cats {
		fmt.Fprintf(&b, "\n### %s\n", c)
		for i, item := range criteria[c] {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, item)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ReviewInput is the Phase 3.5 material.
type ReviewInput struct {
	UserPrompt  string
	Integration string
}

func Review(in ReviewInput) Parts {
	var u strings.Builder
	u.WriteString("## Original request\n")
	u.WriteString(Truncate(strings.TrimSpace(in.UserPrompt), MaxUserPromptInReview))
	u.WriteString("\n\n## Integrated answer\n")
	u.WriteString(Truncate(in.Integration, MaxReviewIntegration))
	return Parts{System: reviewSystem, User: u.String()}
}

// ApplyInput is the Phase 4 material.
type ApplyInput struct {
	FileChanges     string
	FixInstructions string
	ProjectContext  string
}

func Apply(in ApplyInput) Parts {
	var u strings.Builder
	u.WriteString("## File changes\n```json\n")
	u.WriteString(strings.TrimSpace(in.FileChanges))
	u.WriteString("\n```")
	if s := strings.TrimSpace(in.FixInstructions); s != "" {
		u.WriteString("\n\n## Fix instructions\n")
		u.WriteString(s)
	}
	return Parts{System: applySystem, ProjectContext: in.ProjectContext, User: u.String()}
}

// Specialist is the prompt for one Phase 2 task: the memory block, if any,
// followed by the instruction.
func Specialist(instruction, memory string) string {
	return Assemble(Parts{MemoryContext: memory, User: instruction})
}

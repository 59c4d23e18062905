package runtime

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

const (
	DefaultTaskTimeoutSeconds = 300

	SuccessConfidence = 0.8
	FailureConfidence = 0.0
)

// TaskSpec is one unit of Phase 2 work for a local specialist.
type TaskSpec struct {
	Category       Category      `json:"category"`
	Model          string        `json:"model"`
	Prompt         string        `json:"prompt"`
	ExpectedOutput string        `json:"expected_output,omitempty"`
	Timeout        time.Duration `json:"-"`
	Order          int           `json:"order"`
}

// Runnable reports whether the spec has both a model and a prompt. Specs that
// are not runnable are never dispatched.
func (s TaskSpec) Runnable() bool {
	return strings.TrimSpace(s.Model) != "" && strings.TrimSpace(s.Prompt) != ""
}

func (s TaskSpec) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTaskTimeoutSeconds * time.Second
}

// SortTaskSpecs orders specs by Order ascending, breaking ties by category enum order.
func SortTaskSpecs(specs []TaskSpec) {
	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i].Order != specs[j].Order {
			return specs[i].Order < specs[j].Order
		}
		return specs[i].Category.Rank() < specs[j].Category.Rank()
	})
}

// TaskResult is the outcome of exactly one executed TaskSpec.
type TaskResult struct {
	Category       Category      `json:"category"`
	Model          string        `json:"model"`
	Success        bool          `json:"success"`
	Response       string        `json:"response"`
	Elapsed        time.Duration `json:"-"`
	Order          int           `json:"order"`
	OriginalPrompt string        `json:"original_prompt,omitempty"`
	ExpectedOutput string        `json:"expected_output,omitempty"`
}

func SortTaskResults(results []TaskResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Order != results[j].Order {
			return results[i].Order < results[j].Order
		}
		return results[i].Category.Rank() < results[j].Category.Rank()
	})
}

// ReplaceByCategory returns results with every entry whose category appears in
// updates replaced by the update. Categories not present in results are appended.
// The returned slice is sorted.
func ReplaceByCategory(results []TaskResult, updates []TaskResult) []TaskResult {
	byCat := map[Category]TaskResult{}
	for _, u := range updates {
		byCat[u.Category] = u
	}
	out := make([]TaskResult, 0, len(results)+len(updates))
	seen := map[Category]bool{}
	for _, r := range results {
		if u, ok := byCat[r.Category]; ok {
			if !seen[r.Category] {
				out = append(out, u)
				seen[r.Category] = true
			}
			continue
		}
		out = append(out, r)
	}
	for _, u := range updates {
		if !seen[u.Category] {
			out = append(out, byCat[u.Category])
			seen[u.Category] = true
		}
	}
	SortTaskResults(out)
	return out
}

// TaskResponse is the normalised shape of every TaskResult.Response.
type TaskResponse struct {
	Category   Category `json:"category"`
	ModelUsed  string   `json:"model_used"`
	Output     any      `json:"output"`
	Confidence float64  `json:"confidence"`
	Notes      string   `json:"notes"`
}

// NormalizeTaskResponse turns raw specialist text into the JSON object form
// {category, model_used, output, confidence, notes}. Text that already parses as
// a JSON object carrying an "output" key is kept, with missing fields filled in.
func NormalizeTaskResponse(category Category, model string, text string, success bool) string {
	confidence := FailureConfidence
	if success {
		confidence = SuccessConfidence
	}
	trimmed := strings.TrimSpace(text)
	var obj map[string]any
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &obj) == nil {
		if _, ok := obj["output"]; ok {
			if _, ok := obj["category"]; !ok {
				obj["category"] = string(category)
			}
			if _, ok := obj["model_used"]; !ok {
				obj["model_used"] = model
			}
			if c, ok := obj["confidence"].(float64); !ok || c < 0 || c > 1 {
				obj["confidence"] = confidence
			}
			if _, ok := obj["notes"].(string); !ok {
				obj["notes"] = ""
			}
			if b, err := json.Marshal(obj); err == nil {
				return string(b)
			}
		}
	}
	notes := ""
	if !success {
		notes = "task failed"
	}
	b, _ := json.Marshal(TaskResponse{
		Category:   category,
		ModelUsed:  model,
		Output:     text,
		Confidence: confidence,
		Notes:      notes,
	})
	return string(b)
}

// Package session writes the per-run artefact directory.
//
// Every write is best-effort: failures are logged and counted but never stop
// the run. All methods are safe on a nil *Writer, which writes nothing.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danshapiro/helixmix/internal/modelmeta"
	"github.com/danshapiro/helixmix/internal/prompt"
	"github.com/danshapiro/helixmix/internal/runtime"
)

const (
	DirLayout         = "20060102_150405"
	MaxMetadataPrompt = 500

	PlanFile        = "phase1_plan.json"
	PlanAnswerFile  = "phase1_claude_answer.txt"
	Phase2Dir       = "phase2"
	IntegrationFile = "phase3_integration.txt"
	ReviewFile      = "phase35_review.json"
	ApplyFile       = "phase4_apply.txt"
	MetadataFile    = "metadata.json"
	FinalFile       = "final.json"
)

type Writer struct {
	Dir string
	Log *zap.Logger

	mu       sync.Mutex
	failures int
}

// Create makes <base>/sessions/<YYYYMMDD_HHMMSS> (UTC). When that directory
// already exists, _2, _3, ... are appended until a fresh one is made.
func Create(base string, now time.Time, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	root := filepath.Join(base, "sessions")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	stamp := now.UTC().Format(DirLayout)
	for n := 1; n < 1000; n++ {
		name := stamp
		if n > 1 {
			name = fmt.Sprintf("%s_%d", stamp, n)
		}
		dir := filepath.Join(root, name)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return &Writer{Dir: dir, Log: log}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	}
	return nil, fmt.Errorf("create session dir: too many sessions at %s", stamp)
}

// Failures is the number of writes that failed so far.
func (w *Writer) Failures() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

func (w *Writer) done(name string, err error) error {
	if err == nil {
		return nil
	}
	w.mu.Lock()
	w.failures++
	w.mu.Unlock()
	w.Log.Warn("session write failed", zap.String("file", name), zap.Error(err))
	return err
}

func (w *Writer) writeText(name, text string) error {
	if w == nil {
		return nil
	}
	return w.done(name, runtime.WriteFileAtomic(filepath.Join(w.Dir, name), []byte(text)))
}

func (w *Writer) writeJSON(name string, v any) error {
	if w == nil {
		return nil
	}
	return w.done(name, runtime.WriteJSONAtomicFile(filepath.Join(w.Dir, name), v))
}

func (w *Writer) WritePlan(p runtime.PlanPayload) error {
	return w.writeJSON(PlanFile, p)
}

func (w *Writer) WritePlanAnswer(answer string) error {
	return w.writeText(PlanAnswerFile, answer)
}

// TaskFileName is the phase2 file name of a result.
func TaskFileName(order int, model string) string {
	return fmt.Sprintf("task_%d_%s.txt", order, modelmeta.SanitizeForFilename(model))
}

// WriteTaskResult writes one Phase 2 result. A later result for the same
// order and model replaces the earlier file.
func (w *Writer) WriteTaskResult(r runtime.TaskResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", r.Category)
	fmt.Fprintf(&b, "Model: %s\n", r.Model)
	fmt.Fprintf(&b, "Success: %t\n", r.Success)
	fmt.Fprintf(&b, "Elapsed: %.1fs\n", r.Elapsed.Seconds())
	fmt.Fprintf(&b, "Order: %d\n", r.Order)
	b.WriteString(strings.Repeat("=", 60))
	b.WriteString("\n")
	b.WriteString(r.Response)
	return w.writeText(filepath.Join(Phase2Dir, TaskFileName(r.Order, r.Model)), b.String())
}

func (w *Writer) WriteIntegration(text string) error {
	return w.writeText(IntegrationFile, text)
}

func (w *Writer) WriteReview(v runtime.ReviewVerdict) error {
	return w.writeJSON(ReviewFile, v)
}

func (w *Writer) WriteApply(text string) error {
	return w.writeText(ApplyFile, text)
}

func (w *Writer) WriteFinal(fo runtime.FinalOutcome) error {
	if w == nil {
		return nil
	}
	return w.done(FinalFile, fo.Save(filepath.Join(w.Dir, FinalFile)))
}

// Metadata is the run summary written at finalisation.
type Metadata struct {
	RunID              string                        `json:"run_id"`
	SessionStart       string                        `json:"session_start"`
	UserPrompt         string                        `json:"user_prompt"`
	ProjectDir         string                        `json:"project_dir"`
	Config             runtime.Configuration         `json:"config"`
	PhaseTimes         map[string]float64            `json:"phase_times"`
	Phase2Skipped      bool                          `json:"phase2_skipped"`
	Phase2ResultsCount int                           `json:"phase2_results_count"`
	Retries            int                           `json:"retries"`
	Phase35Reruns      int                           `json:"phase35_reruns"`
	FinalAnswerLength  int                           `json:"final_answer_length"`
	ParseFailures      []string                      `json:"parse_failures,omitempty"`
	AcceptanceCriteria map[runtime.Category][]string `json:"acceptance_criteria,omitempty"`
	PromptFingerprint  string                        `json:"prompt_fingerprint,omitempty"`
	prompt.Stats
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// WriteMetadata writes metadata.json. The user prompt is cut to
// MaxMetadataPrompt characters and a missing timestamp is filled in.
func (w *Writer) WriteMetadata(m Metadata) error {
	m.UserPrompt = prompt.Truncate(m.UserPrompt, MaxMetadataPrompt)
	if m.Timestamp == "" {
		m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if m.PhaseTimes == nil {
		m.PhaseTimes = map[string]float64{}
	}
	return w.writeJSON(MetadataFile, m)
}

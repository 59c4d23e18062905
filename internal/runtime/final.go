package runtime

import (
	"fmt"
	"time"
)

type FinalStatus string

const (
	FinalComplete  FinalStatus = "complete"
	FinalFailed    FinalStatus = "failed"
	FinalCancelled FinalStatus = "cancelled"
)

// FinalOutcome is the terminal record of a run.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID string `json:"run_id"`

	FinalAnswerLength int    `json:"final_answer_length"`
	FailureReason     string `json:"failure_reason,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	return WriteJSONAtomicFile(path, fo)
}

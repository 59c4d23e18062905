package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFinalOutcome_Save_WritesJSON(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "final.json")
	fo := &FinalOutcome{
		Timestamp:         time.Unix(123, 0).UTC(),
		Status:            FinalComplete,
		RunID:             "r1",
		FinalAnswerLength: 4,
	}
	if err := fo.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("expected file to exist: %v", err)
	}
}

func TestFinalOutcome_Save_PersistsFailureReason(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "final.json")
	fo := &FinalOutcome{
		Timestamp:     time.Unix(123, 0).UTC(),
		Status:        FinalFailed,
		RunID:         "r1",
		FailureReason: "claude exited with code 2",
		ErrorKind:     "backend_failed",
	}
	if err := fo.Save(p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["failure_reason"] != "claude exited with code 2" {
		t.Fatalf("failure_reason=%v", got["failure_reason"])
	}
	if got["status"] != "failed" {
		t.Fatalf("status=%v", got["status"])
	}
}

func TestFinalOutcome_Save_NilReceiver(t *testing.T) {
	var fo *FinalOutcome
	if err := fo.Save(filepath.Join(t.TempDir(), "x.json")); err == nil {
		t.Fatalf("expected error for nil outcome")
	}
}

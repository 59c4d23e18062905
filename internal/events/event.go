// Package events carries run progress from the orchestrator to observers.
package events

import (
	"time"

	"github.com/danshapiro/helixmix/internal/runtime"
)

type Type string

const (
	TypePhaseEntered   Type = "phase_entered"
	TypeStreamingChunk Type = "streaming_chunk"
	TypeTaskStarted    Type = "task_started"
	TypeTaskFinished   Type = "task_finished"
	TypePhaseProgress  Type = "phase_progress"
	TypeAllFinished    Type = "all_finished"
	TypeError          Type = "error"
	TypeMonitor        Type = "monitor"
)

// MonitorKind is the sub-kind of a monitor event.
type MonitorKind string

const (
	MonitorStart     MonitorKind = "start"
	MonitorOutput    MonitorKind = "output"
	MonitorFinish    MonitorKind = "finish"
	MonitorError     MonitorKind = "error"
	MonitorHeartbeat MonitorKind = "heartbeat"
	MonitorStall     MonitorKind = "stall"
)

type Phase string

const (
	Phase1  Phase = "1"
	Phase2  Phase = "2"
	Phase3  Phase = "3"
	Phase35 Phase = "3.5"
	Phase4  Phase = "4"
)

// Rank orders phases; unknown phases rank -1.
func (p Phase) Rank() int {
	switch p {
	case Phase1:
		return 1
	case Phase2:
		return 2
	case Phase3:
		return 3
	case Phase35:
		return 4
	case Phase4:
		return 5
	}
	return -1
}

// Event is one progress notification. Only the fields relevant to Type are set.
// ID, RunID, Seq and Time are stamped by the bus.
type Event struct {
	ID    string    `json:"id"`
	RunID string    `json:"run_id,omitempty"`
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Type  Type      `json:"type"`

	Phase       Phase  `json:"phase,omitempty"`
	Description string `json:"description,omitempty"`

	Source string `json:"source,omitempty"`
	Text   string `json:"text,omitempty"`

	Category runtime.Category `json:"category,omitempty"`
	Model    string           `json:"model,omitempty"`
	Success  bool             `json:"success,omitempty"`
	Elapsed  time.Duration    `json:"elapsed_ns,omitempty"`

	Done  int `json:"done,omitempty"`
	Total int `json:"total,omitempty"`

	FinalAnswer string `json:"final_answer,omitempty"`

	Message   string `json:"message,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	Monitor MonitorKind `json:"monitor,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

func PhaseEntered(p Phase, description string) Event {
	return Event{Type: TypePhaseEntered, Phase: p, Description: description}
}

func StreamingChunk(source, text string) Event {
	return Event{Type: TypeStreamingChunk, Source: source, Text: text}
}

func TaskStarted(c runtime.Category, model string) Event {
	return Event{Type: TypeTaskStarted, Category: c, Model: model}
}

func TaskFinished(c runtime.Category, model string, success bool, elapsed time.Duration) Event {
	return Event{Type: TypeTaskFinished, Category: c, Model: model, Success: success, Elapsed: elapsed}
}

func PhaseProgress(done, total int) Event {
	return Event{Type: TypePhaseProgress, Done: done, Total: total}
}

func AllFinished(answer string) Event {
	return Event{Type: TypeAllFinished, FinalAnswer: answer}
}

// Error carries a human-readable message and the error kind tag.
func Error(message, kind string) Event {
	return Event{Type: TypeError, Message: message, ErrorKind: kind}
}

func Monitor(kind MonitorKind, model, detail string) Event {
	return Event{Type: TypeMonitor, Monitor: kind, Model: model, Detail: detail}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event) Event
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(ev Event) Event { return ev }

package llm

import (
	"context"
	"strings"
	"sync"
)

type StreamEventType string

const (
	StreamEventStreamStart StreamEventType = "stream_start"
	StreamEventTextStart   StreamEventType = "text_start"
	StreamEventTextDelta   StreamEventType = "text_delta"
	StreamEventTextEnd     StreamEventType = "text_end"
	StreamEventFinish      StreamEventType = "finish"
	StreamEventError       StreamEventType = "error"
)

type StreamEvent struct {
	Type         StreamEventType
	TextID       string
	Delta        string
	FinishReason *FinishReason
	Usage        *Usage
	Response     *Response
	Err          error
}

// Stream is a provider event stream. Close releases the underlying connection;
// it is safe to call more than once.
type Stream interface {
	Events() <-chan StreamEvent
	Close() error
}

// ChanStream is a Stream fed by a producer goroutine.
type ChanStream struct {
	events chan StreamEvent
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewChanStream(cancel context.CancelFunc) *ChanStream {
	return &ChanStream{
		events: make(chan StreamEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *ChanStream) Events() <-chan StreamEvent { return s.events }

// Send delivers an event unless the consumer has closed the stream.
func (s *ChanStream) Send(ev StreamEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// CloseSend is called by the producer once no more events will be sent.
func (s *ChanStream) CloseSend() {
	close(s.events)
}

func (s *ChanStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// CollectText drains a stream, forwarding each text delta to onDelta, and returns
// the concatenated text. A stream error event ends collection with that error.
func CollectText(st Stream, onDelta func(string)) (string, error) {
	defer func() { _ = st.Close() }()
	var b strings.Builder
	var final *Response
	for ev := range st.Events() {
		switch ev.Type {
		case StreamEventTextDelta:
			if ev.Delta == "" {
				continue
			}
			b.WriteString(ev.Delta)
			if onDelta != nil {
				onDelta(ev.Delta)
			}
		case StreamEventFinish:
			final = ev.Response
		case StreamEventError:
			if ev.Err != nil {
				return b.String(), ev.Err
			}
		}
	}
	if b.Len() == 0 && final != nil {
		return final.Text(), nil
	}
	return b.String(), nil
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/danshapiro/helixmix/internal/events"
)

// clientBuffer is the live headroom of each subscriber channel beyond the
// replayed history.
const clientBuffer = 256

// Broadcaster fans one run's events out to SSE and websocket clients and
// keeps the run's history so late or reconnecting clients can resume after
// the last Seq they saw.
//
// A client whose buffer is full skips streaming chunks and heartbeats. Any
// other event disconnects it; the client resumes with Last-Event-ID.
type Broadcaster struct {
	mu      sync.Mutex
	history []events.Event
	clients map[uint64]chan events.Event
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed by Close only, never by a client drop
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan events.Event),
		doneCh:  make(chan struct{}),
	}
}

// OnEvent makes the broadcaster a bus observer.
func (b *Broadcaster) OnEvent(ev events.Event) { b.Send(ev) }

// skippable events may be lost by a full client. Run state never depends on
// them.
func skippable(ev events.Event) bool {
	switch ev.Type {
	case events.TypeStreamingChunk:
		return true
	case events.TypeMonitor:
		return ev.Monitor == events.MonitorHeartbeat
	}
	return false
}

// Send records ev and forwards it to every client. It never blocks.
func (b *Broadcaster) Send(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			if skippable(ev) {
				continue
			}
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe replays the history after Seq after (all of it when after is 0)
// and then delivers live events. The done channel closes when the run ends,
// not when this client is dropped; unsubscribe is idempotent.
func (b *Broadcaster) Subscribe(after uint64) (<-chan events.Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	replay := b.since(after)
	// Room for the whole replay, so filling it never blocks under the lock.
	ch := make(chan events.Event, len(replay)+clientBuffer)
	for _, ev := range replay {
		ch <- ev
	}
	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	id := b.nextID
	b.nextID++
	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

func (b *Broadcaster) since(after uint64) []events.Event {
	if after == 0 {
		return b.history
	}
	for i, ev := range b.history {
		if ev.Seq > after {
			return b.history[i:]
		}
	}
	return nil
}

// Close signals the end of the run and closes every client channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of the events received so far.
func (b *Broadcaster) History() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.history))
	copy(out, b.history)
	return out
}

// resumeSeq reads the Seq a reconnecting client last saw, from the
// Last-Event-ID header or the since query parameter.
func resumeSeq(r *http.Request) uint64 {
	s := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if s == "" {
		s = strings.TrimSpace(r.URL.Query().Get("since"))
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// WriteSSE streams a run's events as Server-Sent Events named by event type,
// with the Seq as the event id. A final "done" event marks the end of the run.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	evs, doneCh, unsub := b.Subscribe(resumeSeq(r))
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
			flusher.Flush()
		}
	}
}

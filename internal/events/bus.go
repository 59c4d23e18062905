package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Observer receives events on its own goroutine, in publication order.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Bus fans events out to observers. Publish never blocks on an observer:
// every subscriber owns an unbounded queue drained by a dedicated goroutine.
type Bus struct {
	log *zap.Logger

	mu     sync.Mutex
	runID  string
	seq    uint64
	subs   map[string]*subscriber
	closed bool
	wg     sync.WaitGroup
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log, subs: map[string]*subscriber{}}
}

// SetRunID stamps subsequent events with runID.
func (b *Bus) SetRunID(runID string) {
	b.mu.Lock()
	b.runID = runID
	b.mu.Unlock()
}

// Subscribe registers o and returns its id and an unsubscribe function.
// Events already queued for o are still delivered after unsubscribing.
func (b *Bus) Subscribe(o Observer) (string, func()) {
	s := &subscriber{id: uuid.NewString(), obs: o, wake: make(chan struct{}, 1), log: b.log}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return s.id, func() {}
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		s.run()
	}()
	var once sync.Once
	return s.id, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			s.stop()
		})
	}
}

// Publish stamps ev and queues it for every observer. It returns the stamped event.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev.Seq = b.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.RunID == "" {
		ev.RunID = b.runID
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if b.closed {
		return ev
	}
	for _, s := range b.subs {
		s.push(ev)
	}
	return ev
}

// Close delivers everything already queued, then stops every observer goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[string]*subscriber{}
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}

type subscriber struct {
	id   string
	obs  Observer
	wake chan struct{}
	log  *zap.Logger

	mu      sync.Mutex
	queue   []Event
	stopped bool
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			stopped := s.stopped
			s.mu.Unlock()
			if len(batch) == 0 {
				if stopped {
					return
				}
				break
			}
			for _, ev := range batch {
				s.deliver(ev)
			}
		}
	}
}

func (s *subscriber) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event observer panicked", zap.String("observer", s.id), zap.Any("panic", r))
		}
	}()
	s.obs.OnEvent(ev)
}

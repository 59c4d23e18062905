package events

import (
	"context"
	"sync"
	"time"
)

// DefaultStallThreshold is how long a running task may produce no output
// before the monitor reports a stall.
const DefaultStallThreshold = 30 * time.Second

// StallMonitor watches monitor events and calls OnStall once per silent
// period for every model that has started and not yet finished. Start and
// output events count as activity; heartbeats only prove the producer is alive.
type StallMonitor struct {
	Threshold time.Duration
	Interval  time.Duration
	OnStall   func(model string, idle time.Duration)
	Now       func() time.Time

	mu      sync.Mutex
	last    map[string]time.Time
	flagged map[string]bool
}

func NewStallMonitor(onStall func(model string, idle time.Duration)) *StallMonitor {
	return &StallMonitor{
		Threshold: DefaultStallThreshold,
		Interval:  time.Second,
		OnStall:   onStall,
	}
}

func (m *StallMonitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *StallMonitor) OnEvent(ev Event) {
	if ev.Type != TypeMonitor {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		m.last = map[string]time.Time{}
		m.flagged = map[string]bool{}
	}
	switch ev.Monitor {
	case MonitorStart, MonitorOutput:
		m.last[ev.Model] = m.now()
		delete(m.flagged, ev.Model)
	case MonitorFinish, MonitorError:
		delete(m.last, ev.Model)
		delete(m.flagged, ev.Model)
	}
}

// Check reports stalls as of now. Run calls it every Interval.
func (m *StallMonitor) Check() {
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	now := m.now()
	type stall struct {
		model string
		idle  time.Duration
	}
	var stalls []stall
	m.mu.Lock()
	for model, at := range m.last {
		if idle := now.Sub(at); idle >= threshold && !m.flagged[model] {
			m.flagged[model] = true
			stalls = append(stalls, stall{model, idle})
		}
	}
	m.mu.Unlock()
	if m.OnStall == nil {
		return
	}
	for _, s := range stalls {
		m.OnStall(s.model, s.idle)
	}
}

// Run checks for stalls until ctx is done.
func (m *StallMonitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check()
		}
	}
}

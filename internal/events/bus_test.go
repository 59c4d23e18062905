package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBus_DeliversInOrderToEveryObserver(t *testing.T) {
	b := NewBus(nil)
	b.SetRunID("run-1")
	var r1, r2 Recorder
	b.Subscribe(&r1)
	b.Subscribe(&r2)

	b.Publish(PhaseEntered(Phase1, "plan"))
	for i := 1; i <= 50; i++ {
		b.Publish(PhaseProgress(i, 50))
	}
	b.Publish(AllFinished("done"))
	b.Close()

	for _, r := range []*Recorder{&r1, &r2} {
		evs := r.Events()
		require.Len(t, evs, 52)
		for i, ev := range evs {
			assert.Equal(t, uint64(i+1), ev.Seq)
			assert.Equal(t, "run-1", ev.RunID)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Time.IsZero())
		}
		assert.Equal(t, TypePhaseEntered, evs[0].Type)
		assert.Equal(t, "done", evs[51].FinalAnswer)
	}
}

func TestBus_PublishDoesNotBlockOnSlowObserver(t *testing.T) {
	b := NewBus(nil)
	release := make(chan struct{})
	var mu sync.Mutex
	var got int
	b.Subscribe(ObserverFunc(func(Event) {
		<-release
		mu.Lock()
		got++
		mu.Unlock()
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Monitor(MonitorHeartbeat, "m", ""))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow observer")
	}
	close(release)
	b.Close()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1000, got)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(nil)
	var r Recorder
	_, unsubscribe := b.Subscribe(&r)
	b.Publish(PhaseEntered(Phase1, ""))
	unsubscribe()
	unsubscribe()
	b.Publish(PhaseEntered(Phase2, ""))
	b.Close()
	evs := r.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, Phase1, evs[0].Phase)
}

func TestBus_ObserverPanicDoesNotStopDelivery(t *testing.T) {
	b := NewBus(nil)
	var n int
	b.Subscribe(ObserverFunc(func(ev Event) {
		n++
		if ev.Seq == 1 {
			panic("observer bug")
		}
	}))
	b.Publish(PhaseEntered(Phase1, ""))
	b.Publish(PhaseEntered(Phase2, ""))
	b.Close()
	assert.Equal(t, 2, n)
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	b := NewBus(nil)
	var r Recorder
	b.Subscribe(&r)
	b.Close()
	ev := b.Publish(AllFinished("late"))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Empty(t, r.Events())
	b.Close()
}

func TestPhase_Rank(t *testing.T) {
	assert.Less(t, Phase3.Rank(), Phase35.Rank())
	assert.Less(t, Phase35.Rank(), Phase4.Rank())
	assert.Equal(t, -1, Phase("9").Rank())
}

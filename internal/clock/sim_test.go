package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSim_OrdersByDeadlineThenInsertion(t *testing.T) {
	s := NewSim(epoch)
	var got []string
	s.AfterFunc(20*time.Millisecond, func() { got = append(got, "c") })
	s.AfterFunc(10*time.Millisecond, func() { got = append(got, "a") })
	s.AfterFunc(10*time.Millisecond, func() { got = append(got, "b") })

	n := s.Run(0)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, epoch.Add(20*time.Millisecond), s.Now())
}

func TestSim_StoppedTimerNeverFires(t *testing.T) {
	s := NewSim(epoch)
	fired := false
	tm := s.AfterFunc(time.Second, func() { fired = true })
	require.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop reports false")

	s.RunFor(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, s.Pending())
}

func TestSim_StopFromEarlierCallbackAtSameInstant(t *testing.T) {
	s := NewSim(epoch)
	fired := false
	var second Timer
	s.AfterFunc(time.Millisecond, func() { second.Stop() })
	second = s.AfterFunc(time.Millisecond, func() { fired = true })

	s.Run(0)
	assert.False(t, fired)
}

func TestSim_RunUntilLeavesLaterEvents(t *testing.T) {
	s := NewSim(epoch)
	count := 0
	s.AfterFunc(100*time.Millisecond, func() { count++ })
	s.AfterFunc(300*time.Millisecond, func() { count++ })

	s.RunFor(200 * time.Millisecond)
	assert.Equal(t, 1, count)
	assert.Equal(t, epoch.Add(200*time.Millisecond), s.Now())
	assert.Equal(t, 1, s.Pending())
}

func TestSim_CallbacksCanReschedule(t *testing.T) {
	s := NewSim(epoch)
	ticks := 0
	var tick func()
	tick = func() {
		ticks++
		if ticks < 5 {
			s.AfterFunc(100*time.Millisecond, tick)
		}
	}
	s.AfterFunc(0, tick)
	s.Run(0)
	assert.Equal(t, 5, ticks)
	assert.Equal(t, epoch.Add(400*time.Millisecond), s.Now())
}

func TestLoop_TimerStoppedOnLoopDoesNotRun(t *testing.T) {
	l := NewLoop(16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go l.Run(ctx)

	ran := make(chan string, 2)
	require.True(t, l.Call(func() {
		tm := l.AfterFunc(10*time.Millisecond, func() { ran <- "cancelled" })
		tm.Stop()
		l.AfterFunc(20*time.Millisecond, func() { ran <- "kept" })
	}))

	select {
	case v := <-ran:
		assert.Equal(t, "kept", v)
	case <-ctx.Done():
		t.Fatal("loop timer never fired")
	}
	l.Close()
	assert.False(t, l.Post(func() {}))
}

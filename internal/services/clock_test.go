package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayQueue_RunsInDueOrder(t *testing.T) {
	clock := NewFakeClock(testNow)
	q := NewDelayQueue(clock)

	var order []string
	q.Schedule(testNow.Add(10*time.Minute), "b", func() { order = append(order, "b") })
	q.Schedule(testNow.Add(5*time.Minute), "a", func() { order = append(order, "a") })
	q.Schedule(testNow.Add(5*time.Minute), "a2", func() { order = append(order, "a2") })
	q.Schedule(testNow.Add(time.Hour), "c", func() { order = append(order, "c") })

	due, ok := q.NextDue()
	require.True(t, ok)
	assert.Equal(t, testNow.Add(5*time.Minute), due)

	assert.Zero(t, q.RunDue())
	clock.Advance(10 * time.Minute)
	assert.Equal(t, 3, q.RunDue())
	assert.Equal(t, []string{"a", "a2", "b"}, order)
	assert.Equal(t, 1, q.Len())
}

func TestDelayQueue_Cancel(t *testing.T) {
	clock := NewFakeClock(testNow)
	q := NewDelayQueue(clock)
	ran := false
	q.Schedule(testNow.Add(time.Minute), "exec-1", func() { ran = true })
	q.Schedule(testNow.Add(2*time.Minute), "exec-1", func() { ran = true })
	q.Schedule(testNow.Add(time.Minute), "exec-2", func() {})

	assert.Equal(t, 2, q.Cancel("exec-1"))
	assert.Zero(t, q.Cancel("exec-1"))
	clock.Advance(time.Hour)
	assert.Equal(t, 1, q.RunDue())
	assert.False(t, ran)

	_, ok := q.NextDue()
	assert.False(t, ok)
}

func TestDelayQueue_TaskMaySchedule(t *testing.T) {
	clock := NewFakeClock(testNow)
	q := NewDelayQueue(clock)
	q.Schedule(testNow, "first", func() {
		q.Schedule(testNow.Add(time.Minute), "second", func() {})
	})
	assert.Equal(t, 1, q.RunDue())
	assert.Equal(t, 1, q.Len())
}

func TestDelayQueue_StartWakesOnSchedule(t *testing.T) {
	q := NewDelayQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx, time.Hour)

	var wg sync.WaitGroup
	wg.Add(1)
	q.Schedule(time.Now().Add(-time.Second), "now", wg.Done)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task did not run")
	}
}

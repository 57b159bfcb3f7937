package main

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushLog struct {
	mu      sync.Mutex
	batches [][]string
}

func (f *flushLog) record(items []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), items...))
}

func (f *flushLog) snapshot() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

func TestBatcherFlushesAfterWindow(t *testing.T) {
	log := &flushLog{}
	b := NewBatcher("test", log.record, 50*time.Millisecond, 0)
	defer b.Stop()

	b.Add("a", "first a")
	b.Add("b", "b")
	b.Add("a", "second a")
	assert.Equal(t, 2, b.Pending())

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"second a", "b"}}, log.snapshot())
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherFlushesAtMaxBatch(t *testing.T) {
	log := &flushLog{}
	b := NewBatcher("test", log.record, time.Hour, 3)
	defer b.Stop()

	b.Add("1", "1")
	b.Add("2", "2")
	b.Add("3", "3")
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]string{{"1", "2", "3"}}, log.snapshot())
}

func TestBatcherStopDropsPending(t *testing.T) {
	log := &flushLog{}
	b := NewBatcher("test", log.record, 20*time.Millisecond, 0)

	b.Add("a", "a")
	b.Stop()
	b.Add("b", "b")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, log.snapshot())
	assert.Equal(t, 0, b.Pending())
}

package pusher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchEmitter_FlushesOnMaxBatch(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]OutboundItem
	b := NewBatchEmitter(time.Hour, 3, func(items []OutboundItem) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, items)
	})
	defer b.Close()

	b.Enqueue("a", 1, "")
	b.Enqueue("b", 2, "")
	b.Enqueue("c", 3, "")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushes, 1)
	assert.Len(t, flushes[0], 3)
}

func TestBatchEmitter_FlushesOnInterval(t *testing.T) {
	flushed := make(chan []OutboundItem, 1)
	b := NewBatchEmitter(10*time.Millisecond, 100, func(items []OutboundItem) {
		flushed <- items
	})
	defer b.Close()

	b.Enqueue("a", 1, "")

	select {
	case items := <-flushed:
		assert.Len(t, items, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a timer-driven flush")
	}
}

func TestBatchEmitter_CoalescesMoveByKey(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]OutboundItem
	b := NewBatchEmitter(time.Hour, 10, func(items []OutboundItem) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, items)
	})
	defer b.Close()

	b.Enqueue("userMovedMessage", "pos1", "user:alice")
	b.Enqueue("userMovedMessage", "pos2", "user:alice")
	b.Enqueue("userMovedMessage", "pos3", "user:alice")
	b.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushes, 1)
	require.Len(t, flushes[0], 1, "repeated moves for the same subject must coalesce to the latest")
	assert.Equal(t, "pos3", flushes[0][0].Payload)
}

func TestBatchEmitter_CloseDiscardsPending(t *testing.T) {
	var called bool
	b := NewBatchEmitter(time.Hour, 10, func(items []OutboundItem) { called = true })
	b.Enqueue("a", 1, "")
	b.Close()
	b.Enqueue("b", 2, "")
	assert.False(t, called)
}

package pusher

import (
	"container/list"
	"sync"
	"time"

	"github.com/fenwickgames/pusher/internal/metrics"
)

// OutboundItem is one pending sub-message waiting to go out in the next
// batch.
type OutboundItem struct {
	Tag     string
	Payload any
}

// BatchEmitter coalesces a client's outbound sub-messages into a single
// groupUpdate-tagged frame, flushing on whichever comes first: the flush
// interval elapsing, or the pending queue reaching maxBatch. Move-tagged
// items are additionally coalesced down to the latest one per subject
// before flush, since only the newest position matters to the receiving
// client.
type BatchEmitter struct {
	flushInterval time.Duration
	maxBatch      int
	send          func([]OutboundItem)

	mu      sync.Mutex
	pending *list.List // of OutboundItem
	moveIdx map[string]*list.Element
	timer   *time.Timer
	closed  bool
}

func NewBatchEmitter(flushInterval time.Duration, maxBatch int, send func([]OutboundItem)) *BatchEmitter {
	return &BatchEmitter{
		flushInterval: flushInterval,
		maxBatch:      maxBatch,
		send:          send,
		pending:       list.New(),
		moveIdx:       make(map[string]*list.Element),
	}
}

// Enqueue adds a sub-message to the pending batch. moveKey, when non-empty,
// identifies the moving entity so a later move supersedes an earlier one
// still sitting unflushed in the queue.
func (b *BatchEmitter) Enqueue(tag string, payload any, moveKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if moveKey != "" {
		if el, ok := b.moveIdx[moveKey]; ok {
			el.Value = OutboundItem{Tag: tag, Payload: payload}
		} else {
			el := b.pending.PushBack(OutboundItem{Tag: tag, Payload: payload})
			b.moveIdx[moveKey] = el
		}
	} else {
		b.pending.PushBack(OutboundItem{Tag: tag, Payload: payload})
	}

	if b.pending.Len() >= b.maxBatch {
		b.flushLocked("size")
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
	}
}

func (b *BatchEmitter) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked("interval")
}

// flushLocked requires b.mu to be held.
func (b *BatchEmitter) flushLocked(reason string) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.pending.Len() == 0 {
		return
	}
	start := time.Now()
	items := make([]OutboundItem, 0, b.pending.Len())
	for el := b.pending.Front(); el != nil; el = el.Next() {
		items = append(items, el.Value.(OutboundItem))
	}
	b.pending.Init()
	b.moveIdx = make(map[string]*list.Element)

	send := b.send
	b.mu.Unlock()
	send(items)
	b.mu.Lock()
	metrics.BatchFlushDuration.WithLabelValues(reason).Observe(time.Since(start).Seconds())
}

// Flush forces an immediate flush regardless of pending size or timer
// state, used on client disconnect to deliver anything still queued.
func (b *BatchEmitter) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked("forced")
}

// Close stops the flush timer and discards anything still pending.
func (b *BatchEmitter) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending.Init()
	b.moveIdx = make(map[string]*list.Element)
}

package stream

import (
	"time"
)

// FlushReason records which rule moved a batch into the queue.
type FlushReason string

const (
	FlushSize       FlushReason = "size"
	FlushFirstBatch FlushReason = "first-batch"
	FlushIdleGap    FlushReason = "idle-gap"
	FlushTimer      FlushReason = "timer"
	FlushComplete   FlushReason = "complete"
)

// Batcher accumulates normalized segments and flushes them to a sink under a
// hybrid size/time policy, bounding both latency and fragmentation.
type Batcher struct {
	cfg   Config
	sched Scheduler
	obs   Observer
	log   Logger
	sink  func([]*AudioSegment)

	pending     []*AudioSegment
	lastArrival time.Time
	lastFlush   time.Time
	flushed     bool
	timer       Timer
}

func NewBatcher(cfg Config, sched Scheduler, sink func([]*AudioSegment), obs Observer, log Logger) *Batcher {
	if obs == nil {
		obs = noopObserver{}
	}
	if log == nil {
		log = &NoOpLogger{}
	}
	return &Batcher{cfg: cfg, sched: sched, sink: sink, obs: obs, log: log}
}

// Add buffers seg and applies the flush rules in priority order. It returns
// the reason of the flush it caused, or "" when the segment was buffered.
func (b *Batcher) Add(seg *AudioSegment) FlushReason {
	now := b.sched.Now()
	b.pending = append(b.pending, seg)
	b.lastArrival = now

	switch {
	case len(b.pending) >= b.cfg.SizeThreshold:
		b.flush(FlushSize)
		return FlushSize
	case !b.flushed && len(b.pending) >= b.cfg.FirstBatchThreshold:
		b.flush(FlushFirstBatch)
		return FlushFirstBatch
	case b.flushed && now.Sub(b.lastFlush) > b.cfg.IdleGap:
		b.flush(FlushIdleGap)
		return FlushIdleGap
	}

	b.armTimer()
	return ""
}

// Complete cancels any armed timer and flushes what remains.
func (b *Batcher) Complete() {
	b.flush(FlushComplete)
}

// Reset drops buffered segments and starts a new stream: the next batch is
// treated as the first one again.
func (b *Batcher) Reset() {
	b.stopTimer()
	b.pending = nil
	b.flushed = false
	b.lastFlush = time.Time{}
	b.lastArrival = time.Time{}
}

// Take cancels the timer and hands back the buffered segments without
// flushing them.
func (b *Batcher) Take() []*AudioSegment {
	b.stopTimer()
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = nil
	return coalesce(batch)
}

// Pending reports how many segments are buffered but not yet flushed.
func (b *Batcher) Pending() int {
	return len(b.pending)
}

// LastArrival is the time the most recent segment was added.
func (b *Batcher) LastArrival() time.Time {
	return b.lastArrival
}

func (b *Batcher) armTimer() {
	b.stopTimer()
	var t Timer
	t = b.sched.AfterFunc(b.cfg.FlushDelay, func() {
		if b.timer != t {
			return
		}
		b.timer = nil
		b.flush(FlushTimer)
	})
	b.timer = t
}

func (b *Batcher) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Batcher) flush(reason FlushReason) {
	b.stopTimer()
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil
	b.flushed = true
	b.lastFlush = b.sched.Now()

	b.obs.BatchFlushed(len(batch), reason)
	b.log.Debug("flushing batch", "segments", len(batch), "reason", string(reason))
	b.sink(coalesce(batch))
}

// coalesce merges runs of adjacent segments that can be concatenated into
// one playable stream. Order is preserved.
func coalesce(batch []*AudioSegment) []*AudioSegment {
	out := make([]*AudioSegment, 0, len(batch))
	for _, seg := range batch {
		if n := len(out); n > 0 && mergeable(out[n-1], seg) {
			prev := out[n-1]
			payload := make([]byte, 0, len(prev.Payload)+len(seg.Payload))
			payload = append(payload, prev.Payload...)
			payload = append(payload, seg.Payload...)
			merged := *prev
			merged.Payload = payload
			merged.Sources = append(append([]uint64(nil), prev.Sources...), seg.Sources...)
			out[n-1] = &merged
			continue
		}
		out = append(out, seg)
	}
	return out
}

func mergeable(a, b *AudioSegment) bool {
	return a.Format == b.Format && a.Format.Streamable() && a.PCM == b.PCM
}

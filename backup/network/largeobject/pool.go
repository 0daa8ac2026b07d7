package largeobject

// WorkerPool owns the per-slot state of the workers. Slot i is only ever touched by the worker
// running in slot i, so the records need no locking.
type WorkerPool struct {
	failures []FailureRecord
	stats    *Statistics
}

func newWorkerPool(slots int, stats *Statistics) *WorkerPool {
	return &WorkerPool{
		failures: make([]FailureRecord, slots),
		stats:    stats,
	}
}

// Slots returns the number of worker slots.
func (p *WorkerPool) Slots() int {
	return len(p.failures)
}

// FailureRecord returns the backoff state of a slot.
func (p *WorkerPool) FailureRecord(slot int) *FailureRecord {
	return &p.failures[slot]
}

// ResetFailures clears the backoff state of every slot.
// Must not be called while workers are running.
func (p *WorkerPool) ResetFailures() {
	for i := range p.failures {
		p.failures[i].Reset()
	}
}

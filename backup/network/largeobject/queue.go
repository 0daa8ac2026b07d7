package largeobject

import "sync"

// PartQueue is the set of parts still waiting to be uploaded.
// It is filled once before the workers start; workers pop parts and push back the ones that failed.
type PartQueue struct {
	mu    sync.Mutex
	parts []*FilePart
}

// NewPartQueue creates a queue holding every part of a plan.
func NewPartQueue(parts []*FilePart) *PartQueue {
	return &PartQueue{parts: append([]*FilePart(nil), parts...)}
}

// Pop removes and returns a part. It returns false if the queue is empty.
func (q *PartQueue) Pop() (*FilePart, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.parts) == 0 {
		return nil, false
	}
	part := q.parts[0]
	q.parts[0] = nil
	q.parts = q.parts[1:]
	return part, true
}

// Push returns a part to the queue so any worker can pick it up.
func (q *PartQueue) Push(part *FilePart) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parts = append(q.parts, part)
}

// IsEmpty reports whether no parts are waiting.
func (q *PartQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of waiting parts.
func (q *PartQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parts)
}

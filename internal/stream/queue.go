package stream

// ChunkQueue holds chunks awaiting append in arrival order. It is not safe for
// concurrent use; the owning Adapter serialises access.
type ChunkQueue struct {
	items []Chunk
	head  int
}

// Enqueue appends chunk to the tail. It never blocks and never drops data.
func (q *ChunkQueue) Enqueue(chunk Chunk) {
	q.items = append(q.items, chunk)
}

// DequeueIfReady removes and returns the head chunk when the sink is idle.
// It reports false when the sink is busy or the queue is empty.
func (q *ChunkQueue) DequeueIfReady(state SinkState) (Chunk, bool) {
	if state != SinkIdle || q.Len() == 0 {
		return nil, false
	}
	chunk := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return chunk, true
}

func (q *ChunkQueue) Len() int {
	return len(q.items) - q.head
}

// Reset drops every queued chunk.
func (q *ChunkQueue) Reset() {
	q.items = nil
	q.head = 0
}

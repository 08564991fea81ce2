package dispatch

import "container/heap"

// messageHeap is the priority holding structure: a min-heap on release time,
// optionally tie-broken by submission sequence. It is owned exclusively by
// the coordinator goroutine and does no locking or capacity enforcement of
// its own.
type messageHeap struct {
	items  []*Message
	strict bool
}

func newMessageHeap(strict bool) *messageHeap {
	h := &messageHeap{strict: strict}
	heap.Init(h)
	return h
}

func (h *messageHeap) Len() int { return len(h.items) }

func (h *messageHeap) Less(i, j int) bool {
	return h.items[i].before(h.items[j], h.strict)
}

func (h *messageHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *messageHeap) Push(x any) {
	m := x.(*Message)
	m.index = len(h.items)
	h.items = append(h.items, m)
}

func (h *messageHeap) Pop() any {
	n := len(h.items)
	m := h.items[n-1]
	h.items[n-1] = nil // avoid memory leak
	h.items = h.items[:n-1]
	m.index = notInHeap
	return m
}

func (h *messageHeap) insert(m *Message) {
	heap.Push(h, m)
}

// peekMin returns the message that would be released soonest, or nil.
func (h *messageHeap) peekMin() *Message {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// extractMin removes and returns the soonest message, or nil when empty.
func (h *messageHeap) extractMin() *Message {
	if len(h.items) == 0 {
		return nil
	}
	return heap.Pop(h).(*Message)
}

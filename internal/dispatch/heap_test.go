package dispatch

import (
	"testing"
	"time"
)

func mkMsg(seq uint64, at time.Time) *Message {
	return &Message{ID: "m", At: at, seq: seq, index: notInHeap}
}

func TestMessageHeapOrdering(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		strict  bool
		offsets []time.Duration // insertion order; seq follows slice order
		want    []uint64        // expected extraction order by seq
	}{
		{
			name:    "ascending stays ascending",
			offsets: []time.Duration{0, time.Second, 2 * time.Second},
			want:    []uint64{1, 2, 3},
		},
		{
			name:    "descending reverses",
			offsets: []time.Duration{2 * time.Second, time.Second, 0},
			want:    []uint64{3, 2, 1},
		},
		{
			name:    "interleaved",
			offsets: []time.Duration{time.Second, 3 * time.Second, 0, 2 * time.Second},
			want:    []uint64{3, 1, 4, 2},
		},
		{
			name:    "strict breaks ties by submission order",
			strict:  true,
			offsets: []time.Duration{time.Second, time.Second, 0, time.Second},
			want:    []uint64{3, 1, 2, 4},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newMessageHeap(tt.strict)
			for i, off := range tt.offsets {
				h.insert(mkMsg(uint64(i+1), base.Add(off)))
			}
			if got := h.Len(); got != len(tt.offsets) {
				t.Fatalf("Len() = %d, want %d", got, len(tt.offsets))
			}
			for i, want := range tt.want {
				min := h.peekMin()
				m := h.extractMin()
				if m != min {
					t.Fatalf("extractMin() != peekMin() at step %d", i)
				}
				if m.seq != want {
					t.Fatalf("extraction %d: seq = %d, want %d", i, m.seq, want)
				}
				if m.index != notInHeap {
					t.Fatalf("extracted message kept heap index %d", m.index)
				}
			}
			if h.extractMin() != nil {
				t.Fatal("extractMin() on empty heap returned a message")
			}
			if h.peekMin() != nil {
				t.Fatal("peekMin() on empty heap returned a message")
			}
		})
	}
}

func TestMessageHeapBestEffortTiesKeepTimeOrder(t *testing.T) {
	t.Parallel()

	base := time.Now()
	h := newMessageHeap(false)
	for i := 0; i < 16; i++ {
		h.insert(mkMsg(uint64(i+1), base.Add(time.Duration(i%4)*time.Second)))
	}

	var prev time.Time
	for h.Len() > 0 {
		m := h.extractMin()
		if m.At.Before(prev) {
			t.Fatalf("extraction went backwards in time: %v after %v", m.At, prev)
		}
		prev = m.At
	}
}

func TestMessageBefore(t *testing.T) {
	t.Parallel()

	at := time.Now()
	a := mkMsg(1, at)
	b := mkMsg(2, at)
	c := mkMsg(3, at.Add(time.Second))

	if !a.before(c, false) || c.before(a, false) {
		t.Fatal("earlier At must win regardless of mode")
	}
	if !a.before(b, true) || b.before(a, true) {
		t.Fatal("strict mode must order equal At by sequence")
	}
	if a.before(b, false) || b.before(a, false) {
		t.Fatal("best-effort mode must treat equal At as unordered")
	}
}

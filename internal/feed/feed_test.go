package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"delayd/internal/dispatch"
	logx "delayd/pkg/logx"
)

type stubEngine struct {
	mu     sync.Mutex
	subs   []time.Time
	err    error
	egress chan dispatch.Message
}

func newStubEngine() *stubEngine {
	return &stubEngine{egress: make(chan dispatch.Message, 16)}
}

func (e *stubEngine) Submit(_ context.Context, at time.Time, _ any) (dispatch.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return dispatch.Message{}, e.err
	}
	e.subs = append(e.subs, at)
	return dispatch.Message{ID: "stub", At: at}, nil
}

func (e *stubEngine) Messages() <-chan dispatch.Message { return e.egress }

func (e *stubEngine) submissions() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Time(nil), e.subs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{"delay form", `{"delay":"1.5s","payload":{"k":1}}`, false},
		{"at form", `{"at":"2026-03-01T12:00:00Z","payload":"x"}`, false},
		{"no payload", `{"delay":"1s"}`, false},
		{"both delay and at", `{"delay":"1s","at":"2026-03-01T12:00:00Z"}`, true},
		{"neither", `{"payload":1}`, true},
		{"negative delay", `{"delay":"-1s"}`, true},
		{"bad duration", `{"delay":"soon"}`, true},
		{"bad timestamp", `{"at":"tomorrow"}`, true},
		{"unknown field", `{"delay":"1s","extra":true}`, true},
		{"not json", `release the hounds`, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := parseLine([]byte(tt.line))
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLine(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
		})
	}
}

func TestReadLoopSubmitsGoodLinesOnly(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(strings.Join([]string{
		`{"delay":"10ms","payload":1}`,
		``,
		`not json at all`,
		`{"at":"2026-03-01T12:00:00Z","payload":2}`,
	}, "\n") + "\n")

	eng := newStubEngine()
	s := New(eng, in, &bytes.Buffer{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	waitFor(t, "two submissions", func() bool { return len(eng.submissions()) == 2 })
	if got := s.Refused(); got != 1 {
		t.Fatalf("Refused = %d, want 1", got)
	}
	if got := s.Accepted(); got != 2 {
		t.Fatalf("Accepted = %d, want 2", got)
	}
}

func TestStopIntakeRefusesLines(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	eng := newStubEngine()
	s := New(eng, pr, &bytes.Buffer{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if _, err := io.WriteString(pw, `{"delay":"10ms","payload":1}`+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "first submission", func() bool { return len(eng.submissions()) == 1 })

	s.StopIntake()
	if _, err := io.WriteString(pw, `{"delay":"10ms","payload":2}`+"\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "refusal", func() bool { return s.Refused() == 1 })
	if got := len(eng.submissions()); got != 1 {
		t.Fatalf("submissions after StopIntake = %d, want 1", got)
	}
}

func TestWriteLoopEncodesReleases(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	eng := newStubEngine()
	s := New(eng, strings.NewReader(""), &out, logx.Nop())
	s.Start(context.Background())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.egress <- dispatch.Message{ID: "abc", At: at, Payload: json.RawMessage(`{"k":1}`)}
	close(eng.egress)

	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	s.Stop(context.Background())

	var got release
	if err := json.Unmarshal(bytes.TrimSpace(out.bytes()), &got); err != nil {
		t.Fatalf("output not JSON: %v (%q)", err, out.bytes())
	}
	if got.ID != "abc" || !got.At.Equal(at) {
		t.Fatalf("release = %+v, want id=abc at=%v", got, at)
	}
	if got.Released.IsZero() {
		t.Fatal("release missing released timestamp")
	}
}

// syncBuffer guards a bytes.Buffer for cross-goroutine reads.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.b.Bytes()...)
}

package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"delayd/internal/eventbus"
)

func testConfig() Config {
	return Config{
		IngressCapacity: 16,
		EgressCapacity:  16,
		MaxHeldMessages: 64,
	}
}

func newRunning(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	d, err := New(cfg, testLogger(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx, false)
	})
	return d
}

func recvOne(t *testing.T, d *Dispatcher, within time.Duration) Message {
	t.Helper()
	select {
	case m, ok := <-d.Messages():
		if !ok {
			t.Fatal("egress closed while a delivery was expected")
		}
		return m
	case <-time.After(within):
		t.Fatal("no delivery within deadline")
	}
	return Message{}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero ingress", Config{EgressCapacity: 1, MaxHeldMessages: 1}},
		{"negative egress", Config{IngressCapacity: 1, EgressCapacity: -1, MaxHeldMessages: 1}},
		{"zero max held", Config{IngressCapacity: 1, EgressCapacity: 1}},
		{"unknown tie-break", Config{IngressCapacity: 1, EgressCapacity: 1, MaxHeldMessages: 1, TieBreak: TieBreak(7)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg, testLogger(t), nil); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()

	d, err := New(testConfig(), testLogger(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.Submit(context.Background(), time.Now(), "x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit before Start: err = %v, want ErrNotRunning", err)
	}
	if got := d.Snapshot().RejectedNotRunning; got != 1 {
		t.Fatalf("RejectedNotRunning = %d, want 1", got)
	}
}

func TestDeliveryInReleaseTimeOrder(t *testing.T) {
	t.Parallel()

	d := newRunning(t, testConfig())
	ctx := context.Background()
	now := time.Now()

	// Submitted out of time order on purpose.
	delays := []time.Duration{120 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond}
	ids := make(map[string]time.Duration, len(delays))
	for _, delay := range delays {
		m, err := d.Submit(ctx, now.Add(delay), delay.String())
		if err != nil {
			t.Fatalf("Submit(%v): %v", delay, err)
		}
		if m.ID == "" {
			t.Fatal("Submit returned a message without an ID")
		}
		ids[m.ID] = delay
	}

	var prev time.Time
	for i := 0; i < len(delays); i++ {
		m := recvOne(t, d, 2*time.Second)
		if m.At.Before(prev) {
			t.Fatalf("delivery %d out of order: At %v after %v", i, m.At, prev)
		}
		prev = m.At
		delete(ids, m.ID)
	}
	if len(ids) != 0 {
		t.Fatalf("%d submitted messages never delivered", len(ids))
	}

	snap := d.Snapshot()
	if snap.Released != uint64(len(delays)) || snap.Held != 0 {
		t.Fatalf("snapshot after drain: released=%d held=%d", snap.Released, snap.Held)
	}
}

func TestStrictOrderOnEqualReleaseTime(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TieBreak = TieStrictOrder
	d := newRunning(t, cfg)
	ctx := context.Background()
	at := time.Now().Add(150 * time.Millisecond)

	var want []uint64
	for i := 0; i < 8; i++ {
		m, err := d.Submit(ctx, at, i)
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		want = append(want, m.Sequence())
	}

	for i, seq := range want {
		m := recvOne(t, d, 2*time.Second)
		if m.Sequence() != seq {
			t.Fatalf("delivery %d: sequence = %d, want %d", i, m.Sequence(), seq)
		}
	}
}

func TestEarlierSubmissionPreemptsWait(t *testing.T) {
	t.Parallel()

	d := newRunning(t, testConfig())
	ctx := context.Background()
	now := time.Now()

	late, err := d.Submit(ctx, now.Add(500*time.Millisecond), "late")
	if err != nil {
		t.Fatalf("Submit late: %v", err)
	}
	early, err := d.Submit(ctx, now.Add(100*time.Millisecond), "early")
	if err != nil {
		t.Fatalf("Submit early: %v", err)
	}

	first := recvOne(t, d, 2*time.Second)
	if first.ID != early.ID {
		t.Fatalf("first delivery = %q, want the earlier message %q", first.ID, early.ID)
	}
	second := recvOne(t, d, 2*time.Second)
	if second.ID != late.ID {
		t.Fatalf("displaced message lost: second delivery = %q, want %q", second.ID, late.ID)
	}
	if got := d.Snapshot().Preempted; got != 1 {
		t.Fatalf("Preempted = %d, want 1", got)
	}
}

func TestHeldCapacityRejection(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxHeldMessages = 1
	d := newRunning(t, cfg)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	if _, err := d.Submit(ctx, at, "first"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	// The in-flight assignment still counts against the limit.
	if _, err := d.Submit(ctx, at, "second"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("second Submit: err = %v, want ErrCapacityExceeded", err)
	}

	snap := d.Snapshot()
	if snap.Held != 1 {
		t.Fatalf("Held = %d after rejection, want 1", snap.Held)
	}
	if snap.RejectedCapacity != 1 || snap.Submitted != 1 {
		t.Fatalf("rejected=%d submitted=%d, want 1/1", snap.RejectedCapacity, snap.Submitted)
	}
}

// fullIngress builds an engine whose mailbox is full and has no consumer, by
// forcing the running phase without spawning the coordinator. White-box on
// purpose: a live coordinator drains the mailbox too fast to back it up
// deterministically.
func fullIngress(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	cfg.IngressCapacity = 1
	d, err := New(cfg, testLogger(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.phase.Store(int32(PhaseRunning))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	// Occupies the single mailbox slot; the receipt wait times out.
	if _, err := d.Submit(ctx, time.Now().Add(time.Hour), "filler"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("filler Submit: err = %v, want DeadlineExceeded", err)
	}
	return d
}

func TestFailFastOnFullIngress(t *testing.T) {
	t.Parallel()

	d := fullIngress(t, testConfig())
	start := time.Now()
	_, err := d.Submit(context.Background(), time.Now().Add(time.Hour), "x")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Submit on full mailbox: err = %v, want ErrCapacityExceeded", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("fail-fast submission blocked")
	}
	if got := d.Snapshot().RejectedCapacity; got != 1 {
		t.Fatalf("RejectedCapacity = %d, want 1", got)
	}
}

func TestBlockOnFullIngressHonorsContext(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BlockOnFullIngress = true
	d := fullIngress(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := d.Submit(ctx, time.Now().Add(time.Hour), "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocking Submit: err = %v, want DeadlineExceeded", err)
	}
	// Blocking mode waits instead of rejecting.
	if got := d.Snapshot().RejectedCapacity; got != 0 {
		t.Fatalf("RejectedCapacity = %d, want 0", got)
	}
}

func TestPauseHoldsDelivery(t *testing.T) {
	t.Parallel()

	d := newRunning(t, testConfig())
	ctx := context.Background()

	if _, err := d.Submit(ctx, time.Now().Add(60*time.Millisecond), "x"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := d.Phase(); got != PhasePaused {
		t.Fatalf("Phase = %v, want paused", got)
	}

	select {
	case m := <-d.Messages():
		t.Fatalf("delivery %q while paused", m.ID)
	case <-time.After(200 * time.Millisecond):
	}

	if err := d.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	recvOne(t, d, 2*time.Second)
}

func TestSubmitWhilePausedAccepted(t *testing.T) {
	t.Parallel()

	d := newRunning(t, testConfig())
	ctx := context.Background()
	if err := d.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, err := d.Submit(ctx, time.Now().Add(10*time.Millisecond), "x"); err != nil {
		t.Fatalf("Submit while paused: %v", err)
	}
	if err := d.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	recvOne(t, d, 2*time.Second)
}

func TestShutdownFlushDeliversEverything(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EgressCapacity = 32
	d := newRunning(t, cfg)
	ctx := context.Background()
	now := time.Now()

	const n = 10
	for i := 0; i < n; i++ {
		// Far in the future; only the flush can deliver them.
		if _, err := d.Submit(ctx, now.Add(time.Hour+time.Duration(i)*time.Minute), i); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	if err := d.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := d.Phase(); got != PhaseStopped {
		t.Fatalf("Phase = %v, want stopped", got)
	}

	var prev time.Time
	var got int
	for m := range d.Messages() {
		if m.At.Before(prev) {
			t.Fatalf("flush out of priority order: %v after %v", m.At, prev)
		}
		prev = m.At
		got++
	}
	if got != n {
		t.Fatalf("flushed %d messages, want %d", got, n)
	}
	snap := d.Snapshot()
	if snap.Released != n || snap.Abandoned != 0 || snap.Held != 0 {
		t.Fatalf("snapshot: released=%d abandoned=%d held=%d", snap.Released, snap.Abandoned, snap.Held)
	}
}

func TestShutdownWithoutFlushAbandons(t *testing.T) {
	t.Parallel()

	d := newRunning(t, testConfig())
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := d.Submit(ctx, time.Now().Add(time.Hour), i); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if err := d.Shutdown(ctx, false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, ok := <-d.Messages(); ok {
		t.Fatal("discarding shutdown still delivered a message")
	}
	if got := d.Snapshot().Abandoned; got != n {
		t.Fatalf("Abandoned = %d, want %d", got, n)
	}
}

func TestShutdownDeadline(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EgressCapacity = 1
	d := newRunning(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.Submit(ctx, time.Now().Add(time.Hour), i); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	// Nobody reads egress: the flush can push exactly one message before the
	// deadline cuts it off.
	sctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := d.Shutdown(sctx, true)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Shutdown: err = %v, want ErrShutdownTimeout", err)
	}
	if got := d.Phase(); got != PhaseStopped {
		t.Fatalf("Phase = %v after deadline, want stopped", got)
	}

	snap := d.Snapshot()
	if snap.Released != 1 || snap.Abandoned != 2 {
		t.Fatalf("released=%d abandoned=%d, want 1/2", snap.Released, snap.Abandoned)
	}

	// Second call reports the first outcome without re-draining.
	if err2 := d.Shutdown(context.Background(), true); !errors.Is(err2, ErrShutdownTimeout) {
		t.Fatalf("repeat Shutdown: err = %v, want the original ErrShutdownTimeout", err2)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()

	d := newRunning(t, testConfig())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := d.Shutdown(ctx, false); err != nil {
			t.Fatalf("Shutdown call %d: %v", i+1, err)
		}
	}
	if _, err := d.Submit(ctx, time.Now(), "x"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit after Shutdown: err = %v, want ErrNotRunning", err)
	}
	if err := d.Pause(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause after Shutdown: err = %v, want ErrNotRunning", err)
	}
}

func TestShutdownBeforeStart(t *testing.T) {
	t.Parallel()

	d, err := New(testConfig(), testLogger(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Shutdown(context.Background(), true); err != nil {
		t.Fatalf("Shutdown on created engine: %v", err)
	}
	if _, ok := <-d.Messages(); ok {
		t.Fatal("egress of a never-started engine delivered a message")
	}
	if err := d.Start(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Start after Shutdown: err = %v, want ErrNotRunning", err)
	}
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	d := newRunning(t, testConfig())
	if err := d.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start: err = %v, want ErrAlreadyStarted", err)
	}
}

func TestBusEventsForLifecycle(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sub, unsub := bus.Subscribe(64)
	defer unsub()

	d, err := New(testConfig(), testLogger(t), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := d.Submit(ctx, time.Now().Add(20*time.Millisecond), "x"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	recvOne(t, d, 2*time.Second)
	if err := d.Shutdown(ctx, false); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := map[string]bool{
		eventbus.TypeAccepted: false,
		eventbus.TypeReleased: false,
		eventbus.TypePhase:    false,
	}
	deadline := time.After(2 * time.Second)
	for {
		missing := 0
		for _, seen := range want {
			if !seen {
				missing++
			}
		}
		if missing == 0 {
			return
		}
		select {
		case ev := <-sub:
			if _, tracked := want[ev.Type]; tracked {
				want[ev.Type] = true
			}
		case <-deadline:
			t.Fatalf("bus events missing: %+v", want)
		}
	}
}

func TestSequencesStrictlyIncrease(t *testing.T) {
	t.Parallel()

	d := newRunning(t, testConfig())
	ctx := context.Background()
	var prev uint64
	for i := 0; i < 10; i++ {
		m, err := d.Submit(ctx, time.Now().Add(time.Hour), i)
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if m.Sequence() <= prev {
			t.Fatalf("sequence %d not strictly increasing after %d", m.Sequence(), prev)
		}
		prev = m.Sequence()
	}
}

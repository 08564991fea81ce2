package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"delayd/internal/eventbus"
	rtsup "delayd/internal/runtime/supervisor"
	logx "delayd/pkg/logx"
)

// Dispatcher is the engine facade: it owns the ingress/egress mailboxes, the
// lifecycle state machine, and the coordinator/waiter pair.
type Dispatcher struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock Clock

	ingress chan submitEnvelope
	egress  chan Message

	// Coordinator <-> waiter protocol. assignCh is the single assignment
	// slot; preemptCh and waiterEv are unbuffered so hand-offs stay
	// synchronous from the coordinator's perspective.
	assignCh  chan *Message
	preemptCh chan struct{}
	waiterEv  chan waiterEvent
	ctl       chan ctlRequest

	wStop      chan struct{}
	wStopOnce  sync.Once
	waiterDone chan struct{}
	terminated chan struct{} // closed once the engine reaches stopped

	sup *rtsup.Supervisor

	phase atomic.Int32
	seq   atomic.Uint64

	held               atomic.Int64
	submitted          atomic.Uint64
	released           atomic.Uint64
	preempted          atomic.Uint64
	rejectedCapacity   atomic.Uint64
	rejectedNotRunning atomic.Uint64
	abandoned          atomic.Uint64

	capWarn *rate.Limiter

	shutMu   sync.Mutex
	shutDone bool
	shutErr  error
}

type submitEnvelope struct {
	msg   *Message
	reply chan error
}

type waiterEventKind int

const (
	evExpired waiterEventKind = iota
	evReleased
	evAbandoned
)

type waiterEvent struct {
	kind waiterEventKind
	msg  *Message
}

type ctlOp int

const (
	opPause ctlOp = iota
	opResume
	opShutdown
)

type ctlRequest struct {
	op    ctlOp
	flush bool
	ctx   context.Context
	done  chan error
}

// New validates cfg and builds a stopped engine. The bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Dispatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	d := &Dispatcher{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		clock:      cfg.Clock,
		ingress:    make(chan submitEnvelope, cfg.IngressCapacity),
		egress:     make(chan Message, cfg.EgressCapacity),
		assignCh:   make(chan *Message, 1),
		preemptCh:  make(chan struct{}),
		waiterEv:   make(chan waiterEvent),
		ctl:        make(chan ctlRequest),
		wStop:      make(chan struct{}),
		waiterDone: make(chan struct{}),
		terminated: make(chan struct{}),
		capWarn:    rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	d.phase.Store(int32(PhaseCreated))
	return d, nil
}

// Start spawns the coordinator and waiter. Canceling ctx force-stops the
// engine without flushing; prefer Shutdown for a clean stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !d.phase.CompareAndSwap(int32(PhaseCreated), int32(PhaseRunning)) {
		if d.Phase() == PhaseStopped {
			return ErrNotRunning
		}
		return ErrAlreadyStarted
	}
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	d.sup.Go("coordinator", d.runCoordinator)
	d.sup.Go("waiter", d.runWaiter)
	d.publishPhase(PhaseRunning)
	d.log.Info("dispatcher started",
		logx.Int("ingress_cap", d.cfg.IngressCapacity),
		logx.Int("egress_cap", d.cfg.EgressCapacity),
		logx.Int("max_held", d.cfg.MaxHeldMessages),
		logx.String("tie_break", d.cfg.TieBreak.String()),
	)
	return nil
}

// Phase returns the current lifecycle phase.
func (d *Dispatcher) Phase() Phase { return Phase(d.phase.Load()) }

// Config returns the effective configuration (defaults resolved).
func (d *Dispatcher) Config() Config { return d.cfg }

// Messages is the egress mailbox. It is closed when the engine stops; every
// message delivered here was previously accepted by Submit.
func (d *Dispatcher) Messages() <-chan Message { return d.egress }

// Submit schedules payload for release at the given time. It never blocks on
// the engine's internal state; with BlockOnFullIngress it may wait for
// mailbox room, bounded by ctx.
func (d *Dispatcher) Submit(ctx context.Context, at time.Time, payload any) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch d.Phase() {
	case PhaseRunning, PhasePaused:
	default:
		d.rejectedNotRunning.Add(1)
		return Message{}, ErrNotRunning
	}

	m := &Message{
		ID:      uuid.NewString(),
		At:      at,
		Payload: payload,
		seq:     d.seq.Add(1),
		index:   notInHeap,
	}
	env := submitEnvelope{msg: m, reply: make(chan error, 1)}

	if d.cfg.BlockOnFullIngress {
		select {
		case d.ingress <- env:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-d.terminated:
			d.rejectedNotRunning.Add(1)
			return Message{}, ErrNotRunning
		}
	} else {
		select {
		case d.ingress <- env:
		case <-d.terminated:
			d.rejectedNotRunning.Add(1)
			return Message{}, ErrNotRunning
		default:
			d.rejectedCapacity.Add(1)
			d.warnCapacity("ingress mailbox full", m)
			d.publishMessage(eventbus.TypeRejected, m, "ingress_full")
			return Message{}, fmt.Errorf("%w: ingress mailbox full", ErrCapacityExceeded)
		}
	}

	select {
	case err := <-env.reply:
		if err != nil {
			return Message{}, err
		}
		return m.delivery(), nil
	case <-ctx.Done():
		// The coordinator may still accept the envelope; the message is then
		// owned by the engine and the caller only loses the receipt.
		return Message{}, ctx.Err()
	case <-d.terminated:
		d.rejectedNotRunning.Add(1)
		return Message{}, ErrNotRunning
	}
}

// Pause suspends delivery and preemption decisions. Held messages are kept;
// submissions are still accepted.
func (d *Dispatcher) Pause(ctx context.Context) error {
	return d.control(ctx, ctlRequest{op: opPause, done: make(chan error, 1)})
}

// Resume re-establishes the waiter assignment as if pause had not occurred.
func (d *Dispatcher) Resume(ctx context.Context) error {
	return d.control(ctx, ctlRequest{op: opResume, done: make(chan error, 1)})
}

func (d *Dispatcher) control(ctx context.Context, req ctlRequest) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if p := d.Phase(); p != PhaseRunning && p != PhasePaused {
		return ErrNotRunning
	}
	select {
	case d.ctl <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.terminated:
		return ErrNotRunning
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.terminated:
		return ErrNotRunning
	}
}

// Shutdown drains the engine and blocks until it reaches stopped. With flush
// every held message is pushed to egress in priority order; otherwise the
// remainder is discarded and counted. A ctx deadline bounds the drain: on
// expiry Shutdown returns ErrShutdownTimeout but the engine still stops.
// Subsequent calls return the first call's outcome.
func (d *Dispatcher) Shutdown(ctx context.Context, flush bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.shutMu.Lock()
	defer d.shutMu.Unlock()
	if d.shutDone {
		return d.shutErr
	}

	if d.phase.CompareAndSwap(int32(PhaseCreated), int32(PhaseStopped)) {
		// Never started: nothing to drain.
		close(d.egress)
		close(d.terminated)
		d.publishPhase(PhaseStopped)
		d.shutDone = true
		return nil
	}

	req := ctlRequest{op: opShutdown, flush: flush, ctx: ctx, done: make(chan error, 1)}
	var err error
	select {
	case d.ctl <- req:
		err = <-req.done
	case <-d.terminated:
		// Force-stopped via Start's ctx before we got here.
	}

	if d.sup != nil {
		_ = d.sup.Wait(context.Background())
	}
	d.shutDone, d.shutErr = true, err
	if err != nil {
		d.log.Warn("dispatcher stopped with incomplete drain", logx.Err(err), logx.Uint64("abandoned", d.abandoned.Load()))
	} else {
		d.log.Info("dispatcher stopped", logx.Uint64("released", d.released.Load()), logx.Uint64("abandoned", d.abandoned.Load()))
	}
	return err
}

// Snapshot reports counters for diagnostics.
func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		Phase:              d.Phase(),
		Held:               int(d.held.Load()),
		Submitted:          d.submitted.Load(),
		Released:           d.released.Load(),
		Preempted:          d.preempted.Load(),
		RejectedCapacity:   d.rejectedCapacity.Load(),
		RejectedNotRunning: d.rejectedNotRunning.Load(),
		Abandoned:          d.abandoned.Load(),
		IngressLen:         len(d.ingress),
		IngressCap:         cap(d.ingress),
		EgressLen:          len(d.egress),
		EgressCap:          cap(d.egress),
	}
}

func (d *Dispatcher) stopWaiter() {
	d.wStopOnce.Do(func() { close(d.wStop) })
}

func (d *Dispatcher) warnCapacity(why string, m *Message) {
	if d.capWarn.Allow() {
		d.log.Warn("message rejected: "+why,
			logx.String("id", m.ID),
			logx.Time("at", m.At),
			logx.Uint64("rejected_capacity", d.rejectedCapacity.Load()),
		)
	}
}

func (d *Dispatcher) publishMessage(typ string, m *Message, reason string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: typ,
		Data: MessageEvent{ID: m.ID, At: m.At, Sequence: m.seq, Reason: reason},
	})
}

func (d *Dispatcher) publishPhase(p Phase) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypePhase, Data: PhaseEvent{Phase: p.String()}})
}

package dispatch

import (
	"context"
	"fmt"

	"delayd/internal/eventbus"
	logx "delayd/pkg/logx"
)

// coordinator is the single sequential owner of the holding heap. Every
// mutation happens on this goroutine; the waiter only ever sees one message
// at a time through the assignment slot.
type coordinator struct {
	d    *Dispatcher
	heap *messageHeap

	// assigned is the message currently out for waiting, whether still in
	// the slot or already picked up by the waiter. nil while the waiter is
	// idle or releasing.
	assigned *Message

	// releasing is true between the waiter's expiry announcement and its
	// post-egress acknowledgment.
	releasing bool

	paused bool
}

func (d *Dispatcher) runCoordinator(ctx context.Context) error {
	c := &coordinator{d: d, heap: newMessageHeap(d.cfg.TieBreak == TieStrictOrder)}
	for {
		select {
		case env := <-d.ingress:
			c.onSubmit(env)
		case ev := <-d.waiterEv:
			c.onWaiterEvent(ev)
		case req := <-d.ctl:
			switch req.op {
			case opPause:
				c.onPause()
				req.done <- nil
			case opResume:
				c.onResume()
				req.done <- nil
			case opShutdown:
				err := c.shutdown(req.ctx, req.flush)
				req.done <- err
				return nil
			}
		case <-ctx.Done():
			// Forced stop (Start ctx canceled): drain without flushing so
			// neither the waiter nor blocked submitters leak.
			_ = c.shutdown(ctx, false)
			return nil
		}
	}
}

func (c *coordinator) heldCount() int {
	n := c.heap.Len()
	if c.assigned != nil {
		n++
	}
	return n
}

func (c *coordinator) syncHeld() {
	c.d.held.Store(int64(c.heldCount()))
}

func (c *coordinator) onSubmit(env submitEnvelope) {
	d := c.d
	m := env.msg

	if c.heldCount() >= d.cfg.MaxHeldMessages {
		d.rejectedCapacity.Add(1)
		d.warnCapacity("holding structure full", m)
		d.publishMessage(eventbus.TypeRejected, m, "max_held_messages")
		env.reply <- fmt.Errorf("%w: %d messages held", ErrCapacityExceeded, c.heldCount())
		return
	}

	c.heap.insert(m)
	d.submitted.Add(1)
	d.publishMessage(eventbus.TypeAccepted, m, "")
	env.reply <- nil
	c.syncHeld()

	if c.paused {
		return
	}
	if c.assigned == nil {
		c.assignNext()
		return
	}
	// Preempt only when the newcomer must run before the current assignment.
	if m.before(c.assigned, c.heap.strict) {
		if prev := c.reclaimAssigned(); prev != nil {
			d.preempted.Add(1)
			c.heap.insert(prev)
			d.log.Debug("wait preempted",
				logx.String("preempted_by", m.ID),
				logx.String("returned", prev.ID),
			)
		}
		c.assignNext()
	}
}

// assignNext hands the heap minimum to the waiter. The slot is guaranteed
// empty here because assigned is nil.
func (c *coordinator) assignNext() {
	if c.assigned != nil || c.heap.Len() == 0 {
		return
	}
	m := c.heap.extractMin()
	c.assigned = m
	c.d.assignCh <- m
	c.syncHeld()
}

// reclaimAssigned takes the current assignment back from the waiter. It
// returns the message, or nil when the wait expired first (the release is
// then already in flight and no longer abortable).
func (c *coordinator) reclaimAssigned() *Message {
	d := c.d
	if c.assigned == nil {
		return nil
	}
	// Fast path: still parked in the slot, the waiter never saw it.
	select {
	case m := <-d.assignCh:
		c.assigned = nil
		return m
	default:
	}
	// The waiter holds it: abandon handshake, racing against expiry.
	select {
	case d.preemptCh <- struct{}{}:
		ev := <-d.waiterEv
		if ev.kind == evAbandoned {
			c.assigned = nil
			return ev.msg
		}
		c.onWaiterEvent(ev)
		return nil
	case ev := <-d.waiterEv:
		c.onWaiterEvent(ev)
		return nil
	case <-d.waiterDone:
		// Waiter force-stopped; the assignment died with it.
		c.assigned = nil
		d.abandoned.Add(1)
		return nil
	}
}

func (c *coordinator) onWaiterEvent(ev waiterEvent) {
	d := c.d
	switch ev.kind {
	case evExpired:
		// The wait completed; the message now belongs to the egress path.
		// Announcing before the egress send keeps a slow consumer from ever
		// stalling this loop.
		c.assigned = nil
		c.releasing = true
		c.syncHeld()
		if !c.paused {
			c.assignNext()
		}
	case evReleased:
		c.releasing = false
		d.released.Add(1)
		d.publishMessage(eventbus.TypeReleased, ev.msg, "")
	case evAbandoned:
		// Normally consumed inside reclaimAssigned; kept for safety.
		c.assigned = nil
		c.heap.insert(ev.msg)
		c.syncHeld()
	}
}

func (c *coordinator) onPause() {
	if c.paused {
		return
	}
	c.paused = true
	if m := c.reclaimAssigned(); m != nil {
		c.heap.insert(m)
	}
	c.syncHeld()
	c.d.phase.Store(int32(PhasePaused))
	c.d.publishPhase(PhasePaused)
	c.d.log.Info("dispatcher paused", logx.Int("held", c.heldCount()))
}

func (c *coordinator) onResume() {
	if !c.paused {
		return
	}
	c.paused = false
	c.d.phase.Store(int32(PhaseRunning))
	c.d.publishPhase(PhaseRunning)
	c.assignNext()
	c.d.log.Info("dispatcher resumed", logx.Int("held", c.heldCount()))
}

func (c *coordinator) shutdown(ctx context.Context, flush bool) error {
	d := c.d
	d.phase.Store(int32(PhaseDraining))
	d.publishPhase(PhaseDraining)
	// Suppress reassignment while the drain runs.
	c.paused = true

	// Recall the in-flight assignment so it drains with the rest.
	if m := c.reclaimAssigned(); m != nil {
		c.heap.insert(m)
	}
	c.syncHeld()

	var err error

	// Wait out an in-progress release: egress must stay ordered and must not
	// be closed under the waiter.
	for c.releasing {
		select {
		case ev := <-d.waiterEv:
			c.onWaiterEvent(ev)
		case <-d.waiterDone:
			c.releasing = false
		case <-ctx.Done():
			// Stuck consumer: unblock the waiter, which counts the loss.
			d.stopWaiter()
			err = ErrShutdownTimeout
			c.releasing = false
		}
	}

	if flush && err == nil {
		for c.heap.Len() > 0 {
			m := c.heap.peekMin()
			select {
			case d.egress <- m.delivery():
				c.heap.extractMin()
				d.released.Add(1)
				d.publishMessage(eventbus.TypeReleased, m, "")
				c.syncHeld()
			case <-ctx.Done():
				err = ErrShutdownTimeout
			}
			if err != nil {
				break
			}
		}
	}

	// Discard whatever remains.
	reason := "no_flush"
	if err != nil {
		reason = "shutdown_timeout"
	}
	for c.heap.Len() > 0 {
		m := c.heap.extractMin()
		d.abandoned.Add(1)
		d.publishMessage(eventbus.TypeAbandoned, m, reason)
	}
	c.syncHeld()

	// Stop the waiter and wait for it to exit before closing egress.
	d.stopWaiter()
	<-d.waiterDone

	// Refuse anything still parked in the ingress mailbox.
drainIngress:
	for {
		select {
		case env := <-d.ingress:
			d.rejectedNotRunning.Add(1)
			env.reply <- ErrNotRunning
		default:
			break drainIngress
		}
	}

	close(d.egress)
	d.phase.Store(int32(PhaseStopped))
	d.publishPhase(PhaseStopped)
	close(d.terminated)
	return err
}

package dispatch

import (
	"context"

	"delayd/internal/eventbus"
)

// runWaiter holds zero or one assigned message. It sleeps until the
// assignment is due or the coordinator preempts it, then hands the released
// message to egress. The egress send is the engine's backpressure point:
// expiry is announced to the coordinator first, so the coordinator keeps
// accepting and reordering while a slow consumer blocks the send.
func (d *Dispatcher) runWaiter(ctx context.Context) error {
	defer close(d.waiterDone)
	for {
		var m *Message
		select {
		case <-d.wStop:
			return nil
		case <-ctx.Done():
			return nil
		case m = <-d.assignCh:
		}

		timer := d.clock.NewTimer(m.At.Sub(d.clock.Now()))
		select {
		case <-timer.C():
			select {
			case d.waiterEv <- waiterEvent{kind: evExpired, msg: m}:
			case <-d.wStop:
				d.countLost(m)
				return nil
			}
			select {
			case d.egress <- m.delivery():
				select {
				case d.waiterEv <- waiterEvent{kind: evReleased, msg: m}:
				case <-d.wStop:
					return nil
				}
			case <-d.wStop:
				d.countLost(m)
				return nil
			}
		case <-d.preemptCh:
			if !timer.Stop() {
				select {
				case <-timer.C():
				default:
				}
			}
			select {
			case d.waiterEv <- waiterEvent{kind: evAbandoned, msg: m}:
			case <-d.wStop:
				d.countLost(m)
				return nil
			}
		case <-d.wStop:
			timer.Stop()
			d.countLost(m)
			return nil
		}
	}
}

func (d *Dispatcher) countLost(m *Message) {
	d.abandoned.Add(1)
	d.publishMessage(eventbus.TypeAbandoned, m, "shutdown_timeout")
}

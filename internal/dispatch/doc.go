// Package dispatch implements a bounded, concurrent delayed-dispatch engine.
//
// Callers submit messages tagged with a future release time; the engine holds
// each message until its time arrives, then emits it on the egress channel.
// Two goroutines cooperate: the coordinator owns the priority heap and decides
// what the waiter should be blocked on, and the waiter sleeps until the
// assigned message is due or the coordinator preempts it with something
// sooner. Hand-offs between the two go through a single-slot assignment
// channel plus an abandon/reassign handshake, so the heap is never touched
// outside the coordinator.
//
// The engine guarantees release no earlier than the requested time, ordered
// by release time across messages held simultaneously. It does not persist
// pending messages and each message fires exactly once.
package dispatch

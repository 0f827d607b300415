/*
Package bridge runs long-lived, output-producing work off the caller's goroutine and streams its output back in order.

A Job is either an in-process call (InProcessCall) or an external process (ExternalProcess). Runner.Start launches the
job on dedicated goroutines and returns a Handle, used for cancellation, and a Receiver, the consuming end of an unbounded
multi-producer/single-consumer event channel. Producers never block on send.

Every job produces exactly one Exit event, and it is always the last event on the channel. Line and partial events from a
single stream arrive in the order they were produced; stdout and stderr may interleave arbitrarily.

Runner.Relay drains a Receiver and forwards each event to a Session. It polls the channel without blocking on it, backing
off while the channel is empty, and stops after the Exit event. If every producer goes away without sending Exit, the
relay synthesizes one with code -1 so the session always reaches a terminal state.

Cancellation (Handle.Cancel) stops the stream readers after their current read and kills the process group. The watcher
still reports a single Exit, with code -1 for a killed process. Cancelling twice, or after completion, does nothing.
*/
package bridge

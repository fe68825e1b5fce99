// Package events provides the job lifecycle event type, the non-blocking hub
// and the emitter interface used by the relay. The hub batches events on a
// background goroutine and fans them out to pluggable sinks such as structured
// logs or a Pub/Sub topic.
package events

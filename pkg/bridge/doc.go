// Package bridge implements the streaming bridge engine: an upstream
// websocket session feeding a bounded queue, a worker pool wrapping frames
// in canonical envelopes and publishing them to the bus, circuit breakers
// on both endpoints, and a supervisor that owns lifecycle, reconnection and
// the heartbeat.
//
// The data path is Session -> Queue -> WorkerPool -> Publisher. The reader
// is the single producer and never blocks: when the queue is full the
// incoming frame is dropped and counted. Delivery to the bus is
// at-most-once. Control flow is a star centered on the Supervisor, which
// holds the only references to the other components; there is no global
// mutable state.
package bridge

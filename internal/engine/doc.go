// Package engine assembles and runs a crmsync deployment.
//
// An Engine owns the wiring between the store, the mapping registry, the
// remote client and the local entity store: the mapped object syncer, the
// push queue with its REST processor and local change observer, and the
// pull handlers and worker.
//
// Scheduling:
//
// Run is a single-goroutine loop over a FIFO of events. A ticker adds a
// push and a pull event every interval; Watch adds a reload event when a
// mapping file changes. Events are handled one at a time, so a push pass,
// a pull pass and a mapping reload never run concurrently within one
// process. Several processes may still share a queue backend; claims are
// leased per job.
package engine

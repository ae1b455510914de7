// Package store provides SQLite-backed durable storage for the sync core.
//
// Tables:
//   - mapped_objects / mapped_object_revisions: the link between a local
//     entity and a remote record, with one revision row per save
//   - push_queue: pending push jobs, unique on (name, entity_id)
//   - pull_queue: remote records waiting to be applied locally
//   - state: key-value checkpoints (last_sync_<mapping>, last_delete_<mapping>)
//   - entities: JSON documents backing the built-in entity store
//
// # Queue Leasing
//
// Both queues claim work with a per-row compare-and-set:
//
//	UPDATE ... SET expire = ? WHERE item_id = ? AND (expire = 0 OR expire <= ?)
//
// A row is claimed only when RowsAffected is 1, so two processes sharing a
// database never both receive the same job. An expired lease is the only
// recovery from a crashed worker.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// PostgresPushQueue implements the same push queue contract on PostgreSQL
// for deployments where several hosts drain one queue.
package store

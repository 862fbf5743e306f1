// Package store holds the in-memory entity graph: jobs, steps, nodes,
// front-ends, partitions and reservations, with by-id, by-user and
// by-partition indices and the persistence shadows used by the state-save
// files. The store is unsynchronized by design; callers hold the lock
// domain axes their access needs.
package store

// Package locks provides the controller's four-axis reader/writer lock
// (config, job, node, partition) with a fixed acquisition order, plus the
// throttle gate that serializes writer-heavy RPC handlers.
package locks

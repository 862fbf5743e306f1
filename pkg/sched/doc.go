// Package sched drives the pending queue: admission checks against
// partition and reservation policy, priority-ordered placement over the
// node table, and the commit path that marks nodes allocated, mints the
// job credential and fans prolog launches out through the agent queue.
//
// Scheduling runs from two triggers: an interval timer and kicks from
// completion events. Kicks are rate-limited so that N epilog completions
// from one job collapse into a handful of passes; with the defer_sched
// config flag set, kicks are suppressed entirely and only the timer
// schedules.
package sched

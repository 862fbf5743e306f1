// Package controller implements the cluster's central daemon: the RPC
// dispatcher, the job/node lifecycle handlers, and the background loops
// that keep the in-memory state graph honest.
//
// # Request flow
//
// Every request enters through Dispatch: the auth credential resolves to a
// uid, the uid classifies into user/operator/super-user/agent, the handler
// table supplies the lock set and the throttle decision, and the handler
// runs with the lock domain held. Responses are either the handler's typed
// payload or a RETURN_CODE message carrying a numeric code plus detail.
//
// Writer-heavy handlers (submit, allocate, step/batch/job completion) pass
// through a throttle gate admitting one at a time, so a burst of
// submissions cannot monopolize the job write lock against readers.
//
// # Event flow
//
// Node-origin events (registration, prolog/epilog completion, step and
// batch completion) drive the state machine asynchronously: prolog fan-in
// clears Configuring, epilog fan-in clears Completing, and each cleared
// Completing kicks the scheduler unless defer mode is set. A watchdog
// outside the RPC path expires silent nodes, fails their jobs, purges
// terminal job records past the retention window, and snapshots state to
// the save files.
//
// The controller owns every entity record through the store; handlers pass
// ids around and re-resolve them under the lock domain, never holding
// references across lock boundaries.
package controller

// Package service implements supervision of long running automation jobs.
//
// Overview
// The Supervisor owns a control loop and a registry of active jobs, one per
// model.JobKey. Clients ask it to start, pause, resume or stop a job. Every
// request is executed on the loop, so registry mutations and broadcasts are
// serialized. Output lines and exits of the children are sent back to the
// loop as well.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process in its own process group
//   - captures stdout and stderr line by line (one goroutine each)
//   - reaps the process once both streams are drained
//   - delivers signals to the whole process group
//
// Data flow:
//
//	client              Supervisor{loop}            Runner{cmd}          Publisher
//	  |                       |                          |                   |
//	  | Start(key) ---------->| NewRunner + Start() ---->| os/exec.Start     |
//	  |<-- Started{pid} ------| registry.Put             |                   |
//	  |                       |---- status --------------------------------->|
//	  |                       |<-- output line ----------| stream goroutines |
//	  |                       |---- log ------------------------------------>|
//	  | Pause/Resume/Stop --->| SIGSTOP/SIGCONT/SIGTERM->|                   |
//	  |                       |<-- exit result ----------| Wait()            |
//	  |                       | registry.RemoveRun       |                   |
//	  |                       |---- processComplete + status --------------->|
//
// Invariants:
//   - At most one registry record per key. Starting an active key terminates
//     the previous run and replaces it.
//   - A record never outlives its process: stop, exit and error all remove it.
//   - Each run has an id. An exit reconciles only the run that is still
//     registered, so a stopped or superseded run ends exactly once.
//   - Synchronous failures (LaunchError, NotFound, SignalError) are returned
//     to the caller and never broadcast. Asynchronous failures always are.
//   - Spawning and signalling never wait for the child.
//   - Shutdown terminates every registered job.
//
// internal/service/service_test.go is the best source about how to properly
// use the Supervisor struct.
package service

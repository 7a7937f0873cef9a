/*
Package scheduler drains the event queue, routes ready turns to backends and
supervises one invoker subprocess per in-flight invocation.

# Architecture

The scheduler runs a single-threaded control loop on a fixed cycle. Each
cycle drains the durable queue, dispatches every event, retries events that
previously found no backend, and sweeps stale locks:

	┌────────────────────────────────────────────────────────────┐
	│                    Scheduler Loop                          │
	│                  (every SCHEDULER_CYCLE)                   │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. Drain EventQueue                                       │
	│  2. For each event: file_ready / stop_signal               │
	│  3. Retry parked file_ready events                         │
	│  4. Reap stale locks                                       │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    │                         │
	    ▼                         ▼
	┌─────────────┐       ┌──────────────┐
	│ file_ready  │       │ stop_signal  │
	└─────┬───────┘       └──────┬───────┘
	      │                      │
	      ▼                      ▼
	  route → lock →         find owner →
	  spawn invoker →        terminate →
	  monitor lifecycle      rescue partial

file_ready handling resolves the task's complexity (file comment, cached
value, configured default), asks the registry for a backend, and admits the
work through the lock registry. The invoker runs as a subprocess; a monitor
goroutine waits on it, parses the stdout protocol, writes the journal and
audit records, releases the lock and decides whether the conversation should
auto-continue.

No subprocess wait ever blocks the control loop: monitors run concurrently
and only touch filesystem state, which every store in this module mutates
atomically.

# Continuations

An invocation that ends having used exactly its turn budget is probably
mid-thought. Unless the user already edited the response or asked to stop,
the response file is re-queued with the session id as metadata so the next
invocation resumes where the last one left off. The continuation store
bounds how many times this may happen per task.

# Failure sentinels

A failed (task, file) pair gets a sentinel with a failure count and
timestamp. Dispatch skips the pair until the sentinel's exponential backoff
expires, and a later success clears it. This keeps one broken input from
monopolizing a backend slot every cycle.
*/
package scheduler

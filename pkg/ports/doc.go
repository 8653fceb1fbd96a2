/*
Package ports defines the driven ports (interfaces) of the Crucible engine.

These interfaces decouple the orchestration core from storage backends, lock
services and the external decision function.

# Key Interfaces

  - StateStore: persists task records and applies deltas atomically.
  - DistributedLocker: cross-process locking for a thread.
  - Decider: the opaque decision function behind the dispatcher.
  - EventSink: a passive observer of driver events.
*/
package ports

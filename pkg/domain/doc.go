/*
Package domain contains the core data model of the Crucible workflow engine.

It defines the persistent task record, the deltas that mutate it, the decisions
produced by the dispatcher and the events relayed to stream consumers. This
package is kept pure and free of I/O, persistence and transport concerns.

# Key Entities

  - TaskRecord: the durable snapshot of one workflow instance, keyed by thread ID.
  - Delta: a partial overlay merged into a TaskRecord. Every mutation is a Delta.
  - Interrupt: the continuation stored while a task waits for external input.
  - Decision: the closed set of routing outcomes (RouteWorker, AskUser, Finish).
  - Event: a typed progress notification emitted by the driver.
*/
package domain

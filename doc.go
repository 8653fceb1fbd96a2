/*
Package crucible is a resumable multi-actor workflow engine.

A task is a shared record that a dispatcher routes between workers, the user
and a terminal node. Every step commits a partial update of the record before
the next one starts, so a task survives restarts: it can be listed, inspected,
resumed after asking the user for input, or continued after a crash.

# Concept

Each dispatcher tick consults a Decider. Its answer is validated into a
decision: run a named worker, ask the user, or finish. Workers read a snapshot
of the record and return a Delta. A worker may suspend itself with
worker.Suspend, which parks the task until Engine.Resume delivers a value;
the worker is then re-entered and sees that value as the result of the same
Suspend call. Side effects wrapped in worker.Tool are replayed from memory on
re-entry instead of running twice.

When the decider routes back to the analysis worker with continue_iteration
set, the iteration controller archives the current pass and clears the
per-iteration fields, up to the task's iteration limit.

# Usage

	eng, err := crucible.New(
		crucible.WithWorkers(workers.Standard(validate, analyze, optimize, createOrder)...),
		crucible.WithStore(redis.NewFromClient(client)),
	)
	if err != nil {
		log.Fatal(err)
	}

	for ev, err := range eng.Start(ctx, crucible.StartRequest{Payload: input}) {
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(ev.Type, ev.Node)
	}

Every call returns a stream of events. The same events are published on the
relay, so other consumers can follow a task with Engine.Subscribe.

# Adapters

  - pkg/adapters/memory, pkg/adapters/redis and internal/adapters/file store task records.
  - pkg/adapters/http serves tasks over REST, NDJSON, Server-Sent Events and WebSocket.
  - pkg/adapters/mcp exposes tasks as Model Context Protocol tools.
  - pkg/adapters/process runs workers as external commands.
  - pkg/decider/rules is a declarative decider driven by expr rules.
*/
package crucible

/*
Package runner drives tasks through the dispatcher, worker and ask_user nodes.

Each call to Start, Resume or Continue takes the per-thread lock, then runs
steps until the task suspends, finishes, exhausts its step budget or the
consumer stops reading. Every step is committed to the store before the next
one starts, so a task interrupted at any point can be picked up again with
Continue.

# Usage

	r := runner.New(sessions, registry, disp,
		runner.WithSinks(hub.Publish),
		runner.WithLogger(logger),
	)

	for ev, err := range r.Start(ctx, runner.StartRequest{Payload: payload}) {
		if err != nil {
			return err
		}
		fmt.Println(ev.Type, ev.Node)
	}
*/
package runner

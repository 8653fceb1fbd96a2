/*
Package worker defines the contract every Crucible worker implements.

A worker receives a deep copy of the task record and returns a delta. It can
park the task with Suspend and wrap slow side effects in Tool so that a
re-entered worker replays them instead of running them twice:

	func (w *Experimenter) Run(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
		order, err := worker.Tool(ctx, "create_workorder", snap.Payload, w.createOrder)
		if err != nil {
			return domain.Delta{}, err
		}
		v, err := worker.Suspend(ctx, map[string]any{"type": "await_experiment_results"})
		if err != nil {
			return domain.Delta{}, err // a *Suspension: the driver parks the task
		}
		...
	}

On resume the driver re-enters Run from the top; Suspend then returns the
resume value and Tool returns the memoized result.
*/
package worker

package crucible_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/crucible"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/aretw0/crucible/pkg/worker"
)

// ExampleNew runs a task whose only worker needs an answer from the user.
func ExampleNew() {
	approver := worker.Func{
		ID: "approver",
		Fn: func(ctx context.Context, snap *domain.TaskRecord) (domain.Delta, error) {
			answer, err := worker.Suspend(ctx, map[string]any{"question": "Ship it?"})
			if err != nil {
				return domain.Delta{}, err
			}
			return domain.Delta{Payload: map[string]any{"approved": answer}}, nil
		},
	}

	decide := ports.DeciderFunc(func(_ context.Context, dc ports.DecisionContext) (any, error) {
		if dc.Snapshot.Has("approved") {
			return map[string]any{"next": "finished", "message_to_user": "Done."}, nil
		}
		return map[string]any{"next": "approver"}, nil
	})

	eng, err := crucible.New(crucible.WithWorkers(approver), crucible.WithDecider(decide))
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()

	for ev, err := range eng.Start(ctx, crucible.StartRequest{ThreadID: "t-1", Payload: map[string]any{"release": "v2"}}) {
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(ev.Type, ev.Node)
	}

	rec, _ := eng.Get(ctx, "t-1")
	fmt.Println("status:", rec.Status())

	for ev, err := range eng.Resume(ctx, "t-1", "yes") {
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(ev.Type, ev.Node)
	}

	rec, _ = eng.Get(ctx, "t-1")
	fmt.Println("status:", rec.Status(), rec.Payload["approved"])

	// Output:
	// node_start dispatcher
	// node_end dispatcher
	// node_start approver
	// node_end approver
	// interrupt_raised approver
	// status: suspended
	// node_start approver
	// node_end approver
	// node_start dispatcher
	// node_end dispatcher
	// finished finished
	// status: finished yes
}

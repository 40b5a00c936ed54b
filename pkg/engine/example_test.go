package engine_test

import (
	"context"
	"fmt"
	"log"

	"github.com/slateboard/slateboard/pkg/engine"
)

// Example_board wires an engine, connects a source widget to a panel, and
// runs the hierarchy rooted at the source. The panel starts only after the
// source completed and observes its outputs on the connected slots.
func Example_board() {
	eng := engine.New(engine.Config{Workers: 2})
	eng.Start()
	defer eng.Shutdown(context.Background())

	echo := func(_ context.Context, req *engine.ActionRequest) (engine.Values, error) {
		return req.Inputs.Clone(), nil
	}
	if err := eng.RegisterKind(&engine.Registration{
		Slug:    "prime-source",
		Actions: map[string]engine.ActionFunc{"publish": echo},
	}); err != nil {
		log.Fatalf("Failed to register kind: %v", err)
	}
	if err := eng.RegisterKind(&engine.Registration{
		Slug:    "two-panel",
		Actions: map[string]engine.ActionFunc{"publish": echo},
	}); err != nil {
		log.Fatalf("Failed to register kind: %v", err)
	}

	source, err := eng.Graph().AddWidget("prime-source", "Primes", engine.Values{"p": 11, "q": 5})
	if err != nil {
		log.Fatalf("Failed to add widget: %v", err)
	}
	panel, err := eng.Graph().AddWidget("two-panel", "Viewer", nil)
	if err != nil {
		log.Fatalf("Failed to add widget: %v", err)
	}
	if _, err := eng.Graph().AddEdge(source.ID, "p", panel.ID, "p", nil); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	if _, err := eng.Graph().AddEdge(source.ID, "q", panel.ID, "q", nil); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	runID, err := eng.RunHierarchy(context.Background(), source.ID, "publish", engine.RunOptions{})
	if err != nil {
		log.Fatalf("Failed to start run: %v", err)
	}
	run, err := eng.WaitRun(context.Background(), runID)
	if err != nil {
		log.Fatalf("Failed to wait for run: %v", err)
	}

	observed, err := eng.Graph().GetWidget(panel.ID)
	if err != nil {
		log.Fatalf("Failed to get widget: %v", err)
	}

	fmt.Printf("status: %s (%d completed)\n", run.Status, run.Summary.Completed)
	fmt.Printf("panel saw p=%v q=%v\n", observed.Outputs["p"], observed.Outputs["q"])

	// Output:
	// status: succeeded (2 completed)
	// panel saw p=11 q=5
}

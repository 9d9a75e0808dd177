package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.temporal.io/sdk/worker"

	"github.com/arbor-research/arbor/internal/workflows"
)

// replay checks an exported workflow history against the current workflow
// code. Run it before deploying a change to NodeWorkflow or its siblings to
// catch non-deterministic edits that would break in-flight executions.
func main() {
	historyPath := flag.String("history", "", "Path to Temporal workflow history JSON (from temporal workflow show --output json)")
	flag.Parse()

	if *historyPath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -history /path/to/history.json")
		os.Exit(2)
	}

	replayer := worker.NewWorkflowReplayer()
	replayer.RegisterWorkflow(workflows.NodeWorkflow)
	replayer.RegisterWorkflow(workflows.AggregationWorkflow)
	replayer.RegisterWorkflow(workflows.RetryWorkflow)
	replayer.RegisterWorkflow(workflows.RegenerateWorkflow)

	if err := replayer.ReplayWorkflowHistoryFromJSONFile(nil, *historyPath); err != nil {
		log.Fatalf("Replay failed (non-deterministic change or invalid history): %v", err)
	}

	log.Printf("Replay succeeded for %s", *historyPath)
}

package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orchard/internal/cache"
	"orchard/internal/hashing"
	"orchard/internal/pipeline"
	"orchard/internal/runsummary"
	"orchard/internal/scheduler"
	"orchard/internal/taskgraph"
	"orchard/internal/workspace"
)

// logFileRel is the root-relative log location recorded in summaries.
func logFileRel(ws *workspace.Graph, node *taskgraph.Node) string {
	pkg, _ := ws.Package(node.Package)
	return filepath.Join(pkg.Dir, WorkDirName, node.Task+".log")
}

// writeLogFile persists a node's captured output under the package's work
// dir so summaries can reference it after the run.
func writeLogFile(ws *workspace.Graph, node *taskgraph.Node, log []byte) (string, error) {
	rel := logFileRel(ws, node)
	abs := filepath.Join(ws.Root(), rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return rel, err
	}
	return rel, os.WriteFile(abs, log, 0o644)
}

// report echoes outcomes in dependency order, persists logs, feeds the run
// summary, and prints the closing tally.
func report(opts *Options, ws *workspace.Graph, graph *taskgraph.Graph, hashes map[string]*hashing.NodeHash, result *scheduler.Result, summary *runsummary.Summary, startedAt time.Time) {
	stdout := opts.stdout()
	stderr := opts.stderr()

	for _, id := range graph.TopologicalOrder() {
		out := result.Outcomes[id]
		if out == nil {
			continue
		}
		node, _ := graph.Node(id)

		logFile := ""
		if len(out.Log) > 0 {
			rel, err := writeLogFile(ws, node, out.Log)
			if err != nil {
				fmt.Fprintf(stderr, "orchard: failed to write log for %s: %v\n", id, err)
			} else {
				logFile = rel
			}
		}

		echoOutcome(stdout, stderr, node, out)

		ts, err := runsummary.BuildTaskSummary(graph, id, hashes[id], logFile)
		if err != nil {
			continue
		}
		ts.ApplyOutcome(out)
		summary.Add(ts)
	}

	counts := result.Counts()
	success := counts[scheduler.StateCached] + counts[scheduler.StateExecuted] + counts[scheduler.StateStarted]
	fmt.Fprintf(stdout, "\n Tasks:    %d successful (%d cached), %d failed, %d skipped, %d total\n",
		success,
		counts[scheduler.StateCached],
		counts[scheduler.StateFailed],
		counts[scheduler.StateSkipped],
		graph.Len())
	fmt.Fprintf(stdout, " Time:     %s\n", time.Since(startedAt).Round(time.Millisecond))
	if result.Aborted {
		fmt.Fprintln(stderr, "orchard: run aborted")
	}
}

// echoOutcome applies the node's output mode. Failed logs always surface in
// full, whatever the mode says.
func echoOutcome(stdout, stderr io.Writer, node *taskgraph.Node, out *scheduler.Outcome) {
	id := node.ID()
	mode := node.Definition.OutputMode

	switch out.State {
	case scheduler.StateFailed:
		fmt.Fprintf(stderr, "%s: failed: %v\n", id, out.Err)
		if len(out.Log) > 0 {
			stderr.Write(out.Log)
		}
		return
	case scheduler.StateSkipped:
		fmt.Fprintf(stdout, "%s: skipped\n", id)
		return
	case scheduler.StateStarted:
		fmt.Fprintf(stdout, "%s: started\n", id)
		return
	}

	switch mode {
	case pipeline.OutputModeNone, pipeline.OutputModeErrorsOnly:
		return
	case pipeline.OutputModeHashOnly:
		fmt.Fprintf(stdout, "%s: %s %s\n", id, out.Cache, out.Hash)
		return
	case pipeline.OutputModeNewOnly:
		if out.State == scheduler.StateCached {
			fmt.Fprintf(stdout, "%s: cache hit (%s), replaying skipped\n", id, out.Cache.Source())
			return
		}
	}

	if out.State == scheduler.StateCached {
		fmt.Fprintf(stdout, "%s: cache hit (%s)\n", id, out.Cache.Source())
	} else {
		fmt.Fprintf(stdout, "%s: cache miss, executed\n", id)
	}
	if len(out.Log) > 0 {
		stdout.Write(out.Log)
	}
}

// dryRun renders what a run would do without executing: hashes, cache
// status, and resolved definitions per node. Nodes whose hash could not be
// computed surface on stderr and fail the invocation the way a real run
// would.
func dryRun(ctx context.Context, opts *Options, ws *workspace.Graph, graph *taskgraph.Graph, hashes map[string]*hashing.NodeHash, failures map[string]error, store *cache.Cache, summary *runsummary.Summary) int {
	stdout := opts.stdout()
	stderr := opts.stderr()
	summary.MarkDryRun()

	for _, id := range graph.TopologicalOrder() {
		node, _ := graph.Node(id)
		status := cache.Status{}
		if store != nil && node.Definition.Cache && node.Hash != "" {
			status, _ = store.Lookup(ctx, node.Hash)
		}
		ts, err := runsummary.BuildTaskSummary(graph, id, hashes[id], logFileRel(ws, node))
		if err != nil {
			continue
		}
		ts.CacheState = runsummary.CacheState{
			Status:    status.String(),
			Local:     status.Local,
			Remote:    status.Remote,
			TimeSaved: status.TimeSaved,
		}
		summary.Add(ts)
	}
	summary.Close(ExitOK)

	if opts.DryRunJSON {
		snap := summary.Snapshot()
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "orchard: %v\n", err)
			return ExitConfigError
		}
		fmt.Fprintln(stdout, string(data))
	} else {
		printDryRunText(stdout, summary.Snapshot())
	}

	if len(failures) > 0 {
		for id, err := range failures {
			fmt.Fprintf(stderr, "orchard: %s: %v\n", id, err)
		}
		return ExitTaskFailure
	}
	return ExitOK
}

func printDryRunText(w io.Writer, snap runsummary.RunSummary) {
	fmt.Fprintln(w, "Tasks to Run")
	for _, ts := range snap.Tasks {
		fmt.Fprintf(w, "%s\n", ts.TaskID)
		fmt.Fprintf(w, "  Task            = %s\n", ts.Task)
		fmt.Fprintf(w, "  Package         = %s\n", ts.Package)
		fmt.Fprintf(w, "  Hash            = %s\n", ts.Hash)
		fmt.Fprintf(w, "  Cached (Local)  = %v\n", ts.CacheState.Local)
		fmt.Fprintf(w, "  Cached (Remote) = %v\n", ts.CacheState.Remote)
		fmt.Fprintf(w, "  Command         = %s\n", ts.Command)
		fmt.Fprintf(w, "  Outputs         = %s\n", strings.Join(ts.Outputs, ", "))
		fmt.Fprintf(w, "  Log File        = %s\n", ts.LogFile)
		fmt.Fprintf(w, "  Dependencies    = %s\n", strings.Join(ts.Dependencies, ", "))
		fmt.Fprintf(w, "  Dependents      = %s\n", strings.Join(ts.Dependents, ", "))
	}
}

// Package scheduler walks a task graph in dependency order, replaying nodes
// from cache when possible and dispatching the rest to a process runner
// under a concurrency limit. A single event loop owns all node state; worker
// goroutines only execute and report back, so every node is handed off to a
// worker exactly once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"orchard/internal/cache"
	"orchard/internal/logging"
	"orchard/internal/proc"
	"orchard/internal/taskgraph"
	"orchard/internal/workspace"
)

// DefaultConcurrency bounds simultaneous task processes when the caller
// does not choose a limit.
const DefaultConcurrency = 10

// Options tune one scheduler run.
type Options struct {
	// Concurrency is the maximum number of nodes running at once.
	// Zero or negative means DefaultConcurrency.
	Concurrency int
	// ContinueOnError keeps dispatching after a failure; only transitive
	// dependents of failed nodes are skipped. The default policy stops
	// dispatching new nodes after the first failure and lets running
	// nodes finish.
	ContinueOnError bool
	// Force skips cache lookups so every node executes, while results are
	// still stored.
	Force bool
	// NoCache disables the cache entirely: no lookups, no stores.
	NoCache bool
	// NodeTimeout, when positive, bounds each node's execution time.
	NodeTimeout time.Duration
	// Env is the full environment given to task processes.
	Env []string
	// Log receives per-node lifecycle lines.
	Log *logging.Logger
}

// Outcome is the record of one node's passage through the scheduler.
type Outcome struct {
	TaskID   string
	State    State
	Hash     string
	Cache    cache.Status
	ExitCode int
	Log      []byte
	// Restored lists package-relative output paths written during cache
	// replay.
	Restored []string
	// Produced lists package-relative output paths archived after a
	// successful execution.
	Produced []string
	// Err explains Failed outcomes: *ExecutionError, *TimeoutError, a
	// context error on abort, or a pre-dispatch hashing failure.
	Err error
	// CacheErr records a failed store of a successful node's outputs. The
	// node still counts as executed; dependents need the real files, not
	// the cache entry.
	CacheErr error
	// Handle is set for Started nodes so the caller can stop or await the
	// persistent process.
	Handle    proc.Handle
	StartedAt time.Time
	EndedAt   time.Time
}

// Result aggregates a finished run.
type Result struct {
	Outcomes map[string]*Outcome
	// Aborted is set when the run context was cancelled from outside.
	Aborted bool
}

// Counts tallies outcomes by state.
func (r *Result) Counts() map[State]int {
	counts := make(map[State]int)
	for _, out := range r.Outcomes {
		counts[out.State]++
	}
	return counts
}

// Failed reports whether any node failed.
func (r *Result) Failed() bool {
	for _, out := range r.Outcomes {
		if out.State == StateFailed {
			return true
		}
	}
	return false
}

// Handles returns the live handles of Started nodes, ordered by task ID.
func (r *Result) Handles() []proc.Handle {
	ids := make([]string, 0, len(r.Outcomes))
	for id, out := range r.Outcomes {
		if out.State == StateStarted && out.Handle != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	handles := make([]proc.Handle, 0, len(ids))
	for _, id := range ids {
		handles = append(handles, r.Outcomes[id].Handle)
	}
	return handles
}

// Scheduler executes one task graph.
type Scheduler struct {
	graph  *taskgraph.Graph
	ws     *workspace.Graph
	cache  *cache.Cache
	runner proc.Runner
	opts   Options
	log    *logging.Logger
}

// New builds a scheduler. cacheStore may be nil when caching is disabled.
func New(g *taskgraph.Graph, ws *workspace.Graph, cacheStore *cache.Cache, runner proc.Runner, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Scheduler{graph: g, ws: ws, cache: cacheStore, runner: runner, opts: opts, log: log}
}

// Run drives the graph to completion. preFailed carries nodes whose hash
// could not be computed; they are marked Failed before dispatch and their
// transitive dependents are skipped, without stopping unrelated nodes.
//
// The returned error reports scheduler malfunction only; task failures are
// expressed through the outcomes.
func (s *Scheduler) Run(ctx context.Context, preFailed map[string]error) (*Result, error) {
	res := &Result{Outcomes: make(map[string]*Outcome, s.graph.Len())}
	if s.graph.Len() == 0 {
		return res, nil
	}

	state := make(map[string]State, s.graph.Len())
	unresolved := make(map[string]int, s.graph.Len())
	for _, id := range s.graph.IDs() {
		state[id] = StatePending
		unresolved[id] = len(s.graph.Dependencies(id))
	}

	remaining := s.graph.Len()
	stopDispatch := false

	setState := func(id string, to State) {
		if err := ValidateTransition(state[id], to); err != nil {
			s.log.Errorf("%s: %v", id, err)
		}
		state[id] = to
	}

	finish := func(out *Outcome) {
		setState(out.TaskID, out.State)
		res.Outcomes[out.TaskID] = out
		remaining--
	}

	skipDependents := func(id string) {
		for _, dep := range s.graph.TransitiveDependents(id) {
			if state[dep].Terminal() {
				continue
			}
			s.log.Infof("skipping %s: upstream %s failed", dep, id)
			finish(&Outcome{TaskID: dep, State: StateSkipped})
		}
	}

	var readyQ []string
	enqueue := func(id string) {
		setState(id, StateReady)
		at := sort.SearchStrings(readyQ, id)
		readyQ = append(readyQ, "")
		copy(readyQ[at+1:], readyQ[at:])
		readyQ[at] = id
	}

	apply := func(out *Outcome) {
		finish(out)
		switch {
		case out.State.Successful():
			for _, dep := range s.graph.Dependents(out.TaskID) {
				unresolved[dep]--
				if unresolved[dep] == 0 && state[dep] == StatePending {
					enqueue(dep)
				}
			}
		case out.State == StateFailed:
			s.log.Errorf("%s failed: %v", out.TaskID, out.Err)
			skipDependents(out.TaskID)
			if !s.opts.ContinueOnError {
				stopDispatch = true
			}
		}
	}

	// Nodes that never got a hash fail up front. Their dependents are
	// skipped, but unrelated nodes still run regardless of policy.
	preIDs := make([]string, 0, len(preFailed))
	for id := range preFailed {
		preIDs = append(preIDs, id)
	}
	sort.Strings(preIDs)
	for _, id := range preIDs {
		if _, ok := s.graph.Node(id); !ok {
			return nil, fmt.Errorf("unknown task %s in hash failures", id)
		}
		if state[id].Terminal() {
			continue
		}
		finish(&Outcome{TaskID: id, State: StateFailed, Err: preFailed[id]})
		skipDependents(id)
	}

	for _, id := range s.graph.IDs() {
		if state[id] == StatePending && unresolved[id] == 0 {
			enqueue(id)
		}
	}

	doneCh := make(chan *Outcome, s.graph.Len())
	inflight := 0
	ctxDone := ctx.Done()

	for remaining > 0 {
		for !stopDispatch && inflight < s.opts.Concurrency && len(readyQ) > 0 {
			id := readyQ[0]
			readyQ = readyQ[1:]
			setState(id, StateRunning)
			inflight++
			node, _ := s.graph.Node(id)
			go func() {
				doneCh <- s.execNode(ctx, node)
			}()
		}

		if inflight == 0 {
			// Dispatch has stopped and the last running node has
			// reported; everything left will never run.
			for _, id := range s.graph.IDs() {
				if !state[id].Terminal() {
					finish(&Outcome{TaskID: id, State: StateSkipped})
				}
			}
			break
		}

		select {
		case out := <-doneCh:
			inflight--
			apply(out)
		case <-ctxDone:
			ctxDone = nil
			res.Aborted = true
			stopDispatch = true
			s.log.Warnf("run aborted, waiting for %d running task(s)", inflight)
		}
	}

	return res, nil
}

// execNode runs one node to a terminal outcome: cache replay, persistent
// launch, or a full execute-and-store cycle.
func (s *Scheduler) execNode(ctx context.Context, node *taskgraph.Node) *Outcome {
	id := node.ID()
	out := &Outcome{TaskID: id, State: StateFailed, Hash: node.Hash, StartedAt: time.Now()}
	defer func() { out.EndedAt = time.Now() }()

	pkgDir := s.ws.PackageDir(node.Package)
	cacheable := s.cache != nil && node.Definition.Cache && !node.Persistent() && !s.opts.NoCache

	if cacheable && !s.opts.Force {
		status, entry := s.cache.Lookup(ctx, node.Hash)
		out.Cache = status
		if status.Hit {
			restored, err := cache.Restore(entry, pkgDir)
			if err != nil {
				out.Err = fmt.Errorf("failed to replay cached outputs for %s: %w", id, err)
				return out
			}
			s.log.Infof("%s cache hit (%s), replayed %d file(s)", id, status.Source(), len(restored))
			out.State = StateCached
			out.Log = entry.Log
			out.Restored = restored
			out.ExitCode = entry.Meta.ExitCode
			return out
		}
	}

	cmd := proc.Command{Shell: node.Command, Dir: pkgDir, Env: s.opts.Env}

	if node.Persistent() {
		handle, err := s.runner.Start(ctx, cmd)
		if err != nil {
			out.Err = fmt.Errorf("failed to start %s: %w", id, err)
			return out
		}
		s.log.Infof("%s started (persistent)", id)
		out.State = StateStarted
		out.Handle = handle
		return out
	}

	runCtx := ctx
	if s.opts.NodeTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.NodeTimeout)
		defer cancel()
	}

	s.log.Debugf("%s executing: %s", id, node.Command)
	result, err := s.runner.Run(runCtx, cmd)
	out.Log = result.Log
	out.ExitCode = result.ExitCode
	if err != nil {
		out.Err = fmt.Errorf("failed to run %s: %w", id, err)
		return out
	}
	if result.ExitCode != 0 {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			out.Err = &TimeoutError{TaskID: id, Limit: s.opts.NodeTimeout}
		case ctx.Err() != nil:
			out.Err = fmt.Errorf("task %s interrupted: %w", id, ctx.Err())
		default:
			out.Err = &ExecutionError{TaskID: id, ExitCode: result.ExitCode}
		}
		return out
	}

	out.State = StateExecuted
	if cacheable {
		s.store(ctx, node, pkgDir, out)
	}
	return out
}

// store archives a successful node's declared outputs. Failures are recorded
// on the outcome and logged but never demote the node: dependents consume
// the real files on disk.
func (s *Scheduler) store(ctx context.Context, node *taskgraph.Node, pkgDir string, out *Outcome) {
	inclusions, exclusions := node.Definition.OutputGlobs()
	files, err := cache.CollectOutputs(pkgDir, inclusions, exclusions)
	if err != nil {
		out.CacheErr = fmt.Errorf("failed to collect outputs for %s: %w", out.TaskID, err)
		s.log.Errorf("%v", out.CacheErr)
		return
	}
	out.Produced = make([]string, 0, len(files))
	for _, f := range files {
		out.Produced = append(out.Produced, f.Path)
	}
	entry := &cache.Entry{
		Hash:  node.Hash,
		Log:   out.Log,
		Files: files,
		Meta: cache.Metadata{
			DurationMS: time.Since(out.StartedAt).Milliseconds(),
			ExitCode:   0,
		},
	}
	if err := s.cache.Store(ctx, entry); err != nil {
		var consistency *cache.ConsistencyError
		if errors.As(err, &consistency) {
			s.log.Warnf("%v", err)
			return
		}
		out.CacheErr = fmt.Errorf("failed to store outputs for %s: %w", out.TaskID, err)
		s.log.Errorf("%v", out.CacheErr)
	}
}

// Package runsummary accumulates the per-run record: one entry per task with
// its hash, cache state, resolved definition, and execution outcome, plus the
// global hash inputs. The summary is append-only while the run is live,
// immutable after Close, and serializes to JSON for --summarize and --dry-run.
package runsummary

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchard/internal/cache"
	"orchard/internal/hashing"
	"orchard/internal/pipeline"
	"orchard/internal/scheduler"
	"orchard/internal/taskgraph"
)

const schemaVersion = 1

// CacheState is the lookup result recorded for one task.
type CacheState struct {
	Status    string `json:"status"`
	Local     bool   `json:"local"`
	Remote    bool   `json:"remote"`
	TimeSaved int64  `json:"timeSaved"`
}

func cacheStateOf(s cache.Status) CacheState {
	return CacheState{
		Status:    s.String(),
		Local:     s.Local,
		Remote:    s.Remote,
		TimeSaved: s.TimeSaved,
	}
}

// Definition is the resolved task definition in its serialized form.
type Definition struct {
	DependsOn      []string `json:"dependsOn"`
	Inputs         []string `json:"inputs"`
	Outputs        []string `json:"outputs"`
	Env            []string `json:"env"`
	PassThroughEnv []string `json:"passThroughEnv"`
	Cache          bool     `json:"cache"`
	Persistent     bool     `json:"persistent"`
	OutputMode     string   `json:"outputMode"`
	DotEnv         []string `json:"dotEnv"`
}

func definitionOf(d pipeline.Definition) Definition {
	deps := make([]string, 0, len(d.DependsOn))
	for _, r := range d.DependsOn {
		deps = append(deps, r.String())
	}
	return Definition{
		DependsOn:      deps,
		Inputs:         append([]string{}, d.Inputs...),
		Outputs:        append([]string{}, d.Outputs...),
		Env:            append([]string{}, d.Env...),
		PassThroughEnv: append([]string{}, d.PassThroughEnv...),
		Cache:          d.Cache,
		Persistent:     d.Persistent,
		OutputMode:     string(d.OutputMode),
		DotEnv:         append([]string{}, d.DotEnv...),
	}
}

// SpecifiedEnv echoes the env declarations from the task definition.
type SpecifiedEnv struct {
	Env            []string `json:"env"`
	PassThroughEnv []string `json:"passThroughEnv"`
}

// EnvVars classifies a task's environment surface. Configured entries carry
// "NAME=<sha256 of value>" so summaries never leak raw values; Inferred names
// come from the definition's dotEnv files rather than its env allow-list.
type EnvVars struct {
	Specified   SpecifiedEnv `json:"specified"`
	Configured  []string     `json:"configured"`
	Inferred    []string     `json:"inferred"`
	PassThrough []string     `json:"passthrough"`
}

func hashedEnvPairs(pairs []hashing.EnvPair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if !p.Set {
			continue
		}
		out = append(out, p.Name+"="+hashing.HashBytes([]byte(p.Value)))
	}
	return out
}

// Execution records how a task actually ran. Dry runs leave it nil.
type Execution struct {
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Status    string    `json:"status"`
	ExitCode  int       `json:"exitCode"`
	Error     string    `json:"error,omitempty"`
}

// TaskSummary is the full record of one node, mirrored between dry-run
// output and the post-run summary.
type TaskSummary struct {
	TaskID             string            `json:"taskId"`
	Package            string            `json:"package"`
	Task               string            `json:"task"`
	Hash               string            `json:"hash"`
	CacheState         CacheState        `json:"cacheState"`
	Command            string            `json:"command"`
	Outputs            []string          `json:"outputs"`
	ExcludedOutputs    []string          `json:"excludedOutputs"`
	LogFile            string            `json:"logFile,omitempty"`
	Dependencies       []string          `json:"dependencies"`
	Dependents         []string          `json:"dependents"`
	ResolvedDefinition Definition        `json:"resolvedTaskDefinition"`
	ExpandedInputs     map[string]string `json:"expandedInputs"`
	ExpandedOutputs    []string          `json:"expandedOutputs"`
	EnvVars            EnvVars           `json:"environmentVariables"`
	Execution          *Execution        `json:"execution,omitempty"`
}

// BuildTaskSummary assembles the static portion of a task's record from the
// graph and its hash result. nh may be nil when hashing failed for the node.
func BuildTaskSummary(g *taskgraph.Graph, id string, nh *hashing.NodeHash, logFile string) (TaskSummary, error) {
	node, ok := g.Node(id)
	if !ok {
		return TaskSummary{}, fmt.Errorf("unknown task %s", id)
	}
	inclusions, exclusions := node.Definition.OutputGlobs()
	ts := TaskSummary{
		TaskID:             id,
		Package:            node.Package,
		Task:               node.Task,
		Hash:               node.Hash,
		CacheState:         CacheState{Status: "MISS"},
		Command:            node.Command,
		Outputs:            inclusions,
		ExcludedOutputs:    exclusions,
		LogFile:            logFile,
		Dependencies:       g.Dependencies(id),
		Dependents:         g.Dependents(id),
		ResolvedDefinition: definitionOf(node.Definition),
		ExpandedInputs:     map[string]string{},
		ExpandedOutputs:    []string{},
		EnvVars: EnvVars{
			Specified: SpecifiedEnv{
				Env:            append([]string{}, node.Definition.Env...),
				PassThroughEnv: append([]string{}, node.Definition.PassThroughEnv...),
			},
			Configured:  []string{},
			Inferred:    []string{},
			PassThrough: append([]string{}, node.Definition.PassThroughEnv...),
		},
	}
	if nh != nil {
		ts.Hash = nh.Hash
		ts.ExpandedInputs = nh.Inputs
		ts.EnvVars.Configured = hashedEnvPairs(nh.Env)
		ts.EnvVars.Inferred = append([]string{}, nh.DotEnv...)
	}
	return ts, nil
}

// ApplyOutcome folds the scheduler's record for the task into its summary.
func (ts *TaskSummary) ApplyOutcome(out *scheduler.Outcome) {
	ts.CacheState = cacheStateOf(out.Cache)
	switch {
	case len(out.Restored) > 0:
		ts.ExpandedOutputs = out.Restored
	case len(out.Produced) > 0:
		ts.ExpandedOutputs = out.Produced
	}
	exec := &Execution{
		StartedAt: out.StartedAt,
		EndedAt:   out.EndedAt,
		Status:    string(out.State),
		ExitCode:  out.ExitCode,
	}
	if out.Err != nil {
		exec.Error = out.Err.Error()
	}
	ts.Execution = exec
}

// GlobalHashSummary snapshots the run-wide hash inputs.
type GlobalHashSummary struct {
	RootConfigHash string            `json:"rootConfigHash"`
	LockfileHash   string            `json:"lockfileHash,omitempty"`
	FileHashes     map[string]string `json:"globalFileHashes"`
	SpecifiedEnv   []string          `json:"specifiedEnv"`
	ConfiguredEnv  []string          `json:"configuredEnv"`
	PassThroughEnv []string          `json:"passThroughEnv"`
	Hash           string            `json:"hash"`
}

func globalSummaryOf(g *hashing.GlobalInputs) *GlobalHashSummary {
	if g == nil {
		return nil
	}
	specified := make([]string, 0, len(g.EnvPairs))
	for _, p := range g.EnvPairs {
		specified = append(specified, p.Name)
	}
	return &GlobalHashSummary{
		RootConfigHash: g.RootConfigHash,
		LockfileHash:   g.LockfileHash,
		FileHashes:     g.FileHashes,
		SpecifiedEnv:   specified,
		ConfiguredEnv:  hashedEnvPairs(g.EnvPairs),
		PassThroughEnv: append([]string{}, g.PassThroughNames...),
		Hash:           g.Hash,
	}
}

// Totals is the closing tally, always reported even on partial failure.
type Totals struct {
	Total    int `json:"total"`
	Cached   int `json:"cached"`
	Executed int `json:"executed"`
	Started  int `json:"started"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// RunSummary is the serialized artifact.
type RunSummary struct {
	ID             string             `json:"id"`
	SchemaVersion  int                `json:"schemaVersion"`
	StartedAt      time.Time          `json:"startedAt"`
	EndedAt        time.Time          `json:"endedAt"`
	DryRun         bool               `json:"dryRun,omitempty"`
	RequestedTasks []string           `json:"requestedTasks"`
	Filters        []string           `json:"filters,omitempty"`
	GlobalHash     *GlobalHashSummary `json:"globalHashSummary,omitempty"`
	Tasks          []TaskSummary      `json:"tasks"`
	Totals         Totals             `json:"totals"`
	ExitCode       int                `json:"exitCode"`
}

// Summary owns one run's record. Adds are safe from multiple goroutines;
// Close makes the summary immutable.
type Summary struct {
	mu     sync.Mutex
	closed bool
	run    RunSummary
}

// New opens a summary for one invocation.
func New(requested, filters []string) *Summary {
	return &Summary{run: RunSummary{
		ID:             uuid.NewString(),
		SchemaVersion:  schemaVersion,
		StartedAt:      time.Now().UTC(),
		RequestedTasks: append([]string{}, requested...),
		Filters:        append([]string{}, filters...),
		Tasks:          []TaskSummary{},
	}}
}

// ID returns the run identifier.
func (s *Summary) ID() string { return s.run.ID }

// MarkDryRun tags the artifact as produced without scheduling.
func (s *Summary) MarkDryRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.run.DryRun = true
	}
}

// SetGlobal records the run-wide hash inputs.
func (s *Summary) SetGlobal(g *hashing.GlobalInputs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.run.GlobalHash = globalSummaryOf(g)
	}
}

// Add appends one task record. Adds after Close are dropped.
func (s *Summary) Add(ts TaskSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.run.Tasks = append(s.run.Tasks, ts)
	}
}

// Close finalizes the summary: tasks sort by ID, totals and the exit code
// are fixed, and further mutation is rejected.
func (s *Summary) Close(exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.run.EndedAt = time.Now().UTC()
	s.run.ExitCode = exitCode
	sort.Slice(s.run.Tasks, func(i, j int) bool {
		return s.run.Tasks[i].TaskID < s.run.Tasks[j].TaskID
	})
	totals := Totals{Total: len(s.run.Tasks)}
	for _, ts := range s.run.Tasks {
		if ts.Execution == nil {
			continue
		}
		switch scheduler.State(ts.Execution.Status) {
		case scheduler.StateCached:
			totals.Cached++
		case scheduler.StateExecuted:
			totals.Executed++
		case scheduler.StateStarted:
			totals.Started++
		case scheduler.StateFailed:
			totals.Failed++
		case scheduler.StateSkipped:
			totals.Skipped++
		}
	}
	s.run.Totals = totals
}

// Snapshot returns a copy of the current record.
func (s *Summary) Snapshot() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.run
	out.Tasks = append([]TaskSummary{}, s.run.Tasks...)
	return out
}

// Save writes the finalized summary to dir/<runID>.json through a temp file
// and rename, and returns the written path.
func (s *Summary) Save(dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		return "", fmt.Errorf("run summary %s is not finalized", s.run.ID)
	}
	data, err := json.MarshalIndent(s.run, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal run summary: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create summary dir: %w", err)
	}
	dest := filepath.Join(dir, s.run.ID+".json")
	tmp, err := os.CreateTemp(dir, ".summary-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp summary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write summary: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close summary: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("failed to publish summary: %w", err)
	}
	return dest, nil
}

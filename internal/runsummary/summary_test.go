package runsummary

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard/internal/cache"
	"orchard/internal/hashing"
	"orchard/internal/pipeline"
	"orchard/internal/scheduler"
	"orchard/internal/taskgraph"
	"orchard/internal/workspace"
)

func testGraph(t *testing.T) *taskgraph.Graph {
	t.Helper()
	ws, err := workspace.NewGraph("/repo", []workspace.Package{
		{Name: "a", Dir: "a", Scripts: map[string]string{"build": "make a"}},
		{Name: "b", Dir: "b", Deps: []string{"a"}, Scripts: map[string]string{"build": "make b"}},
	})
	require.NoError(t, err)

	dir := t.TempDir()
	cfgJSON := `{"pipeline": {"build": {
		"dependsOn": ["^build"],
		"env": ["API_KEY"],
		"outputs": ["dist/**", "!dist/tmp/**"]
	}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.ConfigFileName), []byte(cfgJSON), 0o644))
	cfg, err := pipeline.Load(filepath.Join(dir, pipeline.ConfigFileName))
	require.NoError(t, err)

	b := &taskgraph.Builder{Workspace: ws, Resolver: pipeline.NewResolver(cfg)}
	g, err := b.Build([]string{"build"}, nil)
	require.NoError(t, err)
	return g
}

func TestBuildTaskSummary(t *testing.T) {
	g := testGraph(t)
	nh := &hashing.NodeHash{
		Hash:   "deadbeef",
		Inputs: map[string]string{"src/main.c": "abc123"},
		Env: []hashing.EnvPair{
			{Name: "API_KEY", Value: "secret", Set: true},
			{Name: "UNSET_ONE", Set: false},
		},
		DotEnv: []string{"DATABASE_URL"},
	}

	ts, err := BuildTaskSummary(g, "b#build", nh, "/repo/b/.orchard/build.log")
	require.NoError(t, err)

	assert.Equal(t, "b#build", ts.TaskID)
	assert.Equal(t, "b", ts.Package)
	assert.Equal(t, "build", ts.Task)
	assert.Equal(t, "deadbeef", ts.Hash)
	assert.Equal(t, []string{"a#build"}, ts.Dependencies)
	assert.Empty(t, ts.Dependents)
	assert.Equal(t, "make b", ts.Command)
	assert.Equal(t, []string{"dist/**"}, ts.Outputs)
	assert.Equal(t, []string{"dist/tmp/**"}, ts.ExcludedOutputs)
	assert.Equal(t, []string{"^build"}, ts.ResolvedDefinition.DependsOn)
	assert.Equal(t, "full", ts.ResolvedDefinition.OutputMode)
	assert.True(t, ts.ResolvedDefinition.Cache)
	assert.Equal(t, map[string]string{"src/main.c": "abc123"}, ts.ExpandedInputs)
	assert.Equal(t, "MISS", ts.CacheState.Status)
	assert.Nil(t, ts.Execution)

	require.Len(t, ts.EnvVars.Configured, 1)
	want := "API_KEY=" + hashing.HashBytes([]byte("secret"))
	assert.Equal(t, want, ts.EnvVars.Configured[0])
	assert.Equal(t, []string{"API_KEY"}, ts.EnvVars.Specified.Env)
	assert.Equal(t, []string{"DATABASE_URL"}, ts.EnvVars.Inferred)
}

func TestBuildTaskSummaryUnknownTask(t *testing.T) {
	g := testGraph(t)
	_, err := BuildTaskSummary(g, "ghost#build", nil, "")
	assert.Error(t, err)
}

func TestApplyOutcome(t *testing.T) {
	g := testGraph(t)
	ts, err := BuildTaskSummary(g, "a#build", &hashing.NodeHash{Hash: "h1"}, "")
	require.NoError(t, err)

	started := time.Now().Add(-2 * time.Second)
	out := &scheduler.Outcome{
		TaskID:    "a#build",
		State:     scheduler.StateCached,
		Cache:     cache.Status{Hit: true, Local: true, TimeSaved: 1200},
		Restored:  []string{"dist/app.js"},
		ExitCode:  0,
		StartedAt: started,
		EndedAt:   started.Add(30 * time.Millisecond),
	}
	ts.ApplyOutcome(out)

	assert.Equal(t, "HIT", ts.CacheState.Status)
	assert.True(t, ts.CacheState.Local)
	assert.EqualValues(t, 1200, ts.CacheState.TimeSaved)
	assert.Equal(t, []string{"dist/app.js"}, ts.ExpandedOutputs)
	require.NotNil(t, ts.Execution)
	assert.Equal(t, "cached", ts.Execution.Status)
	assert.Empty(t, ts.Execution.Error)
}

func TestSummaryLifecycle(t *testing.T) {
	g := testGraph(t)
	s := New([]string{"build"}, []string{"b"})

	_, err := uuid.Parse(s.ID())
	require.NoError(t, err, "run ID must be a uuid")

	s.SetGlobal(&hashing.GlobalInputs{
		RootConfigHash: "cfg",
		FileHashes:     map[string]string{"tools/gen.sh": "ff"},
		EnvPairs:       []hashing.EnvPair{{Name: "CI", Value: "1", Set: true}},
		Hash:           "global",
	})

	for _, id := range g.IDs() {
		ts, err := BuildTaskSummary(g, id, &hashing.NodeHash{Hash: "h-" + id}, "")
		require.NoError(t, err)
		ts.ApplyOutcome(&scheduler.Outcome{
			TaskID: id,
			State:  scheduler.StateExecuted,
		})
		s.Add(ts)
	}
	s.Close(0)

	// Mutation after Close is dropped.
	s.Add(TaskSummary{TaskID: "z#late"})
	s.Close(9)

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ExitCode)
	assert.Len(t, snap.Tasks, 2)
	assert.Equal(t, "a#build", snap.Tasks[0].TaskID)
	assert.Equal(t, "b#build", snap.Tasks[1].TaskID)
	assert.Equal(t, Totals{Total: 2, Executed: 2}, snap.Totals)
	assert.False(t, snap.EndedAt.IsZero())
	require.NotNil(t, snap.GlobalHash)
	assert.Equal(t, "cfg", snap.GlobalHash.RootConfigHash)
	assert.Equal(t, []string{"CI"}, snap.GlobalHash.SpecifiedEnv)
}

func TestSummarySaveRoundTrip(t *testing.T) {
	s := New([]string{"test"}, nil)
	ts := TaskSummary{TaskID: "web#test", Package: "web", Task: "test", Hash: "abc"}
	ts.Execution = &Execution{Status: string(scheduler.StateFailed), ExitCode: 2, Error: "task web#test exited with code 2"}
	s.Add(ts)

	dir := t.TempDir()
	_, err := s.Save(dir)
	require.Error(t, err, "saving before Close must fail")

	s.Close(1)
	path, err := s.Save(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, s.ID()+".json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got RunSummary
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, s.ID(), got.ID)
	assert.Equal(t, 1, got.ExitCode)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "web#test", got.Tasks[0].TaskID)
	require.NotNil(t, got.Tasks[0].Execution)
	assert.Equal(t, 2, got.Tasks[0].Execution.ExitCode)
	assert.Equal(t, Totals{Total: 1, Failed: 1}, got.Totals)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not survive")
}

func TestMarkDryRun(t *testing.T) {
	s := New([]string{"build"}, nil)
	s.MarkDryRun()
	s.Close(0)
	assert.True(t, s.Snapshot().DryRun)
}

// Package run composes one orchard invocation: discover the workspace, load
// the pipeline, expand the task graph, hash it, consult the cache, schedule,
// and report. The CLI hands it parsed options; everything else is wired here.
package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"orchard/internal/cache"
	"orchard/internal/filewatch"
	"orchard/internal/hashing"
	"orchard/internal/lock"
	"orchard/internal/logging"
	"orchard/internal/pipeline"
	"orchard/internal/proc"
	"orchard/internal/runsummary"
	"orchard/internal/scheduler"
	"orchard/internal/scm"
	"orchard/internal/taskgraph"
	"orchard/internal/workspace"
)

// Exit codes. Config and graph problems are distinguished from task
// failures so callers can tell "you misconfigured this" from "your build
// broke", and an external abort from both.
const (
	ExitOK          = 0
	ExitTaskFailure = 1
	ExitConfigError = 2
	ExitAborted     = 3
)

// WorkDirName is the workspace-local state directory (cache, logs, run
// summaries). It is never hashed and never watched.
const WorkDirName = ".orchard"

// Options carries one invocation's parsed CLI surface.
type Options struct {
	Root    string
	Tasks   []string
	Filters []string
	// Since narrows entry packages to those with files changed since the
	// given SCM ref.
	Since           string
	Concurrency     int
	ContinueOnError bool
	Force           bool
	NoCache         bool
	DryRun          bool
	DryRunJSON      bool
	Summarize       bool
	Watch           bool
	// Timeout bounds each task's execution.
	Timeout  time.Duration
	LogLevel string

	Stdout io.Writer
	Stderr io.Writer
	// Env is the environment task processes inherit. Defaults to
	// os.Environ().
	Env []string
	// LookupEnv resolves variables for hashing. Defaults to os.LookupEnv.
	LookupEnv hashing.LookupFunc
	// Runner overrides process execution (tests).
	Runner proc.Runner
	// Remote overrides remote-cache selection (tests).
	Remote cache.RemoteClient
}

func (o *Options) stdout() io.Writer {
	if o.Stdout != nil {
		return o.Stdout
	}
	return os.Stdout
}

func (o *Options) stderr() io.Writer {
	if o.Stderr != nil {
		return o.Stderr
	}
	return os.Stderr
}

// project is everything loaded fresh per run iteration.
type project struct {
	ws       *workspace.Graph
	resolver *pipeline.Resolver
	cfg      *pipeline.Config
}

// Run executes one invocation and returns its process exit code.
func Run(ctx context.Context, opts Options) int {
	log := logging.New(opts.stderr(), logging.ParseLevel(opts.LogLevel), "run")

	files := hashing.NewFileHasher(0)
	runner := opts.Runner
	if runner == nil {
		runner = proc.ShellRunner{}
	}
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}

	code, result := runOnce(ctx, &opts, files, runner, log)
	if opts.DryRun {
		return code
	}
	if opts.Watch {
		return watchLoop(ctx, &opts, files, runner, log, code, result)
	}
	return awaitPersistent(ctx, result, code, log)
}

// awaitPersistent blocks while persistent tasks run: dev servers keep the
// invocation in the foreground until they exit or the run is interrupted.
func awaitPersistent(ctx context.Context, result *scheduler.Result, code int, log *logging.Logger) int {
	if result == nil {
		return code
	}
	handles := result.Handles()
	if len(handles) == 0 {
		return code
	}
	log.Infof("waiting on %d persistent task(s), interrupt to stop", len(handles))
	for _, h := range handles {
		select {
		case <-ctx.Done():
			stopHandles(result)
			return code
		case <-h.Done():
			if res := h.Result(); res.ExitCode != 0 && code == ExitOK {
				log.Errorf("persistent task exited with code %d", res.ExitCode)
				code = ExitTaskFailure
			}
		}
	}
	return code
}

// watchLoop re-runs after every debounced change batch until ctx ends. The
// exit code of the last completed run is returned. Persistent tasks from one
// iteration are stopped before the next begins.
func watchLoop(ctx context.Context, opts *Options, files *hashing.FileHasher, runner proc.Runner, log *logging.Logger, code int, last *scheduler.Result) int {
	// Watching needs a workspace graph; if the first run could not even
	// load it there is nothing to watch.
	prj, err := loadProject(opts.Root)
	if err != nil {
		return code
	}
	// One watcher per workspace. Two would fight over restored outputs and
	// double-run every change.
	if err := os.MkdirAll(filepath.Join(opts.Root, WorkDirName), 0o755); err != nil {
		log.Errorf("watch mode unavailable: %v", err)
		return code
	}
	lk := lock.NewFileLock(filepath.Join(opts.Root, WorkDirName, "watch.lock"))
	if err := lk.TryLock(); err != nil {
		log.Errorf("watch mode unavailable: %v", err)
		return code
	}
	defer func() { _ = lk.Unlock() }()
	watcher, err := filewatch.New(prj.ws, 0, log.With("filewatch"))
	if err != nil {
		log.Errorf("watch mode unavailable: %v", err)
		return code
	}
	watcher.Start(ctx)
	defer watcher.Close()
	defer func() { stopHandles(last) }()
	log.Infof("watching %d package(s) for changes", len(prj.ws.Names()))

	for {
		select {
		case <-ctx.Done():
			return code
		case batch, ok := <-watcher.Batches():
			if !ok {
				return code
			}
			files.Invalidate(batch.Paths)
			if batch.RootChanged {
				log.Infof("root files changed, re-running")
			} else {
				log.Infof("changes in %v, re-running", batch.Packages)
			}
			stopHandles(last)
			code, last = runOnce(ctx, opts, files, runner, log)
		}
	}
}

func loadProject(root string) (*project, error) {
	pkgs, err := workspace.FileProvider{}.Discover(root)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.NewGraph(root, pkgs)
	if err != nil {
		return nil, err
	}
	cfg, err := pipeline.Load(filepath.Join(root, pipeline.ConfigFileName))
	if err != nil {
		return nil, err
	}
	resolver := pipeline.NewResolver(cfg)
	dirs := make(map[string]string, len(ws.Names()))
	for _, name := range ws.Names() {
		dirs[name] = ws.PackageDir(name)
	}
	if err := resolver.LoadPackageConfigs(dirs); err != nil {
		return nil, err
	}
	return &project{ws: ws, resolver: resolver, cfg: cfg}, nil
}

// runOnce performs a full pipeline pass. All configuration and graph errors
// surface here with ExitConfigError before anything executes. The scheduler
// result is returned so callers can supervise persistent handles.
func runOnce(ctx context.Context, opts *Options, files *hashing.FileHasher, runner proc.Runner, log *logging.Logger) (int, *scheduler.Result) {
	startedAt := time.Now()

	prj, err := loadProject(opts.Root)
	if err != nil {
		fmt.Fprintf(opts.stderr(), "orchard: %v\n", err)
		return ExitConfigError, nil
	}

	repo := detectSCM(ctx, opts.Root, runner)

	filters := opts.Filters
	if opts.Since != "" {
		filters, err = narrowSince(ctx, prj.ws, repo, opts.Since, filters)
		if err != nil {
			fmt.Fprintf(opts.stderr(), "orchard: %v\n", err)
			return ExitConfigError, nil
		}
		if len(filters) == 0 {
			fmt.Fprintf(opts.stdout(), "No packages changed since %s\n", opts.Since)
			return ExitOK, nil
		}
	}

	builder := &taskgraph.Builder{Workspace: prj.ws, Resolver: prj.resolver}
	graph, err := builder.Build(opts.Tasks, filters)
	if err != nil {
		fmt.Fprintf(opts.stderr(), "orchard: %v\n", err)
		return ExitConfigError, nil
	}
	if graph.Len() == 0 {
		fmt.Fprintf(opts.stdout(), "No tasks matched %v\n", opts.Tasks)
		return ExitOK, nil
	}

	global, err := hashing.ComputeGlobalInputs(opts.Root, prj.cfg, files, opts.LookupEnv)
	if err != nil {
		fmt.Fprintf(opts.stderr(), "orchard: %v\n", err)
		return ExitConfigError, nil
	}

	hasher := &hashing.Hasher{
		Workspace: prj.ws,
		SCM:       repo,
		Files:     files,
		Lookup:    opts.LookupEnv,
		Log:       log.With("hashing"),
	}
	hashes, hashFailures, err := hasher.HashGraph(ctx, graph, global)
	if err != nil {
		fmt.Fprintf(opts.stderr(), "orchard: %v\n", err)
		return ExitAborted, nil
	}
	for id, nh := range hashes {
		node, _ := graph.Node(id)
		node.Hash = nh.Hash
	}

	store := openCache(prj.cfg, opts, log)

	summary := runsummary.New(opts.Tasks, filters)
	summary.SetGlobal(global)

	if opts.DryRun {
		return dryRun(ctx, opts, prj.ws, graph, hashes, hashFailures, store, summary), nil
	}

	sched := scheduler.New(graph, prj.ws, store, runner, scheduler.Options{
		Concurrency:     opts.Concurrency,
		ContinueOnError: opts.ContinueOnError,
		Force:           opts.Force,
		NoCache:         opts.NoCache,
		NodeTimeout:     opts.Timeout,
		Env:             opts.Env,
		Log:             log.With("scheduler"),
	})
	result, err := sched.Run(ctx, hashFailures)
	if err != nil {
		fmt.Fprintf(opts.stderr(), "orchard: %v\n", err)
		return ExitConfigError, nil
	}

	code := exitCodeFor(result)
	report(opts, prj.ws, graph, hashes, result, summary, startedAt)
	summary.Close(code)

	if opts.Summarize {
		path, err := summary.Save(filepath.Join(opts.Root, WorkDirName, "runs"))
		if err != nil {
			log.Errorf("failed to save run summary: %v", err)
		} else {
			fmt.Fprintf(opts.stdout(), "Run summary: %s\n", path)
		}
	}
	return code, result
}

func stopHandles(result *scheduler.Result) {
	if result == nil {
		return
	}
	for _, h := range result.Handles() {
		h.Stop()
		<-h.Done()
	}
}

func exitCodeFor(result *scheduler.Result) int {
	switch {
	case result.Aborted:
		return ExitAborted
	case result.Failed():
		return ExitTaskFailure
	default:
		return ExitOK
	}
}

// detectSCM probes for a usable git working tree; hashing falls back to
// directory scans when there is none.
func detectSCM(ctx context.Context, root string, runner proc.Runner) scm.SCM {
	git := scm.Git{Root: root, Runner: runner}
	if _, ok := git.Tracked(ctx, root); ok {
		return git
	}
	return scm.None{}
}

// narrowSince maps files changed since ref onto owning packages and
// intersects them with any explicit filters.
func narrowSince(ctx context.Context, ws *workspace.Graph, repo scm.SCM, ref string, filters []string) ([]string, error) {
	changed, err := repo.ChangedFiles(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("--since %s: %w", ref, err)
	}
	changedPkgs := make(map[string]bool)
	for _, rel := range changed {
		if pkg, ok := owningPackage(ws, rel); ok {
			changedPkgs[pkg] = true
		} else {
			// A root-level change invalidates global inputs; every
			// package is in scope.
			for _, name := range ws.Names() {
				changedPkgs[name] = true
			}
			break
		}
	}

	if len(filters) == 0 {
		out := make([]string, 0, len(changedPkgs))
		for pkg := range changedPkgs {
			out = append(out, pkg)
		}
		sort.Strings(out)
		return out, nil
	}
	explicit, err := ws.ResolveFilters(filters)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, pkg := range explicit {
		if changedPkgs[pkg] {
			out = append(out, pkg)
		}
	}
	sort.Strings(out)
	return out, nil
}

// owningPackage resolves a root-relative path to the package whose directory
// contains it, preferring the deepest match.
func owningPackage(ws *workspace.Graph, rel string) (string, bool) {
	best := ""
	bestLen := -1
	clean := filepath.ToSlash(filepath.Clean(rel))
	for _, name := range ws.Names() {
		dir := filepath.ToSlash(filepath.Clean(ws.PackageDir(name)))
		root := filepath.ToSlash(ws.Root())
		relDir, err := filepath.Rel(root, dir)
		if err != nil {
			continue
		}
		relDir = filepath.ToSlash(relDir)
		if clean == relDir || len(clean) > len(relDir) && clean[:len(relDir)+1] == relDir+"/" {
			if len(relDir) > bestLen {
				best, bestLen = name, len(relDir)
			}
		}
	}
	return best, bestLen >= 0
}

// openCache builds the two-tier cache for this run. Remote selection follows
// the config flag plus environment credentials; nil is returned only when
// caching is disabled outright.
func openCache(cfg *pipeline.Config, opts *Options, log *logging.Logger) *cache.Cache {
	if opts.NoCache {
		return nil
	}
	local := cache.NewFSStore(filepath.Join(opts.Root, WorkDirName, "cache"))
	copts := []cache.Option{cache.WithLogger(log.With("cache"))}
	if remote := selectRemote(cfg, opts, log); remote != nil {
		copts = append(copts, cache.WithRemote(remote))
	}
	return cache.New(local, copts...)
}

func selectRemote(cfg *pipeline.Config, opts *Options, log *logging.Logger) cache.RemoteClient {
	if opts.Remote != nil {
		return opts.Remote
	}
	if !cfg.RemoteCache.Enabled {
		return nil
	}
	lookup := opts.LookupEnv
	if api, ok := lookup("ORCHARD_API_URL"); ok && api != "" {
		token, _ := lookup("ORCHARD_TOKEN")
		team, _ := lookup("ORCHARD_TEAM_ID")
		log.Debugf("remote cache: http %s", api)
		return cache.NewHTTPClient(api, token, team)
	}
	if endpoint, ok := lookup("ORCHARD_S3_ENDPOINT"); ok && endpoint != "" {
		bucket, _ := lookup("ORCHARD_S3_BUCKET")
		access, _ := lookup("ORCHARD_S3_ACCESS_KEY")
		secret, _ := lookup("ORCHARD_S3_SECRET_KEY")
		region, _ := lookup("ORCHARD_S3_REGION")
		useSSL, _ := lookup("ORCHARD_S3_USE_SSL")
		client, err := cache.NewS3Client(cache.S3Config{
			Endpoint:  endpoint,
			Region:    region,
			AccessKey: access,
			SecretKey: secret,
			Bucket:    bucket,
			UseSSL:    useSSL == "true" || useSSL == "1",
		})
		if err != nil {
			log.Warnf("remote cache disabled: %v", err)
			return nil
		}
		log.Debugf("remote cache: s3 %s/%s", endpoint, bucket)
		return client
	}
	log.Debugf("remote cache enabled but no endpoint configured")
	return nil
}

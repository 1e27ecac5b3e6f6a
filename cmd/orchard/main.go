package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orchard/internal/cache"
	"orchard/internal/run"
	"orchard/internal/setup"
	"orchard/internal/workspace"
)

const version = "0.1.0"

// defaultPruneAge is how old a local cache entry must be before prune-cache
// removes it when --max-age is not given.
const defaultPruneAge = 30 * 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "graph":
		runGraph(os.Args[2:])
	case "prune-cache":
		runPruneCache(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "version":
		fmt.Printf("orchard %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

const runUsage = "usage: orchard run <task...> [--filter <selector>]... [--since <ref>] [--concurrency <n>] [--continue] [--force] [--no-cache] [--dry-run[=json]] [--summarize] [--watch] [--timeout <duration>] [--log-level <level>]"

func runRun(args []string) {
	opts := run.Options{LogLevel: "info"}
	var tasks []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--filter":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--filter requires a value")
				os.Exit(run.ExitConfigError)
			}
			i++
			opts.Filters = append(opts.Filters, args[i])
		case "--since":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--since requires a value")
				os.Exit(run.ExitConfigError)
			}
			i++
			opts.Since = args[i]
		case "--concurrency":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--concurrency requires a value")
				os.Exit(run.ExitConfigError)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "invalid --concurrency value: %s\n", args[i])
				os.Exit(run.ExitConfigError)
			}
			opts.Concurrency = n
		case "--continue":
			opts.ContinueOnError = true
		case "--force":
			opts.Force = true
		case "--no-cache":
			opts.NoCache = true
		case "--dry-run":
			opts.DryRun = true
		case "--dry-run=json":
			opts.DryRun = true
			opts.DryRunJSON = true
		case "--summarize":
			opts.Summarize = true
		case "--watch":
			opts.Watch = true
		case "--timeout":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--timeout requires a value")
				os.Exit(run.ExitConfigError)
			}
			i++
			d, err := time.ParseDuration(args[i])
			if err != nil || d <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --timeout value: %s\n", args[i])
				os.Exit(run.ExitConfigError)
			}
			opts.Timeout = d
		case "--log-level":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(run.ExitConfigError)
			}
			i++
			opts.LogLevel = args[i]
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], runUsage)
				os.Exit(run.ExitConfigError)
			}
			tasks = append(tasks, args[i])
		}
	}

	if len(tasks) == 0 {
		fmt.Fprintln(os.Stderr, runUsage)
		os.Exit(run.ExitConfigError)
	}

	root := findWorkspaceRoot()
	if root == "" {
		fmt.Fprintf(os.Stderr, "error: %s not found in this directory or any parent. Run 'orchard init <dir>' first.\n", workspace.DefaultManifestName)
		os.Exit(run.ExitConfigError)
	}

	// Workspace-local .env feeds remote cache credentials and hashed
	// variables without exporting them shell-wide.
	_ = godotenv.Load(filepath.Join(root, ".env"))

	opts.Root = root
	opts.Tasks = tasks

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run.Run(ctx, opts)
	stop()
	os.Exit(code)
}

func runGraph(args []string) {
	opts := run.Options{}
	var tasks []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--filter":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--filter requires a value")
				os.Exit(run.ExitConfigError)
			}
			i++
			opts.Filters = append(opts.Filters, args[i])
		default:
			if strings.HasPrefix(args[i], "-") {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: orchard graph <task...> [--filter <selector>]...\n", args[i])
				os.Exit(run.ExitConfigError)
			}
			tasks = append(tasks, args[i])
		}
	}

	if len(tasks) == 0 {
		fmt.Fprintln(os.Stderr, "usage: orchard graph <task...> [--filter <selector>]...")
		os.Exit(run.ExitConfigError)
	}

	root := findWorkspaceRoot()
	if root == "" {
		fmt.Fprintf(os.Stderr, "error: %s not found in this directory or any parent. Run 'orchard init <dir>' first.\n", workspace.DefaultManifestName)
		os.Exit(run.ExitConfigError)
	}

	opts.Root = root
	opts.Tasks = tasks
	os.Exit(run.Graph(opts))
}

func runPruneCache(args []string) {
	maxAge := defaultPruneAge

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--max-age":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--max-age requires a value")
				os.Exit(run.ExitConfigError)
			}
			i++
			d, err := time.ParseDuration(args[i])
			if err != nil || d <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --max-age value: %s\n", args[i])
				os.Exit(run.ExitConfigError)
			}
			maxAge = d
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: orchard prune-cache [--max-age <duration>]\n", args[i])
			os.Exit(run.ExitConfigError)
		}
	}

	root := findWorkspaceRoot()
	if root == "" {
		fmt.Fprintf(os.Stderr, "error: %s not found in this directory or any parent. Run 'orchard init <dir>' first.\n", workspace.DefaultManifestName)
		os.Exit(run.ExitConfigError)
	}

	store := cache.NewFSStore(filepath.Join(root, run.WorkDirName, "cache"))
	removed, err := store.Prune(maxAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prune-cache: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %d cache entries older than %s\n", removed, maxAge)
}

func runInit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: orchard init <dir> [--package <name>]")
		os.Exit(run.ExitConfigError)
	}

	dir := args[0]
	pkgName := ""
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--package":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--package requires a value")
				os.Exit(run.ExitConfigError)
			}
			i++
			pkgName = rest[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: orchard init <dir> [--package <name>]\n", rest[i])
			os.Exit(run.ExitConfigError)
		}
	}

	if err := setup.Run(dir, pkgName); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(dir)
	fmt.Printf("Initialized orchard workspace in %s\n", absDir)
}

// findWorkspaceRoot searches for the workspace manifest in the current
// directory and ancestors.
func findWorkspaceRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, workspace.DefaultManifestName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `orchard %s — Monorepo task orchestrator

Usage: orchard <command> [options]

Running:
  run <task...> [flags]     Run tasks across workspace packages
    --filter <selector>     Limit entry packages: pkg, pkg..., ...pkg (repeatable)
    --since <ref>           Only packages with changes since the SCM ref
    --concurrency <n>       Concurrent task limit (default 10)
    --continue              Keep scheduling unrelated tasks after a failure
    --force                 Execute even on cache hits, store fresh results
    --no-cache              Disable cache lookups and stores
    --dry-run[=json]        Resolve and hash everything, execute nothing
    --summarize             Write a run summary under .orchard/runs/
    --watch                 Re-run automatically when inputs change
    --timeout <duration>    Per-task execution timeout (e.g. 90s, 5m)
    --log-level <level>     debug, info, warn, or error (default info)

Workspace:
  graph <task...> [--filter <selector>]   Print the resolved task graph
  init <dir> [--package <name>]           Scaffold a new workspace
  prune-cache [--max-age <duration>]      Delete old local cache entries

Utilities:
  version           Show version
  help              Show this help

Exit codes: 0 success, 1 task failure, 2 configuration error, 3 aborted

`, version)
}

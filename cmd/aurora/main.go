// aurora — task-automation and incremental build orchestrator.
//
// Usage:
//
//	aurora run <beam>          Run a beam and its dependencies
//	aurora list                List declared beams
//	aurora graph [beam]        Print the dependency graph (--format dot)
//	aurora validate            Load and validate the beamfile, report errors
//	aurora cache status        Print cache index size
//	aurora cache clean         Remove every cached entry
//	aurora serve               Serve the MCP automation surface over stdio
//	aurora init                Write a starter aurora.toml
//
// Global flags: --dry-run, -j N, --no-cache.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/stevedores-org/aurora/internal/aerrors"
	"github.com/stevedores-org/aurora/internal/beamfile"
	"github.com/stevedores-org/aurora/internal/cache"
	"github.com/stevedores-org/aurora/internal/dag"
	"github.com/stevedores-org/aurora/internal/events"
	"github.com/stevedores-org/aurora/internal/executor"
	"github.com/stevedores-org/aurora/internal/mcpserver"
)

var version = "0.1.0"

// Exit codes, per the beamfile's run semantics: 0 success, 1 beam failure,
// 2 config/validation error, 3 cache I/O error, 4 plugin error.
const (
	exitOK          = 0
	exitBeamFailure = 1
	exitConfigError = 2
	exitCacheError  = 3
	exitPluginError = 4
)

func main() {
	var (
		flagDryRun  = flag.Bool("dry-run", false, "Report what would run without executing any commands")
		flagJobs    = flag.Int("j", 4, "Maximum number of beams to run in parallel")
		flagNoCache = flag.Bool("no-cache", false, "Disable the build cache for this run")
		flagFormat  = flag.String("format", "text", "Output format for graph (text or dot)")
		flagDetail  = flag.Bool("detailed", false, "Show dependencies for each beam in list")
		flagFile    = flag.String("file", "aurora.toml", "Path to the beamfile")
		flagVerbose = flag.Bool("verbose", false, "Enable debug logging")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "aurora v%s — task automation and incremental build orchestrator\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: aurora [flags] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run <beam>      Run a beam and its dependencies\n")
		fmt.Fprintf(os.Stderr, "  list            List declared beams\n")
		fmt.Fprintf(os.Stderr, "  graph [beam]    Print the dependency graph\n")
		fmt.Fprintf(os.Stderr, "  validate        Load and validate the beamfile\n")
		fmt.Fprintf(os.Stderr, "  cache status    Print cache index size\n")
		fmt.Fprintf(os.Stderr, "  cache clean     Remove every cached entry\n")
		fmt.Fprintf(os.Stderr, "  serve           Serve the MCP automation surface over stdio\n")
		fmt.Fprintf(os.Stderr, "  init            Write a starter aurora.toml\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "aurora",
		Level: hclog.Info,
	})
	if *flagVerbose {
		log.SetLevel(hclog.Debug)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(exitConfigError)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fatalf(exitConfigError, "cannot get working directory: %v", err)
	}

	cmd, rest := args[0], args[1:]

	if cmd == "init" {
		cmdInit(cwd, *flagFile)
		return
	}

	path := *flagFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(cwd, path)
	}

	switch cmd {
	case "run":
		bf := mustLoad(path)
		if len(rest) == 0 {
			fatalf(exitConfigError, "usage: aurora run <beam>")
		}
		cmdRun(bf, log, rest[0], *flagJobs, *flagDryRun, !*flagNoCache)
	case "list":
		bf := mustLoad(path)
		cmdList(bf, *flagDetail)
	case "graph":
		bf := mustLoad(path)
		target := bf.DefaultBeam
		if len(rest) > 0 {
			target = rest[0]
		}
		cmdGraph(bf, target, *flagFormat)
	case "validate":
		bf := mustLoad(path)
		if _, err := dag.Build(bf.Order(), func(name string) []string {
			return bf.Beams[name].DependsOn
		}); err != nil {
			fatalf(exitConfigError, "%v", err)
		}
		successf("%s is valid (%d beams)\n", path, len(bf.Order()))
	case "cache":
		bf := mustLoad(path)
		if len(rest) == 0 {
			fatalf(exitConfigError, "usage: aurora cache {status,clean}")
		}
		cmdCache(bf, log, rest[0])
	case "serve":
		bf := mustLoad(path)
		if err := mcpserver.Serve(bf, version); err != nil {
			fatalf(exitConfigError, "mcp server: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(exitConfigError)
	}
}

func mustLoad(path string) *beamfile.Beamfile {
	bf, err := beamfile.LoadFile(path)
	if err != nil {
		fatalf(exitConfigError, "%v", err)
	}
	return bf
}

func cmdRun(bf *beamfile.Beamfile, log hclog.Logger, target string, jobs int, dryRun, cacheEnabled bool) {
	exec := executor.New(bf, log)

	sink := events.SinkFunc(func(e events.Event) {
		switch e.Kind {
		case events.KindBeamStart:
			printf("→ %s\n", e.Beam)
		case events.KindOutput:
			printf("  [%s] %s\n", e.Beam, e.Line)
		case events.KindWouldExecute:
			printf("  [%s] would run\n", e.Beam)
		case events.KindBeamComplete:
			switch e.State {
			case events.Succeeded:
				if e.CacheHit {
					successf("✓ %s (cached, %s)\n", e.Beam, e.Duration)
				} else {
					successf("✓ %s (%s)\n", e.Beam, e.Duration)
				}
			case events.Skipped:
				printf("- %s (skipped: %s)\n", e.Beam, e.Skip)
			case events.Failed:
				errorf("✗ %s\n", e.Beam)
			case events.Blocked:
				warnf("! %s (blocked: %s)\n", e.Beam, e.Block)
			}
		}
	})

	report, err := exec.Run(context.Background(), target, executor.RunOptions{
		MaxParallelism: jobs,
		DryRun:         dryRun,
		CacheEnabled:   cacheEnabled,
		EventSink:      sink,
	})
	if err != nil {
		exitForErr(err)
	}

	if report.Failed() {
		os.Exit(exitBeamFailure)
	}
}

func cmdList(bf *beamfile.Beamfile, detailed bool) {
	for _, name := range bf.Order() {
		b := bf.Beams[name]
		if !detailed || len(b.DependsOn) == 0 {
			printf("%s\n", name)
			continue
		}
		printf("%s (depends on: %s)\n", name, strings.Join(b.DependsOn, ", "))
	}
}

func cmdGraph(bf *beamfile.Beamfile, target, format string) {
	g, err := dag.Build(bf.Order(), func(name string) []string {
		return bf.Beams[name].DependsOn
	})
	if err != nil {
		fatalf(exitConfigError, "%v", err)
	}

	if format == "dot" {
		fmt.Print(g.DOT())
		return
	}

	ancestors, err := g.Ancestors(target)
	if err != nil {
		fatalf(exitConfigError, "%v", err)
	}
	want := map[string]bool{target: true}
	for _, a := range ancestors {
		want[a] = true
	}
	for i, layer := range g.Subgraph(want) {
		printf("layer %d: %s\n", i, strings.Join(layer, ", "))
	}
}

func cmdCache(bf *beamfile.Beamfile, log hclog.Logger, sub string) {
	store, err := cache.Open(bf.Dir, log)
	if err != nil {
		fatalf(exitCacheError, "%v", err)
	}

	switch sub {
	case "status":
		status := store.Status()
		printf("entries: %d\n", status.EntryCount)
		printf("bytes:   %d\n", status.TotalBytes)
	case "clean":
		if err := store.Clean(); err != nil {
			fatalf(exitCacheError, "%v", err)
		}
		successf("cache cleared\n")
	default:
		fatalf(exitConfigError, "unknown cache subcommand %q (want status or clean)", sub)
	}
}

func cmdInit(root, file string) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	if _, err := os.Stat(path); err == nil {
		fatalf(exitConfigError, "%s already exists", path)
	}

	const starter = `default = "build"

[beam.build]
run.commands = ["echo building"]
inputs = ["**/*.go"]
outputs = []
`
	if err := os.WriteFile(path, []byte(starter), 0o644); err != nil {
		fatalf(exitConfigError, "writing %s: %v", path, err)
	}
	successf("wrote %s\n", path)
}

func exitForErr(err error) {
	errorf("%v\n", err)

	var cacheErr *aerrors.CacheError
	var pluginErr *aerrors.PluginError
	switch {
	case errors.As(err, &cacheErr):
		os.Exit(exitCacheError)
	case errors.As(err, &pluginErr):
		os.Exit(exitPluginError)
	default:
		os.Exit(exitConfigError)
	}
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}

func successf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "\033[32m"+format+"\033[0m", args...)
}

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m", args...)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[33m"+format+"\033[0m", args...)
}

func fatalf(code int, format string, args ...interface{}) {
	errorf(format+"\n", args...)
	os.Exit(code)
}

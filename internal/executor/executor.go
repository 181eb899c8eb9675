// Package executor implements Aurora's executor/scheduler (spec §4.8, C8):
// drives the DAG to completion with a permit-based concurrency limit,
// orchestrating the interpolator, condition evaluator, fingerprinter, cache
// store, command runner, and plugin host, while streaming events.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/hashicorp/go-hclog"

	"github.com/stevedores-org/aurora/internal/aerrors"
	"github.com/stevedores-org/aurora/internal/beamfile"
	"github.com/stevedores-org/aurora/internal/cache"
	"github.com/stevedores-org/aurora/internal/condition"
	"github.com/stevedores-org/aurora/internal/dag"
	"github.com/stevedores-org/aurora/internal/events"
	"github.com/stevedores-org/aurora/internal/fingerprint"
	"github.com/stevedores-org/aurora/internal/interp"
	"github.com/stevedores-org/aurora/internal/plugin"
	"github.com/stevedores-org/aurora/internal/runner"
)

// RunOptions configures a single Run (spec §4.8 "Inputs").
type RunOptions struct {
	MaxParallelism      int
	DryRun              bool
	CacheEnabled        bool
	EventSink           events.Sink
	Vars                map[string]string // var overrides, e.g. from -D flags
	PluginManifestPaths []string
	PluginDeadline      time.Duration

	// CacheCheckOnly makes a DryRun still perform the fingerprint + cache
	// lookup (but never write) so callers can learn which beams would be
	// Skipped(cached) vs. actually run, without executing anything. Plain
	// DryRun (spec §4.8 "Dry-run") never reads or writes the cache; this is
	// a query-only mode layered on top of it for hosts that need a
	// freshness check without a real run.
	CacheCheckOnly bool
}

// Executor drives one Beamfile's beams to completion.
type Executor struct {
	bf  *beamfile.Beamfile
	log hclog.Logger
}

// New constructs an Executor for a validated Beamfile.
func New(bf *beamfile.Beamfile, log hclog.Logger) *Executor {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Executor{bf: bf, log: log.Named("executor")}
}

type taskResult struct {
	name  string
	state events.BeamState
}

// Run executes the target beam and its transitive dependencies (spec
// §4.8 Algorithm).
func (e *Executor) Run(ctx context.Context, target string, opts RunOptions) (*events.RunReport, error) {
	if opts.MaxParallelism < 1 {
		return nil, &aerrors.ConfigError{Kind: "invalid_option", Detail: "max_parallelism must be >= 1"}
	}
	if opts.EventSink == nil {
		opts.EventSink = events.NopSink
	}
	if target == "" {
		target = e.bf.DefaultBeam
	}
	if target == "" {
		return nil, &aerrors.ConfigError{Kind: "unknown_default", Detail: "no target beam given and no default beam declared"}
	}
	if _, ok := e.bf.Beams[target]; !ok {
		return nil, &aerrors.ConfigError{Kind: "unknown_target", Beam: target, Detail: "target beam not declared"}
	}

	graph, err := dag.Build(e.bf.Order(), func(name string) []string {
		return e.bf.Beams[name].DependsOn
	})
	if err != nil {
		return nil, err
	}

	ancestors, err := graph.Ancestors(target)
	if err != nil {
		return nil, err
	}
	targetSet := make(map[string]bool, len(ancestors)+1)
	targetSet[target] = true
	for _, a := range ancestors {
		targetSet[a] = true
	}

	declIndex := make(map[string]int, len(e.bf.Order()))
	for i, name := range e.bf.Order() {
		declIndex[name] = i
	}

	var cacheStore *cache.Store
	if opts.CacheEnabled && (!opts.DryRun || opts.CacheCheckOnly) {
		cacheStore, err = cache.Open(e.bf.Dir, e.log)
		if err != nil {
			return nil, err
		}
	}

	ctxStore := interp.NewCtx()
	varMap := buildVarMap(e.bf.Variables, opts.Vars)

	var plugins []*plugin.Plugin
	var host *plugin.Host
	if len(opts.PluginManifestPaths) > 0 {
		host = plugin.NewHost(ctx, e.log, ctxStore, varMap, opts.PluginDeadline)
		defer host.Close(ctx)
		for _, path := range opts.PluginManifestPaths {
			p, err := host.Load(ctx, path)
			if err != nil {
				return nil, err
			}
			plugins = append(plugins, p)
		}
	}

	report := events.NewRunReport()

	run := &runState{
		exec:       e,
		graph:      graph,
		targetSet:  targetSet,
		declIndex:  declIndex,
		opts:       opts,
		cacheStore: cacheStore,
		ctxStore:   ctxStore,
		varMap:     varMap,
		plugins:    plugins,
		report:     report,
		depCount:   make(map[string]int, len(targetSet)),
		dependents: make(map[string][]string, len(targetSet)),
		state:      make(map[string]events.BeamState, len(targetSet)),
	}
	run.init()
	run.drive(ctx)

	return report, nil
}

// runState holds all per-run mutable scheduling state. It is private to
// this package; Executor.Run is the only entry point.
type runState struct {
	exec       *Executor
	graph      *dag.Graph
	targetSet  map[string]bool
	declIndex  map[string]int
	opts       RunOptions
	cacheStore *cache.Store
	ctxStore   *interp.Ctx
	varMap     map[string]string
	plugins    []*plugin.Plugin
	report     *events.RunReport

	mu         sync.Mutex
	depCount   map[string]int
	dependents map[string][]string
	state      map[string]events.BeamState
}

func (r *runState) init() {
	for name := range r.targetSet {
		deps := r.exec.bf.Beams[name].DependsOn
		count := 0
		for _, d := range deps {
			if r.targetSet[d] {
				count++
				r.dependents[d] = append(r.dependents[d], name)
			}
		}
		r.depCount[name] = count
		r.state[name] = events.Pending
	}
}

// drive runs the dispatcher loop described by spec §4.8 steps 3-6: a
// work queue seeded with Ready beams, dispatched against an N-permit
// budget, with completions feeding newly-ready dependents back into the
// queue. Determinism for N=1 (spec §8) comes from always picking the
// lowest-declaration-index ready beam.
func (r *runState) drive(ctx context.Context) {
	var ready []string
	for name, count := range r.depCount {
		if count == 0 {
			ready = append(ready, name)
		}
	}
	sortByDecl(ready, r.declIndex)

	active := 0
	done := make(chan taskResult, len(r.targetSet))
	total := len(r.targetSet)

	for r.terminalCount() < total {
		if ctx.Err() != nil && len(ready) > 0 {
			r.cancelPending(ready)
			ready = nil
		}

		for len(ready) > 0 && active < r.opts.MaxParallelism {
			name := ready[0]
			ready = ready[1:]
			r.setState(name, events.Ready)
			active++
			go r.runBeam(ctx, name, done)
		}

		if active == 0 {
			if r.terminalCount() < total {
				r.exec.log.Warn("scheduler stalled with beams neither ready nor in flight", "terminal", r.terminalCount(), "total", total)
			}
			break
		}

		res := <-done
		active--
		ready = append(ready, r.onBeamDone(res)...)
		sortByDecl(ready, r.declIndex)
	}
}

// terminalCount counts beams that have reached a terminal state.
func (r *runState) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.state {
		switch s {
		case events.Succeeded, events.Skipped, events.Failed, events.Blocked:
			n++
		}
	}
	return n
}

// cancelPending transitions every not-yet-dispatched ready beam to
// Blocked(cancelled), per spec §5 Cancellation.
func (r *runState) cancelPending(ready []string) {
	for _, name := range ready {
		r.finalize(name, events.Blocked, events.SkipNone, events.BlockCancelled, 0, nil)
	}
	r.mu.Lock()
	var rest []string
	for name, s := range r.state {
		if s == events.Pending {
			rest = append(rest, name)
		}
	}
	r.mu.Unlock()
	for _, name := range rest {
		r.finalize(name, events.Blocked, events.SkipNone, events.BlockCancelled, 0, nil)
	}
}

// onBeamDone processes one completed beam's effect on the dependency graph:
// on success, decrement dependents' counters and surface any newly-ready
// beams; on failure, cascade Blocked(ancestor_failed) to every transitive
// descendant within the target set immediately (spec §4.8 step 5).
func (r *runState) onBeamDone(res taskResult) []string {
	if res.state == events.Failed || res.state == events.Blocked {
		r.blockDescendants(res.name)
		return nil
	}

	var newlyReady []string
	r.mu.Lock()
	deps := r.dependents[res.name]
	r.mu.Unlock()
	for _, dep := range deps {
		r.mu.Lock()
		r.depCount[dep]--
		ready := r.depCount[dep] == 0
		r.mu.Unlock()
		if ready {
			newlyReady = append(newlyReady, dep)
		}
	}
	return newlyReady
}

func (r *runState) blockDescendants(failed string) {
	r.mu.Lock()
	queue := append([]string{}, r.dependents[failed]...)
	r.mu.Unlock()

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		r.mu.Lock()
		already := r.state[name] == events.Blocked || r.state[name] == events.Failed ||
			r.state[name] == events.Succeeded || r.state[name] == events.Skipped
		r.mu.Unlock()
		if already {
			continue
		}

		r.finalize(name, events.Blocked, events.SkipNone, events.BlockAncestor, 0, nil)

		r.mu.Lock()
		queue = append(queue, r.dependents[name]...)
		r.mu.Unlock()
	}
}

func (r *runState) setState(name string, s events.BeamState) {
	r.mu.Lock()
	r.state[name] = s
	r.mu.Unlock()
}

func (r *runState) finalize(name string, state events.BeamState, skip events.SkipReason, block events.BlockReason, duration time.Duration, err error) {
	r.setState(name, state)
	r.report.Set(name, &events.BeamReport{
		Name:     name,
		State:    state,
		Skip:     skip,
		Block:    block,
		Duration: duration,
		Err:      err,
	})
	r.opts.EventSink.Emit(events.Event{Kind: events.KindBeamComplete, Beam: name, State: state, Skip: skip, Block: block, Duration: duration})
}

func sortByDecl(names []string, declIndex map[string]int) {
	sort.Slice(names, func(i, j int) bool { return declIndex[names[i]] < declIndex[names[j]] })
}

// runBeam executes steps (a)-(g) of spec §4.8 for a single beam and reports
// its final state back to the dispatcher via done.
func (r *runState) runBeam(ctx context.Context, name string, done chan<- taskResult) {
	start := time.Now()
	beam := r.exec.bf.Beams[name]

	r.opts.EventSink.Emit(events.Event{Kind: events.KindBeamStart, Beam: name})
	r.setState(name, events.Running)

	inst := r.pluginInstances(ctx, name)
	defer func() {
		for _, i := range inst {
			i.Close(ctx)
		}
	}()
	for _, i := range inst {
		if err := i.OnBeamStart(ctx, name); err != nil {
			r.exec.log.Warn("plugin on_beam_start failed", "beam", name, "error", err)
		}
	}

	finalState, skip, cacheHit, cmdResults, runErr := r.executeBeam(ctx, name, beam, inst)
	duration := time.Since(start)

	statusStr := string(finalState)
	for _, i := range inst {
		if err := i.OnBeamComplete(ctx, name, statusStr); err != nil {
			r.exec.log.Warn("plugin on_beam_complete failed", "beam", name, "error", err)
		}
	}

	r.setState(name, finalState)
	r.report.Set(name, &events.BeamReport{
		Name:     name,
		State:    finalState,
		Skip:     skip,
		Duration: duration,
		Commands: cmdResults,
		CacheHit: cacheHit,
		Err:      runErr,
	})
	r.opts.EventSink.Emit(events.Event{
		Kind: events.KindBeamComplete, Beam: name, State: finalState, Skip: skip,
		Duration: duration, CacheHit: cacheHit,
	})

	done <- taskResult{name: name, state: finalState}
}

func (r *runState) pluginInstances(ctx context.Context, beamName string) []*plugin.Instance {
	if len(r.plugins) == 0 {
		return nil
	}
	out := make([]*plugin.Instance, 0, len(r.plugins))
	for _, p := range r.plugins {
		inst, err := p.NewInstance(ctx, beamName)
		if err != nil {
			r.exec.log.Warn("plugin instantiation failed", "plugin", p.Manifest.Name, "beam", beamName, "error", err)
			continue
		}
		out = append(out, inst)
	}
	return out
}

// executeBeam implements spec §4.8 steps (b)-(f). It returns the beam's
// final state, skip reason, whether it was a cache hit, per-command
// results, and the terminal error if any.
func (r *runState) executeBeam(ctx context.Context, name string, beam beamfile.Beam, inst []*plugin.Instance) (events.BeamState, events.SkipReason, bool, []events.CommandResult, error) {
	workingDir := beam.Run.WorkingDir
	if workingDir == "" {
		workingDir = r.exec.bf.Dir
	}
	ns := interp.Namespaces{
		Var:  r.varMap,
		Env:  processEnvMap(),
		Beam: map[string]string{"name": name},
		Ctx:  r.ctxStore,
	}

	interpWorkingDir, err := interp.Interpolate(workingDir, ns)
	if err != nil {
		return events.Failed, events.SkipNone, false, nil, err
	}

	interpEnv, err := interp.InterpolateEnv(beam.Env, ns)
	if err != nil {
		return events.Failed, events.SkipNone, false, nil, err
	}
	envNS := ns
	envNS.Env = mergeEnv(ns.Env, interpEnv)

	var cond *beamfile.Condition
	if beam.Condition != nil {
		interpOperand, err := interp.Interpolate(beam.Condition.Operand, envNS)
		if err != nil {
			return events.Failed, events.SkipNone, false, nil, err
		}
		cond = &beamfile.Condition{Kind: beam.Condition.Kind, Operand: interpOperand}
	}

	verdict, err := condition.Evaluate(cond, interpWorkingDir)
	if err != nil {
		return events.Failed, events.SkipNone, false, nil, err
	}
	if verdict == condition.Skip {
		return events.Skipped, events.SkipCondition, false, nil, nil
	}

	allCommands, err := interpolatedCommands(beam, envNS)
	if err != nil {
		return events.Failed, events.SkipNone, false, nil, err
	}

	var fp fingerprint.Digest
	if r.opts.CacheEnabled && (!r.opts.DryRun || r.opts.CacheCheckOnly) {
		fp, err = fingerprint.Compute(fingerprint.Input{
			BeamName:   name,
			Commands:   allCommands,
			Env:        envNS.Env,
			WorkingDir: interpWorkingDir,
			Globs:      beam.Inputs,
		})
		if err != nil {
			return events.Failed, events.SkipNone, false, nil, err
		}
		if rec, ok := r.cacheStore.Lookup(fp); ok && cache.OutputsFresh(rec) {
			return events.Skipped, events.SkipCached, true, nil, nil
		}
	}

	if r.opts.DryRun {
		r.opts.EventSink.Emit(events.Event{Kind: events.KindWouldExecute, Beam: name})
		return events.Succeeded, events.SkipNone, false, nil, nil
	}

	envSlice := envSliceFrom(envNS.Env)
	onLine := func(beamName string, stream events.Stream, line string) {
		r.opts.EventSink.Emit(events.Event{Kind: events.KindOutput, Beam: beamName, Stream: stream, Line: line})
		r.report.AppendLine(beamName, line)
	}

	var results []events.CommandResult
	runBlock := func(commands []string, failFast bool) error {
		transformed := make([]string, len(commands))
		for i, c := range commands {
			out := c
			for _, instance := range inst {
				tOut, err := instance.TransformCommand(ctx, name, out)
				if err != nil {
					r.exec.log.Warn("plugin transform_command failed, passing through", "beam", name, "error", err)
					continue
				}
				out = tOut
			}
			transformed[i] = out
		}

		outcomes, err := runner.Block(ctx, name, transformed, beam.Run.Shell, interpWorkingDir, envSlice, failFast, onLine)
		for _, o := range outcomes {
			results = append(results, events.CommandResult{Command: o.Command, ExitCode: o.ExitCode, Duration: o.Duration})
		}
		return err
	}

	if beam.PreHook != nil {
		if err := runBlock(beam.PreHook.Commands, beam.PreHook.FailFast); err != nil {
			return events.Failed, events.SkipNone, false, results, err
		}
	}
	if err := runBlock(beam.Run.Commands, beam.Run.FailFast); err != nil {
		return events.Failed, events.SkipNone, false, results, err
	}
	if beam.PostHook != nil {
		if err := runBlock(beam.PostHook.Commands, beam.PostHook.FailFast); err != nil {
			return events.Failed, events.SkipNone, false, results, err
		}
	}

	if r.opts.CacheEnabled {
		outputs, err := collectOutputs(interpWorkingDir, beam.Outputs)
		if err != nil {
			r.exec.log.Warn("failed to collect outputs for cache record", "beam", name, "error", err)
		} else if err := r.cacheStore.Record(fp, cache.Record{FinishedAt: time.Now(), ExitStatus: 0, Outputs: outputs}); err != nil {
			r.exec.log.Warn("failed to write cache record", "beam", name, "error", err)
		}
	}

	return events.Succeeded, events.SkipNone, false, results, nil
}

func interpolatedCommands(beam beamfile.Beam, ns interp.Namespaces) ([]string, error) {
	var all []string
	if beam.PreHook != nil {
		cmds, err := interp.InterpolateAll(beam.PreHook.Commands, ns)
		if err != nil {
			return nil, err
		}
		all = append(all, cmds...)
	}
	cmds, err := interp.InterpolateAll(beam.Run.Commands, ns)
	if err != nil {
		return nil, err
	}
	all = append(all, cmds...)
	if beam.PostHook != nil {
		cmds, err := interp.InterpolateAll(beam.PostHook.Commands, ns)
		if err != nil {
			return nil, err
		}
		all = append(all, cmds...)
	}
	return all, nil
}

func buildVarMap(vars []beamfile.Variable, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		out[v.Name] = v.DefaultValue
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func processEnvMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func envSliceFrom(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}

func collectOutputs(workingDir string, globs []string) ([]cache.OutputEntry, error) {
	var out []cache.OutputEntry
	for _, pattern := range globs {
		full := pattern
		if !filepath.IsAbs(full) {
			full = filepath.Join(workingDir, pattern)
		}
		matches, err := doublestar.Glob(full)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			digest, err := fingerprint.HashFile(m)
			if err != nil {
				continue
			}
			out = append(out, cache.OutputEntry{Path: m, Hash: digest})
		}
	}
	return out, nil
}

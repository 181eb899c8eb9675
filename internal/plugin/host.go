// Package plugin implements Aurora's sandboxed plugin host (spec §4.7, C7):
// loads WebAssembly modules via wazero, exposes a small set of capability-
// gated host functions, and invokes guest lifecycle exports under a
// per-call deadline.
package plugin

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/stevedores-org/aurora/internal/aerrors"
	"github.com/stevedores-org/aurora/internal/interp"
)

// DefaultDeadline bounds a single guest call when the host doesn't override
// it (spec §4.7 "execution time is bounded by a configurable deadline").
const DefaultDeadline = 5 * time.Second

// Host owns one wazero runtime per loaded plugin and every loaded plugin
// for a single run. Plugin state is scoped to a single run (spec §3
// "Ownership and lifecycle").
//
// Each plugin gets its own wazero.Runtime, rather than sharing one runtime
// across plugins, because every guest module conventionally imports its
// host functions from a module literally named "env": a runtime only
// allows one module instance per name, so two plugins sharing a runtime
// would collide instantiating their "env" host module. Giving each plugin
// its own runtime also lets that runtime's single "env" instance be built
// once and reused for every beam (see instantiateEnv), instead of being
// rebuilt — and conflicting with itself — on every beam.
type Host struct {
	goCtx    context.Context
	rtConfig wazero.RuntimeConfig
	log      hclog.Logger
	ctx      *interp.Ctx
	deadline time.Duration
	vars     map[string]string // Beamfile variables, readable via get_var

	mu       sync.Mutex
	runtimes []wazero.Runtime
}

// NewHost constructs a plugin host. ctxStore is the shared, per-run ctx
// namespace that set_var writes into and get_var may read from.
func NewHost(goCtx context.Context, log hclog.Logger, ctxStore *interp.Ctx, vars map[string]string, deadline time.Duration) *Host {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Host{
		goCtx:    goCtx,
		rtConfig: wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
		log:      log.Named("plugin"),
		ctx:      ctxStore,
		deadline: deadline,
		vars:     vars,
	}
}

// Close releases every plugin's wazero runtime and its compiled modules.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	runtimes := h.runtimes
	h.runtimes = nil
	h.mu.Unlock()

	var firstErr error
	for _, rt := range runtimes {
		if err := rt.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Plugin is a compiled, manifest-verified module, ready to be instantiated
// fresh for each beam. It owns its own wazero.Runtime and a single "env"
// host module instance shared by every beam that uses this plugin.
type Plugin struct {
	Manifest *Manifest
	compiled wazero.CompiledModule
	host     *Host
	runtime  wazero.Runtime
	env      api.Module
}

// Load compiles a plugin's wasm entry and verifies its identity exports
// match the manifest (spec §4.7 guest exports plugin_name/plugin_version).
func (h *Host) Load(ctx context.Context, manifestPath string) (*Plugin, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, &aerrors.PluginError{Kind: "load", Err: err}
	}

	wasmBytes, err := os.ReadFile(manifest.EntryPath())
	if err != nil {
		return nil, &aerrors.PluginError{Plugin: manifest.Name, Kind: "load", Err: fmt.Errorf("reading entry: %w", err)}
	}

	runtime := wazero.NewRuntimeWithConfig(h.goCtx, h.rtConfig)
	h.mu.Lock()
	h.runtimes = append(h.runtimes, runtime)
	h.mu.Unlock()

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &aerrors.PluginError{Plugin: manifest.Name, Kind: "load", Err: fmt.Errorf("compiling module: %w", err)}
	}

	p := &Plugin{Manifest: manifest, compiled: compiled, host: h, runtime: runtime}

	env, err := p.instantiateEnv(ctx)
	if err != nil {
		return nil, &aerrors.PluginError{Plugin: manifest.Name, Kind: "load", Err: err}
	}
	p.env = env

	inst, err := p.instantiateGuest(ctx, "__verify")
	if err != nil {
		return nil, &aerrors.PluginError{Plugin: manifest.Name, Kind: "load", Err: err}
	}
	defer inst.close(ctx)

	name, version, err := inst.identity(ctx)
	if err != nil {
		return nil, &aerrors.PluginError{Plugin: manifest.Name, Kind: "load", Err: err}
	}
	if name != manifest.Name || version != manifest.Version {
		return nil, &aerrors.PluginError{
			Plugin: manifest.Name,
			Kind:   "load",
			Err:    fmt.Errorf("guest identity %s@%s does not match manifest %s@%s", name, version, manifest.Name, manifest.Version),
		}
	}

	return p, nil
}

// Instance is a single guest instantiation, scoped to one beam (spec §4.7
// "Isolation": fresh guest instance per beam, no shared mutable linear
// memory across beams).
type Instance struct {
	plugin *Plugin
	mod    api.Module
	beam   string
}

// instantiateEnv builds this plugin's single "env" host module, binding the
// capability-gated host functions from spec §4.7's table. Called once per
// plugin (from Load); every subsequent beam's guest instance resolves its
// "env" imports against this same instance instead of each beam
// re-registering (and colliding on) a module named "env".
func (p *Plugin) instantiateEnv(ctx context.Context) (api.Module, error) {
	builder := p.runtime.NewHostModuleBuilder("env")
	bindHostFunctions(builder, p)
	env, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiating host module: %w", err)
	}
	return env, nil
}

// instantiateGuest creates one guest instance bound to this plugin's
// compiled module, under a name unique to this beam so concurrent beams
// using the same plugin don't collide in the runtime's module namespace.
func (p *Plugin) instantiateGuest(ctx context.Context, beamName string) (*Instance, error) {
	modCfg := wazero.NewModuleConfig().WithName(fmt.Sprintf("%s/%s", p.Manifest.Name, beamName))
	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiating guest: %w", err)
	}

	return &Instance{plugin: p, mod: mod, beam: beamName}, nil
}

func (i *Instance) close(ctx context.Context) {
	_ = i.mod.Close(ctx)
}

func (i *Instance) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = withBeamName(ctx, i.beam)
	return context.WithTimeout(ctx, i.plugin.host.deadline)
}

func (i *Instance) identity(ctx context.Context) (name, version string, err error) {
	nameFn := i.mod.ExportedFunction("plugin_name")
	versionFn := i.mod.ExportedFunction("plugin_version")
	if nameFn == nil || versionFn == nil {
		return "", "", fmt.Errorf("guest must export plugin_name and plugin_version")
	}

	dctx, cancel := i.withDeadline(ctx)
	defer cancel()

	nameRes, err := nameFn.Call(dctx)
	if err != nil {
		return "", "", asTrap(err)
	}
	name, err = readGuestString(i.mod, nameRes[0])
	if err != nil {
		return "", "", err
	}

	versionRes, err := versionFn.Call(dctx)
	if err != nil {
		return "", "", asTrap(err)
	}
	version, err = readGuestString(i.mod, versionRes[0])
	if err != nil {
		return "", "", err
	}

	return name, version, nil
}

func asTrap(err error) error {
	return fmt.Errorf("guest trap or out-of-fuel: %w", err)
}

// NewInstance instantiates a fresh guest for the given beam, per the
// per-beam isolation guarantee.
func (p *Plugin) NewInstance(ctx context.Context, beamName string) (*Instance, error) {
	inst, err := p.instantiateGuest(ctx, beamName)
	if err != nil {
		return nil, &aerrors.PluginError{Plugin: p.Manifest.Name, Kind: "load", Err: err}
	}
	return inst, nil
}

// Close releases this instance's guest memory.
func (i *Instance) Close(ctx context.Context) {
	i.close(ctx)
}

// OnBeamStart invokes the optional on_beam_start export.
func (i *Instance) OnBeamStart(ctx context.Context, beamName string) error {
	fn := i.mod.ExportedFunction("on_beam_start")
	if fn == nil {
		return nil
	}
	dctx, cancel := i.withDeadline(ctx)
	defer cancel()

	ptr, err := writeGuestString(dctx, i.mod, beamName)
	if err != nil {
		return i.trapErr(err)
	}
	if _, err := fn.Call(dctx, uint64(ptr), uint64(len(beamName))); err != nil {
		return i.trapErr(err)
	}
	return nil
}

// OnBeamComplete invokes the optional on_beam_complete export.
func (i *Instance) OnBeamComplete(ctx context.Context, beamName, status string) error {
	fn := i.mod.ExportedFunction("on_beam_complete")
	if fn == nil {
		return nil
	}
	dctx, cancel := i.withDeadline(ctx)
	defer cancel()

	ptr, err := writeGuestString(dctx, i.mod, beamName)
	if err != nil {
		return i.trapErr(err)
	}
	if _, err := fn.Call(dctx, uint64(ptr), uint64(len(beamName)), uint64(statusCode(status))); err != nil {
		return i.trapErr(err)
	}
	return nil
}

// TransformCommand invokes the optional transform_command export. If the
// guest doesn't export it, the command passes through unchanged (spec §8
// boundary behavior).
func (i *Instance) TransformCommand(ctx context.Context, beamName, commandIn string) (string, error) {
	fn := i.mod.ExportedFunction("transform_command")
	if fn == nil {
		return commandIn, nil
	}
	dctx, cancel := i.withDeadline(ctx)
	defer cancel()

	namePtr, err := writeGuestString(dctx, i.mod, beamName)
	if err != nil {
		return "", i.trapErr(err)
	}
	cmdPtr, err := writeGuestString(dctx, i.mod, commandIn)
	if err != nil {
		return "", i.trapErr(err)
	}

	results, err := fn.Call(dctx, packPtrLen(namePtr, uint32(len(beamName))), packPtrLen(cmdPtr, uint32(len(commandIn))))
	if err != nil {
		return "", i.trapErr(err)
	}
	out, err := readGuestString(i.mod, results[0])
	if err != nil {
		return "", err
	}
	return out, nil
}

func (i *Instance) trapErr(err error) error {
	return &aerrors.PluginError{Plugin: i.plugin.Manifest.Name, Kind: "trap", Err: err}
}

func statusCode(status string) uint32 {
	switch status {
	case "succeeded":
		return 0
	case "failed":
		return 1
	case "skipped":
		return 2
	case "blocked":
		return 3
	default:
		return 255
	}
}

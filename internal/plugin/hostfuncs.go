package plugin

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// beamNameKey is the context key an Instance stashes its beam name under
// before every guest call (see host.go's withDeadline), so host functions
// bound once per plugin (instantiateEnv) can still tag log lines and
// lookups with whichever beam is calling in on this particular call.
type beamNameKey struct{}

func withBeamName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, beamNameKey{}, name)
}

func beamNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(beamNameKey{}).(string)
	return name
}

// bindHostFunctions registers every host function from spec §4.7's table
// onto the "env" host module, gated per-call by the plugin's declared
// capabilities. A call to a function whose capability isn't granted panics,
// which wazero surfaces to the caller as a Call error (trapped), matching
// "the host rejects calls to any host function whose capability is not
// granted". Bound once per plugin and shared by every beam (see
// instantiateEnv); per-call beam identity comes from the context, not a
// closed-over value.
func bindHostFunctions(builder wazero.HostModuleBuilder, p *Plugin) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
			msg, err := readGuestString(mod, packPtrLen(msgPtr, msgLen))
			if err != nil {
				panic(err)
			}
			p.host.log.Log(levelFromGuest(level), msg, "plugin", p.Manifest.Name, "beam", beamNameFromContext(ctx))
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePacked uint64) uint64 {
			name, err := readGuestString(mod, namePacked)
			if err != nil {
				panic(err)
			}
			value, ok := p.host.vars[name]
			if !ok {
				value, ok = p.host.ctx.Get(name)
			}
			if !ok {
				value = ""
			}
			ptr, err := writeGuestString(ctx, mod, value)
			if err != nil {
				panic(err)
			}
			return packPtrLen(ptr, uint32(len(value)))
		}).
		Export("get_var")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePacked, valuePacked uint64) {
			name, err := readGuestString(mod, namePacked)
			if err != nil {
				panic(err)
			}
			value, err := readGuestString(mod, valuePacked)
			if err != nil {
				panic(err)
			}
			p.host.ctx.Set(name, value)
		}).
		Export("set_var")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePacked uint64) uint64 {
			if !p.Manifest.Has(CapEnv) {
				panic(fmt.Errorf("plugin %q: get_env requires the %q capability", p.Manifest.Name, CapEnv))
			}
			name, err := readGuestString(mod, namePacked)
			if err != nil {
				panic(err)
			}
			value := os.Getenv(name)
			ptr, err := writeGuestString(ctx, mod, value)
			if err != nil {
				panic(err)
			}
			return packPtrLen(ptr, uint32(len(value)))
		}).
		Export("get_env")
}

func levelFromGuest(level uint32) hclog.Level {
	switch level {
	case 0:
		return hclog.Trace
	case 1:
		return hclog.Debug
	case 2:
		return hclog.Info
	case 3:
		return hclog.Warn
	default:
		return hclog.Error
	}
}

package plugin

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// packPtrLen and its companion unpackPtrLen implement the host/guest string
// protocol (spec §9 "Plugin memory protocol"): a guest export returning a
// string packs (ptr<<32 | len) into a single i64 result, avoiding any
// assumption about the guest language's runtime or multi-value ABI support.

func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpackPtrLen(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// readGuestString reads a (ptr,len)-addressed string out of guest memory.
func readGuestString(mod api.Module, packed uint64) (string, error) {
	ptr, length := unpackPtrLen(packed)
	if length == 0 {
		return "", nil
	}
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", fmt.Errorf("reading guest memory at %d+%d out of range", ptr, length)
	}
	return string(buf), nil
}

// writeGuestString calls the guest's alloc(n) export to obtain a
// destination, copies s into guest memory, and returns the destination
// pointer. The guest is responsible for calling dealloc on strings it no
// longer needs; the host never frees guest memory itself.
func writeGuestString(ctx context.Context, mod api.Module, s string) (uint32, error) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("guest module does not export alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(s)))
	if err != nil {
		return 0, fmt.Errorf("calling guest alloc: %w", err)
	}
	ptr := uint32(results[0])
	if len(s) > 0 {
		if !mod.Memory().Write(ptr, []byte(s)) {
			return 0, fmt.Errorf("writing guest memory at %d+%d out of range", ptr, len(s))
		}
	}
	return ptr, nil
}

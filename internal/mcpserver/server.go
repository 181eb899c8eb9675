// Package mcpserver exposes Aurora's executor as MCP tools over stdio, in
// the shape of the teacher's cmdServe/mcpContext (spec SPEC_FULL.md
// "SUPPLEMENTED FEATURES" — not part of the core pipeline, an automation
// surface alongside the CLI).
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stevedores-org/aurora/internal/beamfile"
	"github.com/stevedores-org/aurora/internal/cache"
	"github.com/stevedores-org/aurora/internal/dag"
	"github.com/stevedores-org/aurora/internal/events"
	"github.com/stevedores-org/aurora/internal/executor"
)

// serverContext holds shared state for MCP tool handlers, mirroring the
// teacher's mcpContext.
type serverContext struct {
	bf      *beamfile.Beamfile
	exec    *executor.Executor
	version string
}

// Serve starts the MCP server over stdio and blocks until the client
// disconnects.
func Serve(bf *beamfile.Beamfile, version string) error {
	sc := &serverContext{bf: bf, exec: executor.New(bf, nil), version: version}

	s := server.NewMCPServer("aurora", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("run_beam",
		mcp.WithDescription("Run a beam and its dependencies, returning the final report"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Beam name to run")),
	), sc.handleRunBeam)

	s.AddTool(mcp.NewTool("list_beams",
		mcp.WithDescription("List every declared beam with its dependencies"),
	), sc.handleListBeams)

	s.AddTool(mcp.NewTool("get_stale_beams",
		mcp.WithDescription("List beams that would run on the next run (cache miss or no cache)"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Target beam name")),
	), sc.handleGetStaleBeams)

	s.AddTool(mcp.NewTool("invalidate_cache",
		mcp.WithDescription("Clear the entire build cache, forcing every beam to re-run next time"),
	), sc.handleInvalidateCache)

	s.AddTool(mcp.NewTool("cache_status",
		mcp.WithDescription("Return the cache index's entry count and size"),
	), sc.handleCacheStatus)

	s.AddTool(mcp.NewTool("get_dag",
		mcp.WithDescription("Return the dependency graph in Graphviz dot format"),
	), sc.handleGetDAG)

	return server.ServeStdio(s)
}

func (sc *serverContext) handleRunBeam(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := sc.exec.Run(ctx, name, executor.RunOptions{
		MaxParallelism: 4,
		CacheEnabled:   true,
		EventSink:      events.NopSink,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.Marshal(report.All())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (sc *serverContext) handleListBeams(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type beamInfo struct {
		Name      string   `json:"name"`
		DependsOn []string `json:"depends_on"`
	}
	var beams []beamInfo
	for _, name := range sc.bf.Order() {
		b := sc.bf.Beams[name]
		beams = append(beams, beamInfo{Name: b.Name, DependsOn: b.DependsOn})
	}
	data, err := json.Marshal(beams)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (sc *serverContext) handleGetStaleBeams(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := sc.exec.Run(ctx, name, executor.RunOptions{
		MaxParallelism: 1,
		DryRun:         true,
		CacheCheckOnly: true,
		CacheEnabled:   true,
		EventSink:      events.NopSink,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var stale []string
	for n, e := range report.All() {
		if e.Skip != events.SkipCached {
			stale = append(stale, n)
		}
	}
	data, err := json.Marshal(stale)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (sc *serverContext) handleInvalidateCache(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store, err := cache.Open(sc.bf.Dir, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := store.Clean(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("cache cleared"), nil
}

func (sc *serverContext) handleCacheStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	store, err := cache.Open(sc.bf.Dir, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status := store.Status()
	return mcp.NewToolResultText(fmt.Sprintf("entries=%d bytes=%d", status.EntryCount, status.TotalBytes)), nil
}

func (sc *serverContext) handleGetDAG(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := dag.Build(sc.bf.Order(), func(name string) []string {
		return sc.bf.Beams[name].DependsOn
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(g.DOT()), nil
}

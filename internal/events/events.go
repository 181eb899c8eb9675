// Package events defines the run-time state machine, the event types the
// executor streams to a host-supplied sink, and the final RunReport (spec
// §3 BeamState/RunReport, §6 Events).
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// BeamState is a beam's position in Pending -> Ready -> Running ->
// {Succeeded, Skipped, Failed, Blocked}.
type BeamState string

const (
	Pending   BeamState = "pending"
	Ready     BeamState = "ready"
	Running   BeamState = "running"
	Succeeded BeamState = "succeeded"
	Skipped   BeamState = "skipped" // see SkipReason for cached vs condition
	Failed    BeamState = "failed"
	Blocked   BeamState = "blocked"
)

// SkipReason distinguishes the two ways a beam can end in Skipped.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipCached    SkipReason = "cached"
	SkipCondition SkipReason = "condition"
)

// BlockReason distinguishes the two ways a beam can end in Blocked.
type BlockReason string

const (
	BlockNone      BlockReason = ""
	BlockAncestor  BlockReason = "ancestor_failed"
	BlockCancelled BlockReason = "cancelled"
)

// Stream identifies which child-process stream an Output event carries.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is the common envelope for everything sent to an EventSink.
type Event struct {
	Kind     string
	Beam     string
	State    BeamState
	Skip     SkipReason
	Block    BlockReason
	Duration time.Duration
	CacheHit bool
	Stream   Stream
	Line     string
	Plugin   string
	Level    string
	Message  string
}

const (
	KindBeamStart     = "beam_start"
	KindBeamComplete  = "beam_complete"
	KindOutput        = "output"
	KindPluginLog     = "plugin_log"
	KindWouldExecute  = "would_execute"
)

// Sink receives events in the order described by spec §5: per beam,
// BeamStart -> zero or more Output -> BeamComplete, with no cross-beam
// ordering guarantee.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards every event.
var NopSink Sink = SinkFunc(func(Event) {})

// CommandResult is one command's contribution to a beam's RunReport entry.
type CommandResult struct {
	Command  string
	ExitCode int
	Duration time.Duration
}

// BeamReport is the final record for a single beam.
type BeamReport struct {
	Name     string
	State    BeamState
	Skip     SkipReason
	Block    BlockReason
	Duration time.Duration
	Commands []CommandResult
	Lines    []string // captured log lines, bounded to maxCapturedLines by RunReport.AppendLine
	CacheHit bool
	Err      error
}

// maxCapturedLines bounds per-beam captured output retained in the report;
// the live stream still sees every line via the Sink.
const maxCapturedLines = 500

// RunReport is the shared-writer output of a run: one entry per beam. A
// single mutex guards every entry; there is no per-entry lock.
type RunReport struct {
	RunID     string
	StartedAt time.Time
	mu        sync.Mutex
	entries   map[string]*BeamReport
}

// NewRunReport allocates an empty report stamped with a fresh run id.
func NewRunReport() *RunReport {
	return &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		entries:   make(map[string]*BeamReport),
	}
}

// Set installs or replaces a beam's report entry.
func (r *RunReport) Set(name string, entry *BeamReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry
}

// AppendLine appends a captured output line for a beam, bounded to
// maxCapturedLines.
func (r *RunReport) AppendLine(name, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		e = &BeamReport{Name: name}
		r.entries[name] = e
	}
	if len(e.Lines) < maxCapturedLines {
		e.Lines = append(e.Lines, line)
	}
}

// Get returns a copy of a beam's entry, if any.
func (r *RunReport) Get(name string) (BeamReport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return BeamReport{}, false
	}
	return *e, true
}

// All returns a snapshot of every beam entry, keyed by name.
func (r *RunReport) All() map[string]BeamReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BeamReport, len(r.entries))
	for k, v := range r.entries {
		out[k] = *v
	}
	return out
}

// Failed reports whether the overall run should be treated as a failure:
// any beam terminal state in {Failed, Blocked} (spec §7 propagation policy).
func (r *RunReport) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.State == Failed || e.State == Blocked {
			return true
		}
	}
	return false
}

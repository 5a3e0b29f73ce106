// internal/sched/event.go

package sched

// EventKind classifies a scheduling decision for tracing.
type EventKind int

const (
	EventEnqueue EventKind = iota
	EventDispatch
	EventPreempt
	EventYield
	EventBlock
	EventUnblock
	EventMigrate
	EventWeightChange
	EventIdle
)

// Event records one scheduling decision. Events are emitted after the
// scheduling lock is released, so sinks may do slow work.
type Event struct {
	At      Time
	Kind    EventKind
	TaskID  TaskID
	CPU     CPUID
	VFinish Time
	Slice   Duration
}

func (k EventKind) String() string {
	switch k {
	case EventEnqueue:
		return "enqueue"
	case EventDispatch:
		return "dispatch"
	case EventPreempt:
		return "preempt"
	case EventYield:
		return "yield"
	case EventBlock:
		return "block"
	case EventUnblock:
		return "unblock"
	case EventMigrate:
		return "migrate"
	case EventWeightChange:
		return "weight_change"
	case EventIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// TraceSink receives scheduling events. Implementations must be safe for
// calls from any goroutine that drives the cluster.
type TraceSink interface {
	Trace(Event)
}

// TraceFunc adapts a function to a TraceSink.
type TraceFunc func(Event)

func (f TraceFunc) Trace(ev Event) { f(ev) }

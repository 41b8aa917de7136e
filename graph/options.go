package graph

import (
	"log/slog"
	"time"

	"github.com/Samir-atra/hive-fork-sub000/graph/episodic"
	"github.com/Samir-atra/hive-fork-sub000/graph/event"
	"github.com/Samir-atra/hive-fork-sub000/graph/guard"
	"github.com/Samir-atra/hive-fork-sub000/graph/model"
	"github.com/Samir-atra/hive-fork-sub000/graph/session"
	"github.com/Samir-atra/hive-fork-sub000/graph/tool"
	"github.com/Samir-atra/hive-fork-sub000/graph/trace"
)

// Executor defaults, each overridable by option.
const (
	DefaultLLMTimeout  = 30 * time.Second
	DefaultToolTimeout = 10 * time.Second

	// DefaultRetryBaseDelay seeds the exponential backoff between node
	// retry attempts; DefaultRetryMaxDelay caps it before jitter.
	DefaultRetryBaseDelay = 1 * time.Second
	DefaultRetryMaxDelay  = 30 * time.Second
)

// storageAttempts is how many times a session or trace write is tried
// before the failure surfaces as a StorageError.
const storageAttempts = 3

// ExecutorOption configures an Executor at construction time.
type ExecutorOption func(*Executor)

// WithProvider sets the language-model backend used by the llm_generate,
// llm_tool_use, and event_loop node kinds.
func WithProvider(p model.Provider) ExecutorOption {
	return func(ex *Executor) { ex.provider = p }
}

// WithToolRegistry sets the registry tools are resolved from. Nodes see
// only the subset named in their allowlist.
func WithToolRegistry(r *tool.Registry) ExecutorOption {
	return func(ex *Executor) { ex.tools = r }
}

// WithGuard routes every tool call through the guardrail engine. Denials
// come back to the model as error results, never as run failures.
func WithGuard(g *guard.Engine) ExecutorOption {
	return func(ex *Executor) { ex.guardEngine = g }
}

// WithBus publishes run, node, and tool lifecycle events to b.
func WithBus(b *event.Bus) ExecutorOption {
	return func(ex *Executor) { ex.bus = b }
}

// WithSessions sets the store that persists session state after every
// step. The default is an in-memory store, which does not survive the
// process; anything that should be resumable needs a durable store.
func WithSessions(s session.Store) ExecutorOption {
	return func(ex *Executor) {
		if s != nil {
			ex.sessions = s
		}
	}
}

// WithConversations records client-facing turns under each session's
// conversation directory.
func WithConversations(c *session.Conversations) ExecutorOption {
	return func(ex *Executor) { ex.conversations = c }
}

// WithEpisodes captures an episodic-memory record at every node exit.
// Capture failures degrade to a warning; they never fail the node.
func WithEpisodes(w *episodic.Writer) ExecutorOption {
	return func(ex *Executor) { ex.episodes = w }
}

// WithTraceStore persists the execution trace when the run ends (or
// pauses). Without a store the trace is still built and returned on the
// RunResult, just not written anywhere.
func WithTraceStore(s trace.Store) ExecutorOption {
	return func(ex *Executor) { ex.traceStore = s }
}

// WithTraceConfig controls value capture and size bounds on recorded
// traces.
func WithTraceConfig(cfg trace.Config) ExecutorOption {
	return func(ex *Executor) { ex.traceConfig = cfg }
}

// WithTraceSink mirrors finalized trace records to s while the run is
// in flight, for example the OpenTelemetry bridge.
func WithTraceSink(s trace.Sink) ExecutorOption {
	return func(ex *Executor) { ex.traceSink = s }
}

// WithMetrics publishes Prometheus series for runs, nodes, retries,
// tokens, cost, and tool calls.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(ex *Executor) { ex.metrics = m }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(ex *Executor) {
		if l != nil {
			ex.logger = l
		}
	}
}

// WithHandler registers the handler invoked for nodes of the given type.
// Function nodes dispatch on node_type, so graphs that need several
// distinct behaviors register custom types alongside NodeFunction.
func WithHandler(nodeType NodeType, h Handler) ExecutorOption {
	return func(ex *Executor) { ex.handlers[nodeType] = h }
}

// WithClock overrides the executor's time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(ex *Executor) {
		if now != nil {
			ex.now = now
		}
	}
}

// WithLLMTimeout bounds each model call. Zero or negative keeps the
// default.
func WithLLMTimeout(d time.Duration) ExecutorOption {
	return func(ex *Executor) {
		if d > 0 {
			ex.llmTimeout = d
		}
	}
}

// WithToolTimeout bounds each tool dispatch. Zero or negative keeps the
// default.
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(ex *Executor) {
		if d > 0 {
			ex.toolTimeout = d
		}
	}
}

// WithRetryBackoff overrides the base and maximum delay of the
// exponential backoff applied between retry attempts. Jitter of up to
// one base is added on top of the capped delay.
func WithRetryBackoff(base, max time.Duration) ExecutorOption {
	return func(ex *Executor) {
		if base > 0 {
			ex.backoffBase = base
		}
		if max > 0 {
			ex.backoffMax = max
		}
	}
}

// WithCancelCheck installs an external cancellation probe, polled at
// step boundaries and before each model request in addition to context
// cancellation.
func WithCancelCheck(fn func() bool) ExecutorOption {
	return func(ex *Executor) { ex.cancelCheck = fn }
}

package agentguard

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentguard-ai/agentguard/monitor"
	"github.com/agentguard-ai/agentguard/policy"
	"github.com/agentguard-ai/agentguard/types"
)

// Option configures a Manager at construction time.
type Option func(*managerOptions)

type managerOptions struct {
	logger  *slog.Logger
	tracer  trace.Tracer
	monitor monitor.Monitor
	policy  policy.Policy
}

// WithLogger sets a custom structured logger for the manager.
// If not provided, a default JSON logger is created.
func WithLogger(logger *slog.Logger) Option {
	return func(o *managerOptions) {
		o.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer. When set, the blocking request
// paths run inside spans carrying the agent, resource, and quantity.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *managerOptions) {
		o.tracer = tracer
	}
}

// WithMonitor sets the event sink. Use monitor.NewMulti to fan out to
// several sinks. The monitor can also be swapped later via SetMonitor.
func WithMonitor(mon monitor.Monitor) Option {
	return func(o *managerOptions) {
		o.monitor = mon
	}
}

// WithPolicy sets the scheduling policy the background processor uses to
// order pending requests. Defaults to policy.FIFO. The policy can be swapped
// at runtime via SetSchedulingPolicy.
func WithPolicy(p policy.Policy) Option {
	return func(o *managerOptions) {
		o.policy = p
	}
}

// RequestOption configures a single resource request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout     time.Duration
	hasTimeout  bool
	priority    types.Priority
	hasPriority bool
}

// WithRequestTimeout bounds how long the request may block (synchronous
// forms) or stay queued (callback form). A zero timeout on a synchronous
// request degenerates to "try once, return immediately". Without this
// option, synchronous requests use the configured default timeout and
// queued requests never expire.
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// NoWait makes a synchronous request try once and return immediately
// instead of waiting for releases. Shorthand for WithRequestTimeout(0).
func NoWait() RequestOption {
	return WithRequestTimeout(0)
}

// WithRequestPriority overrides the queue priority of a callback request.
// Without this option the request inherits the agent's priority at enqueue
// time.
func WithRequestPriority(p types.Priority) RequestOption {
	return func(o *requestOptions) {
		o.priority = p
		o.hasPriority = true
	}
}

func resolveRequestOptions(opts []RequestOption) requestOptions {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

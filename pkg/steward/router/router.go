package router

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Router runs the two-stage triage pipeline.
type Router struct {
	cfg      Config
	classify ClassifyFunc
	logger   *slog.Logger

	// stats are process-lifetime counters, exposed for health surfaces.
	decided  atomic.Int64
	noPlan   atomic.Int64
	failures atomic.Int64
}

// New wires a router. classify may be nil when the llm strategy is not
// configured.
func New(cfg Config, classify ClassifyFunc, logger *slog.Logger) *Router {
	return &Router{
		cfg:      cfg.Effective(),
		classify: classify,
		logger:   logger.With("component", "router"),
	}
}

// Decide evaluates one observed message and returns at most one plan.
// A nil plan means no action: nothing matched, triage is disabled, or
// classification failed. Failures deliberately fall through to silence
// rather than risk an unreviewed action.
func (r *Router) Decide(ctx context.Context, rctx RoutingContext) *ExecutionPlan {
	if !r.cfg.Enabled {
		return nil
	}

	for _, strategy := range r.cfg.Strategies {
		switch strategy {
		case "quick_match":
			if plan := quickMatch(r.cfg.Rules, rctx); plan != nil {
				r.decided.Add(1)
				r.logger.Info("triage decided",
					"method", plan.Method,
					"kind", plan.Kind,
					"reason", plan.Reason,
				)
				return plan
			}

		case "llm":
			if r.classify == nil {
				continue
			}
			plan, err := r.runClassify(ctx, rctx)
			if err != nil {
				r.failures.Add(1)
				r.logger.Warn("triage classification failed, taking no action", "error", err)
				return nil
			}
			r.decided.Add(1)
			r.logger.Info("triage decided",
				"method", plan.Method,
				"kind", plan.Kind,
				"reason", plan.Reason,
				"latency_ms", plan.Telemetry.Latency.Milliseconds(),
				"model", plan.Telemetry.Model,
			)
			return plan

		default:
			r.logger.Warn("unknown triage strategy, skipping", "strategy", strategy)
		}
	}

	r.noPlan.Add(1)
	return nil
}

// Stats reports process-lifetime triage counters.
func (r *Router) Stats() (decided, noPlan, failures int64) {
	return r.decided.Load(), r.noPlan.Load(), r.failures.Load()
}

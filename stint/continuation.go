package stint

import (
	"fmt"
	"time"
)

// Outcome is the continuation decision reached at the end of one
// invocation.
type Outcome string

const (
	// OutcomeNoWork means the work-size computation found nothing; no
	// job row was created.
	OutcomeNoWork Outcome = "no_work"
	// OutcomeRateLimited means a throttle delay could not fit the
	// budget; a continuation carries it instead.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomePaused means repeated failures tripped the ceiling; the job
	// degrades to a long fixed retry delay.
	OutcomePaused Outcome = "paused"
	// OutcomeWaiting means the remaining items are blocked on a
	// dependency; the dependency's own completion re-triggers, never a
	// self-relay.
	OutcomeWaiting Outcome = "waiting_on_dependency"
	// OutcomeContinuing means the budget ran out with work left; relay
	// immediately.
	OutcomeContinuing Outcome = "continuing"
	// OutcomeCompleted means the source is drained.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSkipped means another worker held the stage lock.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAborted means the job's status was mutated externally
	// mid-run and the batch stopped cleanly.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed means a permanent error or the relay ceiling.
	OutcomeFailed Outcome = "failed"
)

// Continuation is what happens after the batch loop returns: the state
// the job lands in, whether a self-relay is scheduled and how long it
// waits, and the relay depth the next invocation inherits.
type Continuation struct {
	Outcome Outcome

	// Relay schedules a self-invocation after Delay.
	Relay bool
	Delay time.Duration

	// Depth is the relay depth passed onward: zero after any forward
	// progress, incremented otherwise. The distinction separates "still
	// working, just slow" from "stuck".
	Depth int

	// Reason lands in the job's error_message on paused and failed.
	Reason string
}

// Continuer schedules future invocations. The daemon implements it as a
// supervised in-process timer; a FaaS deployment would implement it as an
// HTTP self-callback carrying the delay as sleep_before_start_ms. Engine
// logic never depends on which. A scheduling failure is not fatal: the
// watchdog restarts any job whose heartbeat goes stale.
type Continuer interface {
	ContinueLater(workspaceID, stage, jobID string, delay time.Duration, depth int) error
}

// Decide maps one invocation's run report onto the continuation state
// machine. Pure function: no I/O, no clock.
func Decide(report *RunReport, consecutiveFailures, priorDepth int, cfg EngineConfig) Continuation {
	depth := priorDepth + 1
	if report.Processed > 0 {
		depth = 0
	}

	switch {
	case report.Err != nil:
		return Continuation{
			Outcome: OutcomeFailed,
			Depth:   depth,
			Reason:  report.Err.Error(),
		}

	case report.Aborted:
		return Continuation{Outcome: OutcomeAborted, Depth: depth}

	case consecutiveFailures >= cfg.FailureCeiling:
		if depth >= cfg.RelayCeiling {
			return ceilingFailure(depth, cfg)
		}
		return Continuation{
			Outcome: OutcomePaused,
			Relay:   true,
			Delay:   cfg.PauseDelay,
			Depth:   depth,
			Reason:  fmt.Sprintf("paused after %d consecutive failures", consecutiveFailures),
		}

	case report.RateLimit != nil:
		if depth >= cfg.RelayCeiling {
			return ceilingFailure(depth, cfg)
		}
		return Continuation{
			Outcome: OutcomeRateLimited,
			Relay:   true,
			Delay:   report.RateLimit.RetryAfter,
			Depth:   depth,
		}

	case report.Waiting:
		return Continuation{Outcome: OutcomeWaiting, Depth: depth}

	case report.Exhausted:
		return Continuation{Outcome: OutcomeCompleted, Depth: 0}

	default:
		if depth >= cfg.RelayCeiling {
			return ceilingFailure(depth, cfg)
		}
		return Continuation{Outcome: OutcomeContinuing, Relay: true, Depth: depth}
	}
}

// ceilingFailure is the backstop against any state-machine bug producing
// an infinite relay chain.
func ceilingFailure(depth int, cfg EngineConfig) Continuation {
	return Continuation{
		Outcome: OutcomeFailed,
		Depth:   depth,
		Reason: fmt.Sprintf("relay depth %d reached ceiling %d with no progress",
			depth, cfg.RelayCeiling),
	}
}

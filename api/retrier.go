/*
retrier.go - Background results delivery retries

PURPOSE:
  Periodically re-sends the results of ended sessions whose delivery
  failed. The participant never waits on this; a failed email only leaves
  an advisory on their completion screen.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Only live sessions in this process's registry are retried
  - Skips sessions already delivered, failed, out of attempts, or whose
    sink reported delivery as disabled
  - Each retry goes through Controller.RetryDelivery, so it is logged
    like any other attempt
  - Redeliver=false (no SMTP configured) keeps only the eviction pass

EVICTION:
  After each pass, sessions that ended or failed more than Retention ago
  and need no further delivery are dropped from the registry. Their
  saved log stays in the store.

USAGE:
  retrier := NewDeliveryRetrier(handler, logger)
  retrier.Start()
  // ... later
  retrier.Stop()

SEE ALSO:
  - handlers.go: RetryDelivery endpoint (manual retry)
  - survey/controller.go: delivery on entering the ended phase
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/evac-survey/logging"
	"github.com/warp/evac-survey/survey"
)

// DeliveryRetrier re-attempts failed results deliveries.
type DeliveryRetrier struct {
	Handler       *Handler
	Logger        logging.Logger
	CheckInterval time.Duration

	// Redeliver turns the delivery half of a pass on or off.
	Redeliver bool
	// Retention is how long a closed session stays readable.
	Retention time.Duration
	// Now defaults to time.Now.
	Now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// DefaultRetention keeps closed sessions for the completion screen.
const DefaultRetention = time.Hour

// NewDeliveryRetrier creates a retrier checking every ten minutes.
func NewDeliveryRetrier(h *Handler, logger logging.Logger) *DeliveryRetrier {
	if logger == nil {
		logger = logging.Noop()
	}
	return &DeliveryRetrier{
		Handler:       h,
		Logger:        logger,
		CheckInterval: 10 * time.Minute,
		Redeliver:     true,
		Retention:     DefaultRetention,
		Now:           time.Now,
	}
}

// Start begins the retry loop. A non-positive interval disables it.
func (dr *DeliveryRetrier) Start() {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if dr.CheckInterval <= 0 {
		dr.Logger.Info(context.Background(), "delivery retrier disabled")
		return
	}
	if dr.ticker != nil {
		return
	}

	dr.ticker = time.NewTicker(dr.CheckInterval)
	dr.stop = make(chan struct{})
	dr.wg.Add(1)
	go dr.run()

	dr.Logger.Info(context.Background(), "delivery retrier started",
		logging.String("interval", dr.CheckInterval.String()),
		logging.Any("redeliver", dr.Redeliver))
}

// Stop stops the retry loop and waits for a pass in progress.
func (dr *DeliveryRetrier) Stop() {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	if dr.ticker == nil {
		return
	}
	dr.ticker.Stop()
	close(dr.stop)
	dr.wg.Wait()
	dr.ticker = nil
}

func (dr *DeliveryRetrier) run() {
	defer dr.wg.Done()
	for {
		select {
		case <-dr.ticker.C:
			dr.RunNow(context.Background())
		case <-dr.stop:
			return
		}
	}
}

// RunNow retries every pending delivery once, evicts settled sessions
// and reports how many deliveries succeeded.
func (dr *DeliveryRetrier) RunNow(ctx context.Context) int {
	delivered := 0
	if dr.Redeliver {
		delivered = dr.redeliver(ctx)
	}
	if n := dr.evict(); n > 0 {
		dr.Logger.Debug(ctx, "evicted closed sessions", logging.Int("count", n))
	}
	return delivered
}

func (dr *DeliveryRetrier) redeliver(ctx context.Context) int {
	ctrl := dr.Handler.Controller
	delivered, attempted := 0, 0

	for _, s := range dr.Handler.Sessions.Sessions() {
		if !ctrl.NeedsDelivery(s.State()) {
			continue
		}
		attempted++
		if err := ctrl.RetryDelivery(ctx, s); err != nil {
			// Another request may have delivered it first.
			if !survey.IsRejected(err) {
				dr.Logger.Warn(ctx, "delivery retry failed",
					logging.String("session_id", s.ID()), logging.Err(err))
			}
			continue
		}
		if s.State().ResultsDelivered {
			delivered++
		}
	}

	if attempted > 0 {
		dr.Logger.Info(ctx, "delivery retry pass",
			logging.Int("attempted", attempted), logging.Int("delivered", delivered))
	}
	return delivered
}

func (dr *DeliveryRetrier) evict() int {
	now := time.Now()
	if dr.Now != nil {
		now = dr.Now()
	}
	ctrl := dr.Handler.Controller
	return dr.Handler.Sessions.Evict(func(st survey.State) bool {
		if st.ClosedAt.IsZero() || ctrl.NeedsDelivery(st) {
			return false
		}
		return now.Sub(st.ClosedAt) >= dr.Retention
	})
}

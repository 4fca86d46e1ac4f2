// Package scheduler implements the Auto-Refresh Scheduler (spec.md
// §4.10): the single driver of pipeline ticks, per-adapter reconnect
// attempts, and the daily metrics-pruning housekeeping task. Modeled on
// the teacher's xaction-runner tick loop (ais/xact sweep goroutines):
// one ticker goroutine per concern, all stopped together by Stop (one
// shared stop channel) or by cancellation of the context given to Start.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/logging"
	"github.com/got3nks/amule-web-controller-sub002/internal/registry"
)

// EventFirer is the narrow events.Hook slice the scheduler needs to
// report connection-state transitions.
type EventFirer interface {
	Fire(name string, payload map[string]any)
}

var (
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "amule_web_controller_pipeline_tick_seconds",
		Help: "Duration of each scheduler pipeline tick.",
	})
	reconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amule_web_controller_reconnect_attempts_total",
		Help: "Per-instance reconnect attempts, labeled by outcome.",
	}, []string{"instance_id", "outcome"})
)

func init() {
	prometheus.MustRegister(tickDuration, reconnectAttempts)
}

// TickFunc adapts pipeline.Assembler.Run (which returns a concrete Batch,
// not `any`) to the scheduler's narrow interface without pipeline having
// to import scheduler.
type TickFunc func(ctx context.Context) error

type Scheduler struct {
	tick     TickFunc
	registry *registry.Registry
	metrics  *sql.DB
	events   EventFirer
	log      *logging.Logger

	refreshInterval  time.Duration
	reconnectInterval time.Duration

	stop chan struct{}
}

func New(tick TickFunc, reg *registry.Registry, metrics *sql.DB, events EventFirer, refreshInterval, reconnectInterval time.Duration) *Scheduler {
	if refreshInterval <= 0 {
		refreshInterval = 3 * time.Second
	}
	if reconnectInterval <= 0 {
		reconnectInterval = 30 * time.Second
	}
	return &Scheduler{
		tick:              tick,
		registry:          reg,
		metrics:           metrics,
		events:            events,
		log:               logging.New("scheduler"),
		refreshInterval:   refreshInterval,
		reconnectInterval: reconnectInterval,
		stop:              make(chan struct{}),
	}
}

// Start launches the independent loops and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go s.tickLoop(ctx)
	go s.reconnectLoop(ctx)
	go s.pruneLoop(ctx)
	go s.trackerRefreshLoop(ctx)
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

// tickLoop drives the pipeline strictly sequentially (spec.md §5 ordering
// guarantee 1): a tick that runs long simply delays the next one rather
// than overlapping it, enforced here by waiting for Run to return before
// re-arming the timer instead of using a free-running ticker.
func (s *Scheduler) tickLoop(ctx context.Context) {
	timer := time.NewTimer(s.refreshInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			tickCtx, cancel := context.WithTimeout(ctx, s.refreshInterval*5)
			start := time.Now()
			if err := s.tick(tickCtx); err != nil {
				s.log.Warnf("pipeline tick: %v", err)
			}
			tickDuration.Observe(time.Since(start).Seconds())
			cancel()
			timer.Reset(s.refreshInterval)
		}
	}
}

// reconnectLoop retries InitClient on every enabled-but-disconnected
// adapter every reconnectInterval.
func (s *Scheduler) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range s.registry.GetEnabled() {
				if a.IsConnected() {
					continue
				}
				a := a
				go func() {
					connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
					defer cancel()
					connected, err := a.InitClient(connectCtx)
					if err != nil {
						s.log.Debugf("reconnect %s: %v", a.InstanceID(), err)
						reconnectAttempts.WithLabelValues(a.InstanceID(), "error").Inc()
						return
					}
					if connected {
						reconnectAttempts.WithLabelValues(a.InstanceID(), "connected").Inc()
						s.events.Fire("clientConnected", map[string]any{"instanceId": a.InstanceID()})
					} else {
						reconnectAttempts.WithLabelValues(a.InstanceID(), "pending").Inc()
					}
				}()
			}
		}
	}
}

// trackerRefreshInterval bounds the background tracker/peer-detail pull
// spec.md §4.1 describes for BitTorrent-family adapters; it runs far
// less often than a pipeline tick since it exists to populate an
// in-adapter cache, not to drive the broadcast itself.
const trackerRefreshInterval = 30 * time.Second

// trackerRefreshLoop calls RefreshSharedFiles on every connected adapter
// whose capability meta advertises tracker support (spec.md §4.1's
// "Tracker refresh loop for BitTorrent-family adapters"). Each adapter's
// own RefreshSharedFiles decides how to batch its wire calls; this loop
// only decides when and on which instances to call it.
func (s *Scheduler) trackerRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(trackerRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range s.registry.ConnectedWithCapability(func(f captab.Features) bool { return f.Trackers }) {
				a := a
				go func() {
					refreshCtx, cancel := context.WithTimeout(ctx, trackerRefreshInterval)
					defer cancel()
					if err := a.RefreshSharedFiles(refreshCtx); err != nil {
						s.log.Debugf("tracker refresh %s: %v", a.InstanceID(), err)
					}
				}()
			}
		}
	}
}

// pruneLoop runs the metrics-retention cleanup once a day at 3am local
// time (spec.md §4.10), computing the next 3am on every iteration rather
// than assuming a fixed 24h period so DST transitions don't drift it.
func (s *Scheduler) pruneLoop(ctx context.Context) {
	for {
		wait := time.Until(next3AM(time.Now()))
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if err := s.pruneMetrics(ctx); err != nil {
				s.log.Warnf("pruning metrics: %v", err)
			}
		}
	}
}

func next3AM(from time.Time) time.Time {
	next := time.Date(from.Year(), from.Month(), from.Day(), 3, 0, 0, 0, from.Location())
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

const metricsRetention = 30 * 24 * time.Hour

func (s *Scheduler) pruneMetrics(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	cutoff := time.Now().Add(-metricsRetention)
	_, err := s.metrics.ExecContext(ctx, `DELETE FROM metrics_samples WHERE recorded_at < ?`, cutoff)
	return err
}

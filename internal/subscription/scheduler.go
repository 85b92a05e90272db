package subscription

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
)

const (
	DefaultRenewInterval = 30 * time.Minute
	DefaultRenewWindow   = 24 * time.Hour
)

// SweepReport summarizes one renewal pass.
type SweepReport struct {
	Due     int `json:"due"`
	Renewed int `json:"renewed"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type sweepRequest struct {
	done chan SweepReport
}

// Scheduler renews subscriptions nearing expiry: once at start, then every
// interval. Manual sweeps requested while it runs go through the same loop so
// passes never overlap.
type Scheduler struct {
	mgr      *Manager
	interval time.Duration
	window   time.Duration
	manualCh chan sweepRequest

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(mgr *Manager, interval, window time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	if window <= 0 {
		window = DefaultRenewWindow
	}
	return &Scheduler{
		mgr:      mgr,
		interval: interval,
		window:   window,
		manualCh: make(chan sweepRequest),
	}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	log.Printf("🔄 [RENEW] Scheduler started (interval: %s, window: %s)", s.interval, s.window)
}

// Stop ends the loop and waits for an in-progress sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Printf("🛑 [RENEW] Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case req := <-s.manualCh:
			req.done <- s.Sweep(ctx)
		}
	}
}

// RunNow performs a sweep immediately, through the loop when it is running.
func (s *Scheduler) RunNow(ctx context.Context) (SweepReport, error) {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	if !running {
		return s.Sweep(ctx), nil
	}

	req := sweepRequest{done: make(chan SweepReport, 1)}
	select {
	case s.manualCh <- req:
	case <-ctx.Done():
		return SweepReport{}, ctx.Err()
	}
	select {
	case report := <-req.done:
		return report, nil
	case <-ctx.Done():
		return SweepReport{}, ctx.Err()
	}
}

// Sweep renews every subscription inside the window. Each record is handled
// on its own; one failure does not stop the rest.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	due, err := s.mgr.DueForRenewal(ctx, s.window)
	if err != nil {
		log.Printf("❌ [RENEW] Listing due subscriptions failed: %v", err)
		return report
	}
	report.Due = len(due)

	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		err := s.mgr.Renew(ctx, rec)
		switch {
		case err == nil:
			report.Renewed++
		case errors.Is(err, ErrNotConnected):
			report.Skipped++
			log.Printf("⏭️ [RENEW] Skip %s: no token for user %s", rec.SubscriptionID, rec.UserID)
		case errors.Is(err, graph.ErrSubscriptionGone):
			report.Removed++
		default:
			report.Failed++
			log.Printf("❌ [RENEW] Failed for %s: %v", rec.SubscriptionID, err)
		}
	}

	if report.Due > 0 {
		log.Printf("📋 [RENEW] Sweep done: due=%d renewed=%d removed=%d skipped=%d failed=%d",
			report.Due, report.Renewed, report.Removed, report.Skipped, report.Failed)
	}
	return report
}

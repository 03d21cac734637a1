package session

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
)

// Sweep destroys every detached session whose expiry elapsed at now and
// returns how many were removed. An armed will of a reaped session is
// cancelled or fired according to Options.WillOnExpiry.
func (r *Registry) Sweep(ctx context.Context, now time.Time) int {
	reaped := 0
	for _, s := range r.residents() {
		s.mu.Lock()
		if s.destroyed || s.clean || !s.expiredAt(now) {
			s.mu.Unlock()
			continue
		}

		var fire *Will
		if task := s.willTask; task != nil && task.State == Armed && r.opts.WillOnExpiry == WillExpiryFire {
			task.State = Fired
			s.willTask = nil
			r.wills.cancel(s.clientID, task.Token)
			will := task.Will
			fire = &will
		} else {
			r.cancelWillLocked(ctx, s)
		}

		r.clearLocked(s, now)
		r.removeLocked(s)
		if err := r.store.Delete(ctx, s.clientID); err != nil {
			logger.WarnF("[%s] Unable to delete expired session: %v", s.clientID, err)
		}
		clientID := s.clientID
		s.mu.Unlock()

		logger.InfoF("[%s] Session expired", clientID)
		r.fireNow(ctx, clientID, fire)
		reaped++
	}
	return reaped
}

// retrySweep resends stale inflight entries of all bound sessions.
func (r *Registry) retrySweep(ctx context.Context, now time.Time) int {
	resent := 0
	for _, s := range r.residents() {
		s.mu.Lock()
		if !s.destroyed {
			resent += r.retryLocked(ctx, s, now)
		}
		s.mu.Unlock()
	}
	return resent
}

// Run drives will timers, the expiry reaper and inflight retransmission until
// ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	defer r.wills.stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case event := <-r.wills.events:
				r.guard("will fire", func() { r.handleFire(ctx, event) })
			}
		}
	})
	group.Go(func() error {
		r.tick(ctx, r.opts.ReapInterval, "reaper", func(now time.Time) {
			if n := r.Sweep(ctx, now); n > 0 {
				logger.DebugF("Reaper removed %d sessions", n)
			}
		})
		return nil
	})
	group.Go(func() error {
		r.tick(ctx, r.opts.RetryInterval, "retry", func(now time.Time) {
			if n := r.retrySweep(ctx, now); n > 0 {
				logger.DebugF("Retransmitted %d inflight messages", n)
			}
		})
		return nil
	})
	return group.Wait()
}

func (r *Registry) tick(ctx context.Context, interval time.Duration, name string, fn func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.guard(name, func() { fn(r.now()) })
		}
	}
}

// guard runs fn and logs a panic instead of letting it end the loop.
func (r *Registry) guard(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error(fmt.Sprintf("%s task panicked: %v", name, p), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

package service

import (
	"context"
	"time"

	"github.com/yaoapp/kun/log"

	"github.com/taskdock/taskdock/event"
	"github.com/taskdock/taskdock/sandbox"
	"github.com/taskdock/taskdock/store"
)

// reaperMaxFailures is the number of consecutive scan failures after which
// the reaper disables itself rather than hammer a broken engine.
const reaperMaxFailures = 5

// StartReaper launches the idle reaper loop. It scans running sandboxes on
// the configured interval and stops those idle past their timeout.
func (s *Service) StartReaper() {
	if s.reapCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.reapCancel = cancel
	s.reapDone = make(chan struct{})

	go func() {
		defer close(s.reapDone)
		ticker := time.NewTicker(s.reapInterval)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.reapIdle(ctx); err != nil {
					failures++
					log.Error("service: idle reap failed (%d/%d): %v", failures, reaperMaxFailures, err)
					if failures >= reaperMaxFailures {
						log.Error("service: idle reaper disabled after %d consecutive failures", failures)
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()
}

// StopReaper stops the reaper loop and waits for it to exit.
func (s *Service) StopReaper() {
	if s.reapCancel == nil {
		return
	}
	s.reapCancel()
	<-s.reapDone
	s.reapCancel = nil
	s.reapDone = nil
}

// reapIdle stops every running sandbox whose last activity is older than its
// idle timeout. Per-sandbox stop failures are logged and do not fail the
// scan; only the store listing can.
func (s *Service) reapIdle(ctx context.Context) error {
	records, err := s.sandboxes.ListSandboxesByStatus(ctx, store.SandboxStatusRunning)
	if err != nil {
		return err
	}

	now := s.now()
	for _, record := range records {
		if record.IdleTimeoutMinutes <= 0 {
			continue
		}

		// The in-memory handle has the freshest activity timestamp; fall
		// back to the persisted one when the handle is gone.
		lastActivity := record.LastActivityAt
		if sb, err := s.provider.GetByID(record.ID); err == nil {
			lastActivity = sb.LastActivity()
		}

		idle := now.Sub(lastActivity)
		if idle < time.Duration(record.IdleTimeoutMinutes)*time.Minute {
			continue
		}

		log.Info("service: sandbox %s idle for %s, stopping", record.ID, idle.Round(time.Second))
		s.publish(ctx, record.ProjectID, event.SandboxIdle, map[string]interface{}{
			"sandbox_id":   record.ID,
			"idle_seconds": int(idle.Seconds()),
		})

		if err := s.Stop(ctx, record.ID, "idle_timeout"); err != nil {
			if serr, ok := err.(*sandbox.Error); ok && serr.Code == sandbox.ErrSandboxNotFound.Code {
				// Not registered with the provider; the container is gone,
				// reconcile the record.
				if uerr := s.sandboxes.UpdateSandboxStatus(ctx, record.ID, store.SandboxStatusStopped, "idle_timeout"); uerr != nil {
					log.Warn("service: reconcile stale sandbox record %s: %v", record.ID, uerr)
				}
				continue
			}
			log.Error("service: stop idle sandbox %s: %v", record.ID, err)
		}
	}
	return nil
}

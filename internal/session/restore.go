package session

import (
	"context"

	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
)

// Restore loads every stored session into the registry, registers its
// subscriptions and re-arms persisted wills from their absolute fire time.
// Sessions already expired are deleted instead; their will is published when
// it came due before the session ended, or always under WillExpiryFire. Wills
// of sessions that ended with their connection come back in a clean shell. It
// returns the number of sessions restored.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return 0, storeUnavailable(err, "list sessions")
	}
	taskRecords, err := r.store.ListWillTasks(ctx)
	if err != nil {
		return 0, storeUnavailable(err, "list will tasks")
	}
	tasks := make(map[string]*database.WillTaskRecord, len(taskRecords))
	for _, record := range taskRecords {
		tasks[record.ClientID] = record
	}
	if err := r.restoreRetained(ctx); err != nil {
		return 0, err
	}

	now := r.now()
	restored := 0
	var due []*database.WillTaskRecord
	for _, record := range records {
		inflight, err := r.store.GetInflight(ctx, record.ClientID)
		if err != nil {
			return restored, storeUnavailable(err, "load inflight of %s", record.ClientID)
		}
		s := sessionFromRecord(record, inflight)
		if s.disconnectedAt.IsZero() {
			// the broker went down while the client was connected
			s.disconnectedAt = now
		}
		if s.clean || s.expiredAt(now) {
			if err := r.store.Delete(ctx, s.clientID); err != nil {
				logger.WarnF("[%s] Unable to delete expired session: %v", s.clientID, err)
			}
			if task, ok := tasks[s.clientID]; ok && !s.clean {
				delete(tasks, s.clientID)
				end := s.disconnectedAt.Add(s.expiry)
				if r.opts.WillOnExpiry == WillExpiryFire || !task.FireAt.After(end) {
					due = append(due, task)
				}
			}
			continue
		}

		s.mu.Lock()
		r.mu.Lock()
		if _, exists := r.sessions[s.clientID]; exists {
			r.mu.Unlock()
			s.mu.Unlock()
			continue
		}
		r.sessions[s.clientID] = s
		r.mu.Unlock()
		r.registerSubscriptionsLocked(s)
		if err := r.persistLocked(ctx, s); err != nil {
			logger.WarnF("[%s] %v", s.clientID, err)
		}
		s.mu.Unlock()
		restored++
	}

	// subscribers are resident now, so due wills reach them
	for _, record := range due {
		will := willFromRecord(record)
		logger.InfoF("[%s] Will came due while the broker was down", record.ClientID)
		r.publishWill(ctx, record.ClientID, &will)
	}

	armed := 0
	for _, record := range taskRecords {
		if _, ok := tasks[record.ClientID]; !ok {
			continue
		}
		if r.restoreWillTask(ctx, record) {
			armed++
		}
	}

	logger.InfoF("Restored %d sessions, %d will tasks, %d overdue wills", restored, armed, len(due))
	return restored, nil
}

// restoreWillTask arms record on its session. A task without a resident
// session gets a clean shell that lives until the will fires.
func (r *Registry) restoreWillTask(ctx context.Context, record *database.WillTaskRecord) bool {
	s, shell, err := r.lockOrCreate(ctx, record.ClientID, false)
	if err != nil {
		logger.WarnF("[%s] Unable to restore will task: %v", record.ClientID, err)
		return false
	}
	if s.binding != nil {
		s.mu.Unlock()
		if err := r.store.DeleteWillTask(ctx, record.ClientID); err != nil {
			logger.WarnF("[%s] Unable to delete stale will task: %v", record.ClientID, err)
		}
		return false
	}

	now := r.now()
	task := &WillTask{
		State:  Armed,
		Token:  record.Token,
		FireAt: record.FireAt,
		Will:   willFromRecord(record),
	}
	if task.Token == "" {
		task.Token = newToken()
	}
	if shell {
		s.clean = true
		s.disconnectedAt = now
		// a deleted clean record took the stored task with it
		if err := r.store.PutWillTask(ctx, s.clientID, willTaskRecord(s.clientID, task)); err != nil {
			logger.WarnF("[%s] Unable to persist will task: %v", s.clientID, err)
		}
	}
	s.willTask = task
	r.wills.schedule(s.clientID, task.Token, task.FireAt.Sub(now))
	s.mu.Unlock()
	logger.DebugF("[%s] Will re-armed, fire at %s, shell=%v", record.ClientID, record.FireAt, shell)
	return true
}

func willFromRecord(record *database.WillTaskRecord) Will {
	return Will{
		Message: messageFromRecord(record.Will.Message),
		Delay:   record.Will.Delay,
	}
}

// Package session tracks MQTT sessions by client identifier: their lifecycle
// across connections, the inflight delivery queue and the delayed will.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/life-stream-dev/mqtt-session-core/internal/database"
	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
	"github.com/life-stream-dev/mqtt-session-core/internal/subscription"
)

// TopicMatcher resolves topic names to subscribed sessions.
type TopicMatcher interface {
	Subscribe(clientID string, filter string, qos mqtt.QoS) (bool, error)
	Unsubscribe(clientID string, filter string) bool
	Match(topic string) []subscription.Subscriber
}

// WillExpiryPolicy decides what happens to an armed will when the reaper
// destroys its session first.
type WillExpiryPolicy string

const (
	WillExpiryCancel WillExpiryPolicy = "cancel"
	WillExpiryFire   WillExpiryPolicy = "fire"
)

type Options struct {
	Store   database.Store
	Matcher TopicMatcher

	// MaxInflight bounds every inflight queue; Enqueue beyond it fails with
	// ErrResourceExhausted.
	MaxInflight      int
	RetryInterval    time.Duration
	ReapInterval     time.Duration
	MaxSessionExpiry time.Duration
	WillOnExpiry     WillExpiryPolicy

	// Now replaces time.Now in tests.
	Now func() time.Time
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// binding ID -> client ID of attached bindings
	owners map[string]string

	store    database.Store
	matcher  TopicMatcher
	wills    *willScheduler
	retained *retainedStore
	opts     Options
}

func NewRegistry(opts Options) *Registry {
	if opts.Store == nil {
		opts.Store = database.NewMemoryStore()
	}
	if opts.Matcher == nil {
		opts.Matcher = subscription.NewTree(0, 0)
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 1000
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 20 * time.Second
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Second
	}
	if opts.WillOnExpiry == "" {
		opts.WillOnExpiry = WillExpiryCancel
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		owners:   make(map[string]string),
		store:    opts.Store,
		matcher:  opts.Matcher,
		wills:    newWillScheduler(1024),
		retained: newRetainedStore(opts.Store),
		opts:     opts,
	}
}

func (r *Registry) now() time.Time {
	return r.opts.Now()
}

// ConnectRequest is a CONNECT accepted by the transport. Acknowledge is called
// with the session-present flag under the session lock, before queued messages
// are replayed, so the CONNACK goes out first.
type ConnectRequest struct {
	ClientID      string
	CleanSession  bool
	SessionExpiry time.Duration
	Will          *Will
	Binding       Binding
	Acknowledge   func(sessionPresent bool) error
}

type DisconnectRequest struct {
	ClientID string
	Reason   mqtt.ReasonCode
	// SessionExpiry from the DISCONNECT properties, nil when absent. It can only
	// shorten the expiry.
	SessionExpiry *time.Duration
	// Binding, when set, must still be the attached one.
	Binding Binding
}

// lockResident returns the locked in-memory session of clientID, or nil.
func (r *Registry) lockResident(clientID string) *Session {
	for {
		r.mu.RLock()
		s := r.sessions[clientID]
		r.mu.RUnlock()
		if s == nil {
			return nil
		}
		s.mu.Lock()
		if !s.destroyed {
			return s
		}
		s.mu.Unlock()
	}
}

// lockOrCreate returns the locked session of clientID. A miss is filled from
// the store when load is set, otherwise a new session is inserted and fresh is
// reported.
func (r *Registry) lockOrCreate(ctx context.Context, clientID string, load bool) (s *Session, fresh bool, err error) {
	for {
		if resident := r.lockResident(clientID); resident != nil {
			return resident, false, nil
		}

		created := newSession(clientID, r.now())
		loaded := false
		if load {
			record, err := r.store.Get(ctx, clientID)
			if err != nil {
				return nil, false, storeUnavailable(err, "load session %s", clientID)
			}
			if record != nil {
				inflight, err := r.store.GetInflight(ctx, clientID)
				if err != nil {
					return nil, false, storeUnavailable(err, "load inflight of %s", clientID)
				}
				created = sessionFromRecord(record, inflight)
				loaded = true
				logger.DebugF("[%s] Session loaded from store", clientID)
			}
		}

		created.mu.Lock()
		r.mu.Lock()
		if _, raced := r.sessions[clientID]; raced {
			r.mu.Unlock()
			created.mu.Unlock()
			continue
		}
		r.sessions[clientID] = created
		r.mu.Unlock()

		if loaded {
			r.registerSubscriptionsLocked(created)
		}
		return created, !loaded, nil
	}
}

// removeLocked takes s out of the map. The caller holds s.mu.
func (r *Registry) removeLocked(s *Session) {
	s.destroyed = true
	r.mu.Lock()
	if r.sessions[s.clientID] == s {
		delete(r.sessions, s.clientID)
	}
	r.mu.Unlock()
}

func (r *Registry) setOwner(bindingID, clientID string) {
	r.mu.Lock()
	r.owners[bindingID] = clientID
	r.mu.Unlock()
}

func (r *Registry) dropOwner(bindingID, clientID string) {
	r.mu.Lock()
	if r.owners[bindingID] == clientID {
		delete(r.owners, bindingID)
	}
	r.mu.Unlock()
}

func (r *Registry) clampExpiry(expiry time.Duration) time.Duration {
	if expiry < 0 {
		return 0
	}
	if r.opts.MaxSessionExpiry > 0 && expiry > r.opts.MaxSessionExpiry {
		return r.opts.MaxSessionExpiry
	}
	return expiry
}

// persistLocked writes the session record of a durable session.
func (r *Registry) persistLocked(ctx context.Context, s *Session) error {
	if !s.durable() {
		return nil
	}
	if err := r.store.Put(ctx, s.toRecord()); err != nil {
		return storeUnavailable(err, "save session %s", s.clientID)
	}
	return nil
}

func (r *Registry) persistInflightLocked(ctx context.Context, s *Session) error {
	if !s.durable() {
		return nil
	}
	if err := r.store.PutInflight(ctx, s.clientID, s.inflightRecords()); err != nil {
		return storeUnavailable(err, "save inflight of %s", s.clientID)
	}
	return nil
}

func (r *Registry) registerSubscriptionsLocked(s *Session) {
	for filter, qos := range s.subscriptions {
		if _, err := r.matcher.Subscribe(s.clientID, filter, qos); err != nil {
			logger.WarnF("[%s] Dropping stored subscription %s: %v", s.clientID, filter, err)
			delete(s.subscriptions, filter)
		}
	}
}

// clearLocked drops subscriptions and queued state of s.
func (r *Registry) clearLocked(s *Session, now time.Time) {
	for filter := range s.subscriptions {
		r.matcher.Unsubscribe(s.clientID, filter)
	}
	s.reset(now)
}

// Connect attaches req.Binding to the session of req.ClientID. It returns the
// session and whether prior state was resumed.
func (r *Registry) Connect(ctx context.Context, req ConnectRequest) (*Session, bool, error) {
	if req.ClientID == "" {
		return nil, false, protocolViolation("empty client identifier")
	}
	if req.Binding == nil {
		return nil, false, errors.New("connect without binding")
	}

	s, fresh, err := r.lockOrCreate(ctx, req.ClientID, !req.CleanSession)
	if err != nil {
		return nil, false, err
	}
	now := r.now()

	var previous Binding
	if s.binding != nil {
		previous = s.binding
		r.dropOwner(previous.ID(), s.clientID)
		s.binding = nil
		if s.will != nil {
			logger.DebugF("[%s] Will of the previous connection dropped on takeover", s.clientID)
		}
		s.will = nil
		logger.InfoF("[%s] Session taken over by binding %s", s.clientID, req.Binding.ID())
	}
	r.cancelWillLocked(ctx, s)

	resumable := !fresh && !req.CleanSession && !s.clean && !s.expiredAt(now)
	if !resumable {
		r.clearLocked(s, now)
	}
	if !resumable && (!fresh || req.CleanSession) {
		if err := r.store.Delete(ctx, s.clientID); err != nil {
			logger.WarnF("[%s] Unable to delete previous session state: %v", s.clientID, err)
		}
	}

	s.clean = req.CleanSession
	s.expiry = r.clampExpiry(req.SessionExpiry)
	s.will = req.Will
	s.binding = req.Binding
	s.disconnectedAt = time.Time{}

	if err := r.persistLocked(ctx, s); err != nil {
		s.binding = nil
		s.will = nil
		s.disconnectedAt = now
		if !resumable {
			r.clearLocked(s, now)
			r.removeLocked(s)
		}
		s.mu.Unlock()
		r.closeBinding(previous)
		return nil, false, err
	}
	if err := r.persistInflightLocked(ctx, s); err != nil {
		logger.WarnF("[%s] %v", s.clientID, err)
	}
	r.setOwner(req.Binding.ID(), s.clientID)

	if req.Acknowledge != nil {
		if err := req.Acknowledge(resumable); err != nil {
			fire := r.detachLocked(ctx, s, now, true)
			s.mu.Unlock()
			r.closeBinding(previous)
			r.fireNow(ctx, s.clientID, fire)
			return nil, false, errors.Wrap(err, "acknowledge connect")
		}
	}

	r.replayLocked(ctx, s, now)
	logger.InfoF("[%s] Session attached, clean=%v, present=%v, inflight=%d", s.clientID, s.clean, resumable, len(s.inflight))
	s.mu.Unlock()

	r.closeBinding(previous)
	return s, resumable, nil
}

func (r *Registry) closeBinding(b Binding) {
	if b == nil {
		return
	}
	if err := b.Close(); err != nil {
		logger.DebugF("Closing binding %s: %v", b.ID(), err)
	}
}

// Disconnect handles a DISCONNECT packet.
func (r *Registry) Disconnect(ctx context.Context, req DisconnectRequest) error {
	s := r.lockResident(req.ClientID)
	if s == nil {
		return nil
	}
	if s.binding == nil || (req.Binding != nil && s.binding != req.Binding) {
		s.mu.Unlock()
		return nil
	}

	if req.SessionExpiry != nil && *req.SessionExpiry < s.expiry {
		s.expiry = r.clampExpiry(*req.SessionExpiry)
	}

	now := r.now()
	var fire *Will
	switch req.Reason {
	case mqtt.ReasonSuccess:
		s.will = nil
		fire = r.detachLocked(ctx, s, now, false)
	case mqtt.ReasonDisconnectWithWill:
		fire = s.will
		s.will = nil
		if extra := r.detachLocked(ctx, s, now, false); extra != nil {
			fire = extra
		}
	default:
		fire = r.detachLocked(ctx, s, now, true)
	}
	logger.InfoF("[%s] Client disconnected, reason=0x%02X", s.clientID, byte(req.Reason))
	s.mu.Unlock()

	r.fireNow(ctx, req.ClientID, fire)
	return nil
}

// ConnectionLost handles a keep-alive timeout or transport error of the
// attached binding.
func (r *Registry) ConnectionLost(ctx context.Context, clientID string) {
	s := r.lockResident(clientID)
	if s == nil {
		return
	}
	if s.binding == nil {
		s.mu.Unlock()
		return
	}
	fire := r.detachLocked(ctx, s, r.now(), true)
	logger.InfoF("[%s] Connection lost", clientID)
	s.mu.Unlock()
	r.fireNow(ctx, clientID, fire)
}

// TransportClosed is the transport's notification that binding ended. It is a
// no-op for bindings that were already detached or taken over.
func (r *Registry) TransportClosed(ctx context.Context, binding Binding) {
	r.mu.RLock()
	clientID, ok := r.owners[binding.ID()]
	r.mu.RUnlock()
	if !ok {
		return
	}

	s := r.lockResident(clientID)
	if s == nil {
		return
	}
	if s.binding != binding {
		s.mu.Unlock()
		return
	}
	fire := r.detachLocked(ctx, s, r.now(), true)
	logger.InfoF("[%s] Transport closed", clientID)
	s.mu.Unlock()
	r.fireNow(ctx, clientID, fire)
}

// detachLocked unbinds s. With abrupt set a configured will is armed, or
// returned for immediate publishing when it has no delay. Sessions that do
// not outlive the connection are cleared; they stay in the map only while a
// will is armed.
func (r *Registry) detachLocked(ctx context.Context, s *Session, now time.Time, abrupt bool) *Will {
	if s.binding != nil {
		r.dropOwner(s.binding.ID(), s.clientID)
	}
	s.binding = nil
	s.disconnectedAt = now
	will := s.will
	s.will = nil

	if s.durable() {
		var fire *Will
		if abrupt && will != nil {
			fire = r.armWillLocked(ctx, s, *will, now)
		}
		if err := r.persistLocked(ctx, s); err != nil {
			logger.ErrorF("[%s] %v", s.clientID, err)
		}
		return fire
	}

	wasStored := !s.clean
	r.clearLocked(s, now)
	s.disconnectedAt = now
	s.clean = true
	if wasStored {
		if err := r.store.Delete(ctx, s.clientID); err != nil {
			logger.WarnF("[%s] Unable to delete session state: %v", s.clientID, err)
		}
	}
	// armed after the delete, which also removes stored will tasks
	var fire *Will
	if abrupt && will != nil {
		fire = r.armWillLocked(ctx, s, *will, now)
	}
	if s.willTask == nil || s.willTask.State != Armed {
		r.removeLocked(s)
		logger.DebugF("[%s] Session destroyed on detach", s.clientID)
	}
	return fire
}

// armWillLocked schedules will. A will without delay is returned to be
// published right away.
func (r *Registry) armWillLocked(ctx context.Context, s *Session, will Will, now time.Time) *Will {
	if will.Delay <= 0 {
		return &will
	}
	fireAt := now.Add(will.Delay)
	if r.opts.WillOnExpiry == WillExpiryFire {
		if !s.durable() {
			// the session ends with the connection
			return &will
		}
		if s.expiry != ExpiryNever {
			if end := now.Add(s.expiry); end.Before(fireAt) {
				fireAt = end
			}
		}
	}
	task := &WillTask{State: Armed, Token: newToken(), FireAt: fireAt, Will: will}
	s.willTask = task
	if err := r.store.PutWillTask(ctx, s.clientID, willTaskRecord(s.clientID, task)); err != nil {
		logger.ErrorF("[%s] Unable to persist will task: %v", s.clientID, err)
	}
	r.wills.schedule(s.clientID, task.Token, fireAt.Sub(now))
	logger.DebugF("[%s] Will armed, fire at %s", s.clientID, fireAt.Format(time.RFC3339Nano))
	return nil
}

// cancelWillLocked cancels an armed will of s.
func (r *Registry) cancelWillLocked(ctx context.Context, s *Session) {
	task := s.willTask
	if task == nil {
		return
	}
	s.willTask = nil
	if task.State != Armed {
		return
	}
	task.State = Cancelled
	r.wills.cancel(s.clientID, task.Token)
	if err := r.store.DeleteWillTask(ctx, s.clientID); err != nil {
		logger.WarnF("[%s] Unable to delete will task: %v", s.clientID, err)
	}
	logger.DebugF("[%s] Will cancelled", s.clientID)
}

// handleFire consumes a FireEvent. The will is published only when the token
// still matches an armed task.
func (r *Registry) handleFire(ctx context.Context, event FireEvent) {
	s := r.lockResident(event.ClientID)
	if s == nil {
		return
	}
	task := s.willTask
	if task == nil || task.State != Armed || task.Token != event.Token {
		s.mu.Unlock()
		return
	}
	task.State = Fired
	s.willTask = nil
	if err := r.store.DeleteWillTask(ctx, s.clientID); err != nil {
		logger.WarnF("[%s] Unable to delete will task: %v", s.clientID, err)
	}
	if s.clean && s.binding == nil {
		r.removeLocked(s)
	}
	will := task.Will
	s.mu.Unlock()

	r.publishWill(ctx, event.ClientID, &will)
}

func (r *Registry) fireNow(ctx context.Context, clientID string, will *Will) {
	if will == nil {
		return
	}
	r.publishWill(ctx, clientID, will)
}

func (r *Registry) publishWill(ctx context.Context, clientID string, will *Will) {
	logger.InfoF("[%s] Publishing will to %s", clientID, will.Topic)
	if err := r.Publish(ctx, will.Message); err != nil {
		logger.WarnF("[%s] Will delivery incomplete: %v", clientID, err)
	}
}

// Lookup returns a copy of the in-memory session of clientID.
func (r *Registry) Lookup(clientID string) (Snapshot, bool) {
	s := r.lockResident(clientID)
	if s == nil {
		return Snapshot{}, false
	}
	defer s.mu.Unlock()
	return s.snapshot(), true
}

// Count returns the number of in-memory sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) residents() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	return list
}

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FireEvent is posted when the timer of an armed will elapses.
type FireEvent struct {
	ClientID string
	Token    string
}

type scheduledWill struct {
	token string
	timer *time.Timer
}

// willScheduler owns one timer per armed will. It never touches sessions: an
// elapsed timer only posts a FireEvent that the registry checks against the
// session's current token.
type willScheduler struct {
	mu     sync.Mutex
	timers map[string]scheduledWill
	events chan FireEvent
	done   chan struct{}
	once   sync.Once
}

func newWillScheduler(buffer int) *willScheduler {
	return &willScheduler{
		timers: make(map[string]scheduledWill),
		events: make(chan FireEvent, buffer),
		done:   make(chan struct{}),
	}
}

func newToken() string {
	return uuid.NewString()
}

// schedule replaces any timer of clientID.
func (w *willScheduler) schedule(clientID, token string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.timers[clientID]; ok {
		old.timer.Stop()
	}
	w.timers[clientID] = scheduledWill{
		token: token,
		timer: time.AfterFunc(delay, func() { w.elapsed(clientID, token) }),
	}
}

func (w *willScheduler) elapsed(clientID, token string) {
	w.mu.Lock()
	if current, ok := w.timers[clientID]; ok && current.token == token {
		delete(w.timers, clientID)
	}
	w.mu.Unlock()

	select {
	case w.events <- FireEvent{ClientID: clientID, Token: token}:
	case <-w.done:
	}
}

// cancel stops the timer of clientID when it still belongs to token. An event
// already posted stays in the channel and is ignored by the token check.
func (w *willScheduler) cancel(clientID, token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if current, ok := w.timers[clientID]; ok && current.token == token {
		current.timer.Stop()
		delete(w.timers, clientID)
	}
}

func (w *willScheduler) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

func (w *willScheduler) stop() {
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		defer w.mu.Unlock()
		for clientID, scheduled := range w.timers {
			scheduled.timer.Stop()
			delete(w.timers, clientID)
		}
	})
}

package notifications

import (
	"sort"
	"sync"
	"time"

	"officechat/internal/observability"
)

// PresenceOptions tunes how disconnects turn into offline transitions.
type PresenceOptions struct {
	// Legacy marks a user offline on any disconnect, even with other tabs open.
	Legacy bool
	// OfflineGrace delays the offline transition so a fast reconnect does not flap.
	OfflineGrace time.Duration
	// OnOffline is called for offline transitions that fire after the grace period.
	OnOffline func(userID uint)
}

// Presence is the process-local set of online users. A user is online while
// at least one of their connections is registered, or while an offline grace
// timer is pending.
type Presence struct {
	mu      sync.Mutex
	conns   map[uint]int
	pending map[uint]*offlineTimer

	legacy    bool
	grace     time.Duration
	onOffline func(userID uint)
	turn      sync.Locker
	stopped   bool
}

type offlineTimer struct {
	timer *time.Timer
}

// NewPresence creates an empty tracker.
func NewPresence(opts PresenceOptions) *Presence {
	return &Presence{
		conns:     make(map[uint]int),
		pending:   make(map[uint]*offlineTimer),
		legacy:    opts.Legacy,
		grace:     opts.OfflineGrace,
		onOffline: opts.OnOffline,
	}
}

// SetOfflineHandler replaces the callback used for delayed offline transitions.
func (p *Presence) SetOfflineHandler(fn func(userID uint)) {
	p.mu.Lock()
	p.onOffline = fn
	p.mu.Unlock()
}

// SetTransitionLock makes grace expiries hold l across the transition and the
// OnOffline callback. Callers hold the same lock around Connect and
// Disconnect and their announcements.
func (p *Presence) SetTransitionLock(l sync.Locker) {
	p.mu.Lock()
	p.turn = l
	p.mu.Unlock()
}

// Connect records a new connection for userID and reports whether the user
// should be announced online.
func (p *Presence) Connect(userID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.updateGauge()

	if t, ok := p.pending[userID]; ok {
		// Reconnected inside the grace window: never announced offline.
		t.timer.Stop()
		delete(p.pending, userID)
		p.conns[userID]++
		return p.legacy
	}

	p.conns[userID]++
	if p.legacy {
		return true
	}
	return p.conns[userID] == 1
}

// Disconnect drops one connection for userID and reports whether the user
// should be announced offline now. With a grace period the announcement is
// deferred to the OnOffline callback instead.
func (p *Presence) Disconnect(userID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.updateGauge()

	n, ok := p.conns[userID]
	if !ok {
		return false
	}

	if p.legacy {
		delete(p.conns, userID)
		return true
	}

	if n > 1 {
		p.conns[userID] = n - 1
		return false
	}

	if p.grace <= 0 || p.stopped {
		delete(p.conns, userID)
		return true
	}

	p.conns[userID] = 0
	pending := &offlineTimer{}
	pending.timer = time.AfterFunc(p.grace, func() { p.expire(userID, pending) })
	p.pending[userID] = pending
	return false
}

func (p *Presence) expire(userID uint, pending *offlineTimer) {
	p.mu.Lock()
	turn := p.turn
	p.mu.Unlock()
	if turn != nil {
		turn.Lock()
		defer turn.Unlock()
	}

	p.mu.Lock()
	if p.pending[userID] != pending || p.conns[userID] > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.pending, userID)
	delete(p.conns, userID)
	cb := p.onOffline
	p.updateGauge()
	p.mu.Unlock()

	if cb != nil {
		cb(userID)
	}
}

// IsOnline reports whether userID is currently in the online set.
func (p *Presence) IsOnline(userID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[userID]
	return ok
}

// Snapshot returns the online user ids in ascending order.
func (p *Presence) Snapshot() []uint {
	p.mu.Lock()
	ids := make([]uint, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stop cancels pending grace timers and clears the set. Users waiting on a
// timer are dropped without an offline callback.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, t := range p.pending {
		t.timer.Stop()
		delete(p.pending, userID)
	}
	p.conns = make(map[uint]int)
	p.stopped = true
	p.updateGauge()
}

// updateGauge must be called with p.mu held.
func (p *Presence) updateGauge() {
	observability.OnlineUsers.Set(float64(len(p.conns)))
}

// Package presence tracks which users have a live connection and keeps their
// durable last-active timestamp fresh while they do.
//
// A user has at most one current connection. Registering a second device
// supersedes the first without closing it, and only the current connection
// can take the user offline.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/anjiri1684/amora_chat/metrics"
	"github.com/anjiri1684/amora_chat/store"
	"github.com/anjiri1684/amora_chat/websocket"
	"go.uber.org/zap"
)

var (
	ErrTooManyUsers = errors.New("too many users in one status request")
	ErrClosed       = errors.New("presence registry closed")
)

// Store is the part of the user store presence needs.
type Store interface {
	TouchLastActive(ctx context.Context, userID string, at time.Time) error
	GetLastActive(ctx context.Context, userID string) (*time.Time, error)
}

// Broadcaster delivers presence events to every connection but one.
type Broadcaster interface {
	Broadcast(exceptConnID, event string, data any)
}

type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxBatch          int
}

type UserEvent struct {
	UserID string `json:"userId"`
}

type OfflineEvent struct {
	UserID     string    `json:"userId"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type Status struct {
	UserID     string     `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

type entry struct {
	connID string
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the heartbeat and waits until it can no longer write.
func (e *entry) stop() {
	e.cancel()
	<-e.done
}

type Registry struct {
	mu     sync.Mutex
	users  map[string]*entry  // user -> current connection
	conns  map[string]string  // connection -> user
	closed bool

	store  Store
	notify Broadcaster
	opts   Options
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewRegistry(s Store, notify Broadcaster, opts Options, log *zap.SugaredLogger) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 50 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 5 * time.Second
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 400
	}
	return &Registry{
		users:  make(map[string]*entry),
		conns:  make(map[string]string),
		store:  s,
		notify: notify,
		opts:   opts,
		log:    log,
		now:    time.Now,
	}
}

// Register makes connID the current connection of userID and announces the
// user online to every other connection.
func (r *Registry) Register(userID, connID string) error {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{connID: connID, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return ErrClosed
	}
	prev := r.users[userID]
	r.users[userID] = e
	r.conns[connID] = userID
	metrics.OnlineUsers.Set(float64(len(r.users)))
	// Emitting under the lock keeps online/offline events in state order.
	r.notify.Broadcast(connID, websocket.EventUserOnline, UserEvent{UserID: userID})
	r.mu.Unlock()

	// The superseded heartbeat is fully stopped before the new one writes.
	if prev != nil {
		prev.stop()
		r.log.Debugw("presence superseded", "user", userID, "old_conn", prev.connID, "conn", connID)
	}
	go r.heartbeat(ctx, userID, e)
	return nil
}

// Unregister releases connID. When a newer connection has superseded it the
// user stays online and nothing is emitted.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	userID, ok := r.conns[connID]
	delete(r.conns, connID)
	if !ok {
		r.mu.Unlock()
		return
	}
	e := r.users[userID]
	if e == nil || e.connID != connID {
		r.mu.Unlock()
		return
	}
	delete(r.users, userID)
	metrics.OnlineUsers.Set(float64(len(r.users)))
	r.mu.Unlock()

	e.stop()
	at := r.persist(userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, back := r.users[userID]; back {
		// Reconnected while the final write was in flight.
		return
	}
	r.notify.Broadcast(connID, websocket.EventUserOffline, OfflineEvent{UserID: userID, LastSeenAt: at})
}

func (r *Registry) persist(userID string) time.Time {
	at := r.now()
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.HeartbeatTimeout)
	defer cancel()
	if err := r.store.TouchLastActive(ctx, userID, at); err != nil {
		r.log.Warnw("persist last active", "user", userID, "error", err)
	}
	return at
}

func (r *Registry) heartbeat(ctx context.Context, userID string, e *entry) {
	defer close(e.done)

	r.touch(ctx, userID, e)
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.touch(ctx, userID, e)
		}
	}
}

func (r *Registry) touch(ctx context.Context, userID string, e *entry) {
	r.mu.Lock()
	current := r.users[userID] == e
	r.mu.Unlock()
	if !current {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, r.opts.HeartbeatTimeout)
	defer cancel()
	if err := r.store.TouchLastActive(wctx, userID, r.now()); err != nil && ctx.Err() == nil {
		r.log.Warnw("heartbeat", "user", userID, "conn", e.connID, "error", err)
	}
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[userID]
	return ok
}

// UserFor returns the user a live connection was registered for.
func (r *Registry) UserFor(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.conns[connID]
	return userID, ok
}

func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Registry) Status(ctx context.Context, userID string) Status {
	st := Status{UserID: userID, Online: r.IsOnline(userID)}
	if !st.Online {
		st.LastSeenAt = r.lastSeen(ctx, userID)
	}
	return st
}

// StatusMany answers for at most MaxBatch users, in request order.
func (r *Registry) StatusMany(ctx context.Context, userIDs []string) ([]Status, error) {
	if len(userIDs) > r.opts.MaxBatch {
		return nil, ErrTooManyUsers
	}

	out := make([]Status, len(userIDs))
	r.mu.Lock()
	for i, id := range userIDs {
		_, online := r.users[id]
		out[i] = Status{UserID: id, Online: online}
	}
	r.mu.Unlock()

	for i := range out {
		if !out[i].Online {
			out[i].LastSeenAt = r.lastSeen(ctx, out[i].UserID)
		}
	}
	return out, nil
}

func (r *Registry) lastSeen(ctx context.Context, userID string) *time.Time {
	at, err := r.store.GetLastActive(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Warnw("last active lookup", "user", userID, "error", err)
		}
		return nil
	}
	return at
}

// Close stops every heartbeat and records a final last-active timestamp.
// No offline events are sent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	users := r.users
	r.users = make(map[string]*entry)
	r.conns = make(map[string]string)
	metrics.OnlineUsers.Set(0)
	r.mu.Unlock()

	for userID, e := range users {
		e.stop()
		r.persist(userID)
	}
}

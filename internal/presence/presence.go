// Package presence tracks which users currently have a live signaling
// connection, and holds the send handle used to push messages to them.
package presence

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrChannelClosed = errors.New("channel closed")

// Channel is the server-side handle to one connected client. TrySend must not
// block: implementations enqueue or fail fast so a slow client cannot stall
// delivery to others.
type Channel interface {
	TrySend(payload []byte) error
	Close()
}

type entry struct {
	ch    Channel
	since time.Time
}

// Entry is one online user as reported by Snapshot.
type Entry struct {
	UserID string
	Since  time.Time
}

// Registry maps user IDs to their signaling channel and registration time.
// A user has at most one channel: registering again supersedes the old
// connection.
type Registry struct {
	now func() time.Time

	mu     sync.Mutex
	online map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{
		now:    time.Now,
		online: make(map[string]entry),
	}
}

// Register binds userID to ch and returns the previous channel when the user
// was already connected. The caller is responsible for closing it. A
// supersede counts as a fresh registration and resets since.
func (r *Registry) Register(userID string, ch Channel) (prev Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.online[userID].ch
	r.online[userID] = entry{ch: ch, since: r.now()}
	return prev
}

func (r *Registry) Lookup(userID string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.online[userID]
	return e.ch, ok
}

// Since reports when the user's current channel registered.
func (r *Registry) Since(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.online[userID]
	return e.since, ok
}

// Unregister removes the binding only when it still points at ch, so an
// unregister racing a supersede cannot evict the newer connection.
func (r *Registry) Unregister(userID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.online[userID]
	if !ok || cur.ch != ch {
		return false
	}
	delete(r.online, userID)
	return true
}

func (r *Registry) Online(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[userID]
	return ok
}

// OnlineUsers returns the connected user IDs in sorted order.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.online))
	for userID := range r.online {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the online users with their registration times, sorted by
// user ID.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.online))
	for userID, e := range r.online {
		out = append(out, Entry{UserID: userID, Since: e.since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online)
}

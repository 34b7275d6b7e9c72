// Package registry tracks which users are reachable and over which channels.
package registry

import (
	"sync"

	"github.com/samber/lo"

	"medchat/pkg/interfaces"
	"medchat/pkg/types"
)

// Registry maps a user to the set of live channels for that user, one per
// device or tab. A user key is present only while its set is non-empty.
//
// A single mutex covers every operation. Nothing under the lock performs I/O;
// senders work on a Snapshot copy.
type Registry struct {
	mu    sync.Mutex
	users map[types.UserID]map[interfaces.Channel]struct{}
}

// Stats summarises the registry for health reporting.
type Stats struct {
	Users    int `json:"users"`
	Channels int `json:"channels"`
}

func New() *Registry {
	return &Registry{
		users: make(map[types.UserID]map[interfaces.Channel]struct{}),
	}
}

// Connect registers ch under user. Registering the same channel twice is a
// no-op.
func (r *Registry) Connect(user types.UserID, ch interfaces.Channel) {
	if ch == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[user]
	if !ok {
		set = make(map[interfaces.Channel]struct{})
		r.users[user] = set
	}
	set[ch] = struct{}{}
}

// Disconnect removes ch from user's set and reports whether it was present.
// Removing an unknown channel is a no-op so teardown paths can race freely.
func (r *Registry) Disconnect(user types.UserID, ch interfaces.Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[user]
	if !ok {
		return false
	}
	if _, ok := set[ch]; !ok {
		return false
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(r.users, user)
	}
	return true
}

// Snapshot returns a point-in-time copy of user's channels. The result is
// never shared with the registry and may be empty.
func (r *Registry) Snapshot(user types.UserID) []interfaces.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.Keys(r.users[user])
}

// ActiveUsers lists every user with at least one live channel.
func (r *Registry) ActiveUsers() []types.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.Keys(r.users)
}

func (r *Registry) ConnectionCount(user types.UserID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.users[user])
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Users: len(r.users)}
	for _, set := range r.users {
		stats.Channels += len(set)
	}
	return stats
}

// CloseAll empties the registry and closes every channel outside the lock.
// Used at shutdown to unblock sessions waiting on Receive. It returns the
// number of channels closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	var all []interfaces.Channel
	for _, set := range r.users {
		all = append(all, lo.Keys(set)...)
	}
	r.users = make(map[types.UserID]map[interfaces.Channel]struct{})
	r.mu.Unlock()

	for _, ch := range all {
		_ = ch.Close()
	}
	return len(all)
}

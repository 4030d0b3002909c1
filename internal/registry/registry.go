// Package registry implements the List Registry (spec.md §4.E): an
// in-memory, concurrency-safe index of every moderation list's membership,
// kept in sync with the remote network through internal/atproto.
//
// Each list has its own mutex: reads (Present) and mutations of one list take
// only that list's lock, so reconciling list A never blocks reconciling list
// B. The concurrent map itself is github.com/puzpuzpuz/xsync/v3's MapOf,
// promoted here from an indirect dependency (pulled in transitively by the
// teacher's Nostr library) to a direct one.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/klppl/modbot/internal/atproto"
)

// Member is one entry of a list's membership, carrying the record URI
// needed to delete it later.
type Member struct {
	DID string
	URI string
}

// listState holds one list's descriptor, membership, and exceptions. Its
// own mutex serializes add/remove for that one list; Members is read
// through it too so a reader never observes a half-applied mutation.
type listState struct {
	mu         sync.Mutex
	uri        string
	name       string
	members    map[string]string // DID -> record URI
	exceptions map[string]struct{}
}

// Registry indexes every list by key (spec.md §3 "List descriptor key").
type Registry struct {
	client *atproto.Client
	lists  *xsync.MapOf[string, *listState]
}

// New returns an empty Registry bound to client for remote mutation calls.
func New(client *atproto.Client) *Registry {
	return &Registry{
		client: client,
		lists:  xsync.NewMapOf[string, *listState](),
	}
}

// Register records a list's descriptor (URI, name, exceptions) under key,
// replacing any remote membership passed in initialMembers. Called once per
// list during bootstrap (spec.md §4.J).
func (r *Registry) Register(key, uri, name string, exceptions map[string]struct{}, initialMembers []Member) {
	ls := &listState{
		uri:        uri,
		name:       name,
		members:    make(map[string]string, len(initialMembers)),
		exceptions: exceptions,
	}
	if ls.exceptions == nil {
		ls.exceptions = map[string]struct{}{}
	}
	for _, m := range initialMembers {
		ls.members[m.DID] = m.URI
	}
	r.lists.Store(key, ls)
}

// URI returns the at:// URI of the list registered under key.
func (r *Registry) URI(key string) (string, bool) {
	ls, ok := r.lists.Load(key)
	if !ok {
		return "", false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.uri, true
}

// Present reports whether did is currently a member of the list key. It
// holds only that list's mutex for a single map lookup; cheap enough to call
// per classified profile.
func (r *Registry) Present(key, did string) bool {
	ls, ok := r.lists.Load(key)
	if !ok {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, present := ls.members[did]
	return present
}

// Excepted reports whether did is on key's exception list — exceptions
// dominate (spec.md §4.H "exception dominance"): a DID on the exception
// list is never added, and is removed if already present.
func (r *Registry) Excepted(key, did string) bool {
	ls, ok := r.lists.Load(key)
	if !ok {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, excepted := ls.exceptions[did]
	return excepted
}

// Add adds did to the list key, both remotely and in the local index. A
// no-op if did is already a member (idempotent) or is on the exception
// list. Returns whether a remote mutation was actually made.
func (r *Registry) Add(ctx context.Context, key, did string) (bool, error) {
	ls, ok := r.lists.Load(key)
	if !ok {
		return false, fmt.Errorf("registry: unknown list %q", key)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, excepted := ls.exceptions[did]; excepted {
		return false, nil
	}
	if _, present := ls.members[did]; present {
		return false, nil
	}

	uri, err := r.client.CreateMember(ctx, ls.uri, did)
	if err != nil {
		return false, fmt.Errorf("registry: add %s to %s: %w", did, key, err)
	}
	ls.members[did] = uri
	return true, nil
}

// Remove removes did from the list key, both remotely and locally. A no-op
// if did is not currently a member.
func (r *Registry) Remove(ctx context.Context, key, did string) (bool, error) {
	ls, ok := r.lists.Load(key)
	if !ok {
		return false, fmt.Errorf("registry: unknown list %q", key)
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	uri, present := ls.members[did]
	if !present {
		return false, nil
	}

	if err := r.client.DeleteMember(ctx, atproto.RKeyFromURI(uri)); err != nil {
		return false, fmt.Errorf("registry: remove %s from %s: %w", did, key, err)
	}
	delete(ls.members, did)
	return true, nil
}

// RemoveFromAll removes did from every registered list it currently
// belongs to, used when a resolver finds an account has gone terminal
// (spec.md §4.G). Each list is locked independently, never all at once, so
// one slow remote call cannot stall reconciliation of unrelated lists.
func (r *Registry) RemoveFromAll(ctx context.Context, did string) []error {
	var errs []error
	r.lists.Range(func(key string, ls *listState) bool {
		ls.mu.Lock()
		_, present := ls.members[did]
		ls.mu.Unlock()
		if !present {
			return true
		}
		if _, err := r.Remove(ctx, key, did); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errs
}

// Keys returns every registered list key, in no particular order.
func (r *Registry) Keys() []string {
	var keys []string
	r.lists.Range(func(key string, _ *listState) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// MemberCount returns the number of entries currently tracked for key, used
// by health telemetry.
func (r *Registry) MemberCount(key string) int {
	ls, ok := r.lists.Load(key)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.members)
}

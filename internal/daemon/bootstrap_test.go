package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/modbot/internal/atproto"
	"github.com/klppl/modbot/internal/cache"
	"github.com/klppl/modbot/internal/queue"
	"github.com/klppl/modbot/internal/registry"
	"github.com/klppl/modbot/internal/rules"
)

func newBootstrapTestClient(t *testing.T, existing []atproto.ListView) *atproto.Client {
	t.Helper()
	var mu sync.Mutex
	var created int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "createSession"):
			json.NewEncoder(w).Encode(atproto.Session{DID: "did:plc:owner", AccessJwt: "tok1"})
		case strings.Contains(r.URL.Path, "getLists"):
			json.NewEncoder(w).Encode(atproto.GetListsResponse{Lists: existing})
		case strings.Contains(r.URL.Path, "getList"):
			json.NewEncoder(w).Encode(atproto.GetListResponse{Items: nil})
		case strings.Contains(r.URL.Path, "createRecord"):
			mu.Lock()
			created++
			n := created
			mu.Unlock()
			json.NewEncoder(w).Encode(atproto.CreateRecordResponse{URI: fmt.Sprintf("at://did:plc:owner/app.bsky.graph.list/new%d", n)})
		}
	}))
	t.Cleanup(srv.Close)

	client := atproto.NewClient(srv.URL, "owner.test", "app-password")
	client.PublicAPIHost = srv.URL
	require.NoError(t, client.Authenticate(context.Background()))
	return client
}

func TestBootstrap_CreatesAndRegistersEveryList(t *testing.T) {
	client := newBootstrapTestClient(t, nil)
	reg := registry.New(client)
	rs := &rules.RuleSet{
		DefaultDomainSuffix: "bsky.social",
		FollowCountLists: []rules.CompiledThresholdList{
			{ThresholdList: rules.ThresholdList{Key: "big", Name: "Big Follows", Threshold: 1000}, Exceptions: map[string]struct{}{}},
		},
		FollowerCountLists: []rules.CompiledThresholdList{
			{ThresholdList: rules.ThresholdList{Key: "popular", Name: "Popular", Threshold: 5000}, Exceptions: map[string]struct{}{}},
		},
	}
	schedule := queue.New[string]()

	err := Bootstrap(context.Background(), client, reg, rs, schedule, nil, false)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"big", "popular"}, reg.Keys())
	_, ok := reg.URI("big")
	assert.True(t, ok)
}

func TestBootstrap_ReusesExistingRemoteListByName(t *testing.T) {
	existing := []atproto.ListView{{URI: "at://did:plc:owner/app.bsky.graph.list/existing", Name: "Big Follows"}}
	client := newBootstrapTestClient(t, existing)
	reg := registry.New(client)
	rs := &rules.RuleSet{
		FollowCountLists: []rules.CompiledThresholdList{
			{ThresholdList: rules.ThresholdList{Key: "big", Name: "Big Follows", Threshold: 1000}, Exceptions: map[string]struct{}{}},
		},
	}
	schedule := queue.New[string]()

	require.NoError(t, Bootstrap(context.Background(), client, reg, rs, schedule, nil, false))

	uri, ok := reg.URI("big")
	require.True(t, ok)
	assert.Equal(t, "at://did:plc:owner/app.bsky.graph.list/existing", uri)
}

func TestBootstrap_RescanCacheSeedsScheduleFromCachedDIDs(t *testing.T) {
	client := newBootstrapTestClient(t, nil)
	reg := registry.New(client)
	rs := &rules.RuleSet{}
	schedule := queue.New[string]()

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	now := time.Now()
	require.NoError(t, store.Put(cache.Profile{DID: "did:plc:cached1", CachedAt: now}, now))
	require.NoError(t, store.Put(cache.Profile{DID: "did:plc:cached2", CachedAt: now}, now))

	require.NoError(t, Bootstrap(context.Background(), client, reg, rs, schedule, store, true))

	seen := map[string]bool{}
	for {
		did, ok := schedule.TryPop()
		if !ok {
			break
		}
		seen[did] = true
	}
	assert.True(t, seen["did:plc:cached1"])
	assert.True(t, seen["did:plc:cached2"])
}

func TestBootstrap_NoRescanLeavesScheduleEmptyWhenNoMembers(t *testing.T) {
	client := newBootstrapTestClient(t, nil)
	reg := registry.New(client)
	rs := &rules.RuleSet{}
	schedule := queue.New[string]()

	require.NoError(t, Bootstrap(context.Background(), client, reg, rs, schedule, nil, false))
	assert.Equal(t, 0, schedule.Len())
}

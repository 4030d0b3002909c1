package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/modbot/internal/atproto"
)

func newTestRegistry(t *testing.T) (*Registry, *atproto.Client) {
	t.Helper()
	var created, deleted int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "createSession"):
			json.NewEncoder(w).Encode(atproto.Session{DID: "did:plc:owner", AccessJwt: "tok1"})
		case strings.Contains(r.URL.Path, "createRecord"):
			created++
			json.NewEncoder(w).Encode(atproto.CreateRecordResponse{URI: fmt.Sprintf("at://did:plc:owner/app.bsky.graph.listitem/rkey%d", created)})
		case strings.Contains(r.URL.Path, "deleteRecord"):
			deleted++
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)

	client := atproto.NewClient(srv.URL, "owner.test", "app-password")
	client.PublicAPIHost = srv.URL
	require.NoError(t, client.Authenticate(context.Background()))

	return New(client), client
}

func TestAdd_IsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register("spam", "at://did:plc:owner/app.bsky.graph.list/spam", "Spam", nil, nil)

	added, err := reg.Add(context.Background(), "spam", "did:plc:target")
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, reg.Present("spam", "did:plc:target"))

	added, err = reg.Add(context.Background(), "spam", "did:plc:target")
	require.NoError(t, err)
	assert.False(t, added, "second Add of the same DID must be a no-op")
}

func TestAdd_ExceptionDominance(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register("spam", "at://did:plc:owner/app.bsky.graph.list/spam", "Spam",
		map[string]struct{}{"did:plc:exempt": {}}, nil)

	added, err := reg.Add(context.Background(), "spam", "did:plc:exempt")
	require.NoError(t, err)
	assert.False(t, added)
	assert.False(t, reg.Present("spam", "did:plc:exempt"))
}

func TestRemove_NoOpIfNotPresent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register("spam", "at://did:plc:owner/app.bsky.graph.list/spam", "Spam", nil, nil)

	removed, err := reg.Remove(context.Background(), "spam", "did:plc:nobody")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestAddThenRemove(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register("spam", "at://did:plc:owner/app.bsky.graph.list/spam", "Spam", nil, nil)

	_, err := reg.Add(context.Background(), "spam", "did:plc:target")
	require.NoError(t, err)
	assert.True(t, reg.Present("spam", "did:plc:target"))

	removed, err := reg.Remove(context.Background(), "spam", "did:plc:target")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, reg.Present("spam", "did:plc:target"))
}

func TestAdd_OnlyAffectsTargetList(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register("a", "at://did:plc:owner/app.bsky.graph.list/a", "A", nil, nil)
	reg.Register("b", "at://did:plc:owner/app.bsky.graph.list/b", "B", nil, nil)

	_, err := reg.Add(context.Background(), "a", "did:plc:target")
	require.NoError(t, err)

	assert.True(t, reg.Present("a", "did:plc:target"))
	assert.False(t, reg.Present("b", "did:plc:target"))
}

func TestRemoveFromAll(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register("a", "at://did:plc:owner/app.bsky.graph.list/a", "A", nil, nil)
	reg.Register("b", "at://did:plc:owner/app.bsky.graph.list/b", "B", nil, nil)

	_, err := reg.Add(context.Background(), "a", "did:plc:target")
	require.NoError(t, err)
	_, err = reg.Add(context.Background(), "b", "did:plc:target")
	require.NoError(t, err)

	errs := reg.RemoveFromAll(context.Background(), "did:plc:target")
	assert.Empty(t, errs)
	assert.False(t, reg.Present("a", "did:plc:target"))
	assert.False(t, reg.Present("b", "did:plc:target"))
}

func TestURI_UnknownListReturnsFalse(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, ok := reg.URI("nonexistent")
	assert.False(t, ok)
}

func TestMemberCount(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register("spam", "at://did:plc:owner/app.bsky.graph.list/spam", "Spam", nil,
		[]Member{{DID: "did:plc:a", URI: "at://did:plc:owner/app.bsky.graph.listitem/1"}})

	assert.Equal(t, 1, reg.MemberCount("spam"))
}

func TestKeys(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.Register("a", "at://did:plc:owner/app.bsky.graph.list/a", "A", nil, nil)
	reg.Register("b", "at://did:plc:owner/app.bsky.graph.list/b", "B", nil, nil)

	assert.ElementsMatch(t, []string{"a", "b"}, reg.Keys())
}

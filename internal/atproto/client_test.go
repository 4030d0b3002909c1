package atproto

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "alice.test", "app-password")
	c.PublicAPIHost = srv.URL
	return srv, c
}

func TestAuthenticate_SetsSession(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.server.createSession", r.URL.Path)
		json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", Handle: "alice.test", AccessJwt: "tok1", RefreshJwt: "refresh1"})
	})

	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, "did:plc:alice", c.DID())
}

func TestGetProfile_TerminalAccountMapsToErrTerminalAccount(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "createSession") {
			json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", AccessJwt: "tok1"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "InvalidRequest", "message": "Profile not found"})
	})
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.GetProfile(context.Background(), "did:plc:ghost")
	assert.ErrorIs(t, err, ErrTerminalAccount)
}

func TestGetProfiles_BatchLimitExceeded(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the server")
	})

	dids := make([]string, maxProfilesPerBatch+1)
	for i := range dids {
		dids[i] = "did:plc:x"
	}
	_, err := c.GetProfiles(context.Background(), dids)
	assert.Error(t, err)
}

func TestGetProfiles_ReturnsMapKeyedByDID(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "createSession") {
			json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", AccessJwt: "tok1"})
			return
		}
		json.NewEncoder(w).Encode(GetProfilesResponse{Profiles: []Profile{
			{DID: "did:plc:a", Handle: "a.test"},
			{DID: "did:plc:b", Handle: "b.test"},
		}})
	})
	require.NoError(t, c.Authenticate(context.Background()))

	out, err := c.GetProfiles(context.Background(), []string{"did:plc:a", "did:plc:b", "did:plc:missing"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Contains(t, out, "did:plc:a")
	assert.NotContains(t, out, "did:plc:missing")
}

func TestDoRequest_401MapsToErrAuthExpired(t *testing.T) {
	calls := 0
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "createSession") {
			calls++
			json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", AccessJwt: "tok1"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.ListMyLists(context.Background())
	assert.Error(t, err)
	// authedGet retries once after re-authenticating on a 401.
	assert.Equal(t, 2, calls)
}

func TestDoRequest_429MapsToRateLimitError(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "createSession") {
			json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", AccessJwt: "tok1"})
			return
		}
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.ListMyLists(context.Background())
	assert.Error(t, err)
	var rl *RateLimitError
	assert.ErrorAs(t, err, &rl)
}

func TestCreateMemberAndDeleteMember(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "createSession"):
			json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", AccessJwt: "tok1"})
		case strings.Contains(r.URL.Path, "createRecord"):
			json.NewEncoder(w).Encode(CreateRecordResponse{URI: "at://did:plc:alice/app.bsky.graph.listitem/abc123"})
		case strings.Contains(r.URL.Path, "deleteRecord"):
			w.WriteHeader(http.StatusOK)
		}
	})
	require.NoError(t, c.Authenticate(context.Background()))

	uri, err := c.CreateMember(context.Background(), "at://did:plc:alice/app.bsky.graph.list/xyz", "did:plc:target")
	require.NoError(t, err)
	assert.Equal(t, "at://did:plc:alice/app.bsky.graph.listitem/abc123", uri)

	require.NoError(t, c.DeleteMember(context.Background(), RKeyFromURI(uri)))
}

func TestDeleteList(t *testing.T) {
	var gotCollection string
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "createSession") {
			json.NewEncoder(w).Encode(Session{DID: "did:plc:alice", AccessJwt: "tok1"})
			return
		}
		var req DeleteRecordRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotCollection = req.Collection
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, c.Authenticate(context.Background()))

	require.NoError(t, c.DeleteList(context.Background(), "rkey123"))
	assert.Equal(t, CollectionList, gotCollection)
}

func TestRKeyFromURI(t *testing.T) {
	assert.Equal(t, "abc123", RKeyFromURI("at://did:plc:alice/app.bsky.graph.listitem/abc123"))
	assert.Equal(t, "", RKeyFromURI(""))
}

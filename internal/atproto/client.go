package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPDSURL        = "https://bsky.social"
	defaultPublicAPIHost = "https://public.api.bsky.app"

	rateLimitWarnThreshold = 10
	rateLimitRetryMax      = 5 * time.Minute

	// maxProfilesPerBatch mirrors app.bsky.actor.getProfiles' documented
	// limit of 25 actors per call (spec.md §4.G "Resolver batches in
	// groups of at most 25").
	maxProfilesPerBatch = 25

	userAgent = "modbot/1.0 (+https://github.com/klppl/modbot)"
)

// Client is an XRPC HTTP client for the Bluesky PDS and public AppView. It
// re-authenticates automatically on 401 and backs off on 429, in the same
// shape as the authenticated-poller client it is grounded on.
type Client struct {
	PDSURL        string
	PublicAPIHost string
	Identifier    string
	AppPassword   string

	mu                 sync.Mutex
	session            *Session
	http               *http.Client
	rateLimitRemaining int
	rateLimitReset     time.Time

	// limiter throttles outgoing requests client-side, ahead of the PDS's
	// own 429 responses. Self-imposed pacing means a burst of reconciler
	// workers backs off smoothly instead of tripping the server's limiter
	// and paying its (coarser) Retry-After penalty.
	limiter *rate.Limiter

	// reauth serializes re-authentication so concurrent resolver/reconciler
	// goroutines that each hit a 401 don't independently call createSession,
	// each new session invalidating the last (thundering herd on the token
	// endpoint).
	reauth sync.Mutex
}

// defaultRateLimit approximates a safe fraction of the PDS's documented
// per-account request budget (3000 requests / 5 min ≈ 10/s); leaving
// headroom below that ceiling keeps a busy reconciler pool from ever
// seeing a 429 in practice.
const defaultRateLimit = rate.Limit(8)
const defaultRateBurst = 16

// NewClient creates an authenticated XRPC client bound to a specific PDS.
func NewClient(pdsURL, identifier, appPassword string) *Client {
	if pdsURL == "" {
		pdsURL = defaultPDSURL
	}
	return &Client{
		PDSURL:        pdsURL,
		PublicAPIHost: defaultPublicAPIHost,
		Identifier:    identifier,
		AppPassword:   appPassword,
		http:          &http.Client{Timeout: 15 * time.Second},
		limiter:       rate.NewLimiter(defaultRateLimit, defaultRateBurst),
	}
}

// NewAnonymousClient creates a client for unauthenticated public-AppView
// reads only (app.bsky.actor.getProfile(s) tolerate anonymous callers).
// It has no identifier or password, so a write method sent through it goes
// out without an Authorization header and the re-authentication that
// follows a 401 fails; the write returns that re-authentication error.
func NewAnonymousClient(publicAPIHost string) *Client {
	if publicAPIHost == "" {
		publicAPIHost = defaultPublicAPIHost
	}
	return &Client{
		PDSURL:        publicAPIHost,
		PublicAPIHost: publicAPIHost,
		http:          &http.Client{Timeout: 15 * time.Second},
		limiter:       rate.NewLimiter(defaultRateLimit, defaultRateBurst),
	}
}

// Authenticate creates a new session via com.atproto.server.createSession.
func (c *Client) Authenticate(ctx context.Context) error {
	input := CreateSessionInput{Identifier: c.Identifier, Password: c.AppPassword}
	var session Session
	if err := c.xrpcPost(ctx, c.PDSURL, "com.atproto.server.createSession", input, &session); err != nil {
		return fmt.Errorf("atproto authenticate: %w", err)
	}
	c.mu.Lock()
	c.session = &session
	c.mu.Unlock()
	slog.Info("atproto authenticated", "did", session.DID, "handle", session.Handle)
	return nil
}

func (c *Client) singleAuthenticate(ctx context.Context, staleToken string) error {
	c.reauth.Lock()
	defer c.reauth.Unlock()

	c.mu.Lock()
	var current string
	if c.session != nil {
		current = c.session.AccessJwt
	}
	c.mu.Unlock()

	if staleToken != "" && current != staleToken {
		return nil
	}
	slog.Warn("atproto token expired, re-authenticating")
	return c.Authenticate(ctx)
}

// DID returns the authenticated user's DID, or "" if unauthenticated.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.DID
}

// GetProfile fetches a single profile via app.bsky.actor.getProfile.
// actor may be a DID or a handle.
func (c *Client) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	params := url.Values{}
	params.Set("actor", actor)
	var resp Profile
	if err := c.authedGet(ctx, c.PublicAPIHost, "app.bsky.actor.getProfile", params, &resp); err != nil {
		if isProfileNotFound(err) {
			return nil, fmt.Errorf("atproto getProfile %s: %w", actor, ErrTerminalAccount)
		}
		return nil, fmt.Errorf("atproto getProfile %s: %w", actor, err)
	}
	return &resp, nil
}

// GetProfiles fetches up to maxProfilesPerBatch profiles via
// app.bsky.actor.getProfiles in one call. The returned map is keyed by DID;
// a DID present in dids but absent from the response map indicates a
// terminal (deleted/suspended) account — the AppView simply omits it
// instead of erroring, so the caller (internal/pipeline resolver) must
// diff the input against the output to detect this.
func (c *Client) GetProfiles(ctx context.Context, dids []string) (map[string]Profile, error) {
	if len(dids) == 0 {
		return map[string]Profile{}, nil
	}
	if len(dids) > maxProfilesPerBatch {
		return nil, fmt.Errorf("atproto getProfiles: batch of %d exceeds max %d", len(dids), maxProfilesPerBatch)
	}

	params := url.Values{}
	for _, d := range dids {
		params.Add("actors", d)
	}
	var resp GetProfilesResponse
	if err := c.authedGet(ctx, c.PublicAPIHost, "app.bsky.actor.getProfiles", params, &resp); err != nil {
		return nil, fmt.Errorf("atproto getProfiles: %w", err)
	}

	out := make(map[string]Profile, len(resp.Profiles))
	for _, p := range resp.Profiles {
		out[p.DID] = p
	}
	return out, nil
}

// CreateList creates a new moderation list via com.atproto.repo.createRecord
// and returns its at:// URI.
func (c *Client) CreateList(ctx context.Context, name, description string) (string, error) {
	record := ListRecord{
		Type:        CollectionList,
		Purpose:     PurposeModList,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	req := CreateRecordRequest{
		Repo:       c.DID(),
		Collection: CollectionList,
		Record:     record,
	}
	var resp CreateRecordResponse
	if err := c.authedPost(ctx, c.PDSURL, "com.atproto.repo.createRecord", req, &resp); err != nil {
		return "", fmt.Errorf("atproto createList %q: %w", name, err)
	}
	return resp.URI, nil
}

// ListMyLists enumerates every moderation list owned by the authenticated
// account via app.bsky.graph.getLists, following cursors to exhaustion.
func (c *Client) ListMyLists(ctx context.Context) ([]ListView, error) {
	var all []ListView
	cursor := ""
	for {
		params := url.Values{}
		params.Set("actor", c.DID())
		params.Set("limit", "100")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp GetListsResponse
		if err := c.authedGet(ctx, c.PDSURL, "app.bsky.graph.getLists", params, &resp); err != nil {
			return nil, fmt.Errorf("atproto getLists: %w", err)
		}
		all = append(all, resp.Lists...)
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}
	return all, nil
}

// ListMembers enumerates every member of a list via app.bsky.graph.getList,
// following cursors to exhaustion (spec.md §4.E "Registry bootstrap loads
// existing membership").
func (c *Client) ListMembers(ctx context.Context, listURI string) ([]ListItemView, error) {
	var all []ListItemView
	cursor := ""
	for {
		params := url.Values{}
		params.Set("list", listURI)
		params.Set("limit", "100")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp GetListResponse
		if err := c.authedGet(ctx, c.PDSURL, "app.bsky.graph.getList", params, &resp); err != nil {
			return nil, fmt.Errorf("atproto getList %s: %w", listURI, err)
		}
		all = append(all, resp.Items...)
		if resp.Cursor == "" {
			break
		}
		cursor = resp.Cursor
	}
	return all, nil
}

// CreateMember adds subjectDID to listURI via a listitem record and returns
// the created record's at:// URI (needed later for DeleteMember).
func (c *Client) CreateMember(ctx context.Context, listURI, subjectDID string) (string, error) {
	record := ListItemRecord{
		Type:      CollectionListItem,
		Subject:   subjectDID,
		List:      listURI,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	req := CreateRecordRequest{
		Repo:       c.DID(),
		Collection: CollectionListItem,
		Record:     record,
	}
	var resp CreateRecordResponse
	if err := c.authedPost(ctx, c.PDSURL, "com.atproto.repo.createRecord", req, &resp); err != nil {
		return "", fmt.Errorf("atproto createMember %s -> %s: %w", subjectDID, listURI, err)
	}
	return resp.URI, nil
}

// DeleteList deletes a moderation list record itself, given its rkey.
// Callers are responsible for removing every member first (delete-list
// CLI subcommand, spec.md §6); the PDS does not cascade.
func (c *Client) DeleteList(ctx context.Context, rkey string) error {
	req := DeleteRecordRequest{
		Repo:       c.DID(),
		Collection: CollectionList,
		RKey:       rkey,
	}
	if err := c.authedPost(ctx, c.PDSURL, "com.atproto.repo.deleteRecord", req, nil); err != nil {
		return fmt.Errorf("atproto deleteList %s: %w", rkey, err)
	}
	return nil
}

// DeleteMember removes a listitem record given its rkey.
func (c *Client) DeleteMember(ctx context.Context, rkey string) error {
	req := DeleteRecordRequest{
		Repo:       c.DID(),
		Collection: CollectionListItem,
		RKey:       rkey,
	}
	if err := c.authedPost(ctx, c.PDSURL, "com.atproto.repo.deleteRecord", req, nil); err != nil {
		return fmt.Errorf("atproto deleteMember %s: %w", rkey, err)
	}
	return nil
}

// RKeyFromURI extracts the final path segment of an at:// URI, which is the
// record's rkey (e.g. at://did:plc:xxx/app.bsky.graph.listitem/<rkey>).
func RKeyFromURI(uri string) string {
	parts := strings.Split(uri, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func isProfileNotFound(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Status == 400 && (strings.Contains(ce.Body, "Profile not found") ||
			strings.Contains(ce.Body, "could not be found") ||
			strings.Contains(ce.Body, "Account has been suspended") ||
			strings.Contains(ce.Body, "deactivated"))
	}
	return false
}

// ─── Transport plumbing ────────────────────────────────────────────────────

func (c *Client) authedPost(ctx context.Context, host, method string, body, out interface{}) error {
	staleToken := c.currentToken()

	err := c.xrpcPostWithAuth(ctx, host, method, body, out)
	if IsAuthExpired(err) {
		if authErr := c.singleAuthenticate(ctx, staleToken); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.xrpcPostWithAuth(ctx, host, method, body, out)
	}
	if rl, ok := asRateLimit(err); ok {
		wait := rl.After
		if wait > rateLimitRetryMax {
			wait = rateLimitRetryMax
		}
		slog.Warn("atproto rate limited on POST, backing off", "method", method, "retry_after", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = c.xrpcPostWithAuth(ctx, host, method, body, out)
	}
	return err
}

func (c *Client) authedGet(ctx context.Context, host, method string, params url.Values, out interface{}) error {
	staleToken := c.currentToken()

	err := c.xrpcGetWithAuth(ctx, host, method, params, out)
	if IsAuthExpired(err) {
		if authErr := c.singleAuthenticate(ctx, staleToken); authErr != nil {
			return fmt.Errorf("re-authenticate: %w", authErr)
		}
		err = c.xrpcGetWithAuth(ctx, host, method, params, out)
	}
	if rl, ok := asRateLimit(err); ok {
		wait := rl.After
		if wait > rateLimitRetryMax {
			wait = rateLimitRetryMax
		}
		slog.Warn("atproto rate limited on GET, backing off", "method", method, "retry_after", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		err = c.xrpcGetWithAuth(ctx, host, method, params, out)
	}
	return err
}

func (c *Client) xrpcPost(ctx context.Context, host, method string, body, out interface{}) error {
	return c.doPost(ctx, host, method, body, out, "")
}

func (c *Client) xrpcPostWithAuth(ctx context.Context, host, method string, body, out interface{}) error {
	return c.doPost(ctx, host, method, body, out, c.authHeader())
}

func (c *Client) xrpcGetWithAuth(ctx context.Context, host, method string, params url.Values, out interface{}) error {
	rawURL := host + "/xrpc/" + method
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if auth := c.authHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return c.doRequest(req, out)
}

func (c *Client) doPost(ctx context.Context, host, method string, body, out interface{}, authHeader string) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	rawURL := host + "/xrpc/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return c.doRequest(req, out)
}

func (c *Client) updateRateLimit(resp *http.Response) {
	s := resp.Header.Get("RateLimit-Remaining")
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	var reset time.Time
	if rs := resp.Header.Get("RateLimit-Reset"); rs != "" {
		if ts, err := strconv.ParseInt(rs, 10, 64); err == nil {
			reset = time.Unix(ts, 0)
		}
	}
	c.mu.Lock()
	c.rateLimitRemaining = n
	c.rateLimitReset = reset
	c.mu.Unlock()
	if n <= rateLimitWarnThreshold {
		slog.Warn("atproto rate limit headroom low", "remaining", n, "reset_in", time.Until(reset).Round(time.Second))
	}
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.updateRateLimit(resp)

	switch {
	case resp.StatusCode == 401:
		return ErrAuthExpired
	case resp.StatusCode == 400 && strings.Contains(string(respBody), "ExpiredToken"):
		return ErrAuthExpired
	case resp.StatusCode == 429:
		return &RateLimitError{After: parseRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return &ServerError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	case resp.StatusCode >= 400:
		return &ClientError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) authHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return "Bearer " + c.session.AccessJwt
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessJwt
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if s := resp.Header.Get("RateLimit-Reset"); s != "" {
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			if d := time.Until(time.Unix(ts, 0)); d > 0 {
				return d
			}
		}
	}
	return 30 * time.Second
}

func asRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

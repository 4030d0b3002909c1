// Package cache implements the profile cache (spec.md §4.C): a durable
// store of the most recently observed Profile for each DID, with a
// freshness window that lets the pipeline skip a remote fetch when a
// cached row is recent enough.
//
// It supports both SQLite (default, zero external dependencies at runtime)
// and PostgreSQL, detected from the connection string, in the same shape as
// the dual-driver store it is grounded on.
package cache

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Profile is the cached snapshot of a remote profile (spec.md §3 "Profile").
type Profile struct {
	DID            string
	Handle         string
	DisplayName    string
	Description    string
	HasDescription bool
	FollowsCount   int
	FollowersCount int
	CachedAt       time.Time
}

// Store wraps a database connection holding the profile cache table. An
// in-memory map mirrors hot rows so a warm cache serves most freshness
// checks without a round trip, the same hot-cache pattern the teacher's
// object store uses for ap_id/nostr_id lookups.
type Store struct {
	db     *sql.DB
	driver string

	mu  sync.RWMutex
	hot map[string]Profile
}

// Open opens the cache database. dbURL may be a bare file path (SQLite), a
// sqlite:// URL, or a postgres:// URL.
func Open(dbURL string) (*Store, error) {
	driver, dsn := detectDriver(dbURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("cache: ping db: %w", err)
	}

	if driver == "sqlite" {
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("cache: sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("cache sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &Store{db: db, driver: driver, hot: make(map[string]Profile)}, nil
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		did             TEXT NOT NULL PRIMARY KEY,
		handle          TEXT NOT NULL,
		display_name    TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		has_description INTEGER NOT NULL DEFAULT 0,
		follows_count   INTEGER NOT NULL DEFAULT 0,
		followers_count INTEGER NOT NULL DEFAULT 0,
		cached_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS profiles_cached_at ON profiles(cached_at)`,
}

// Migrate runs all pending migrations. Idempotent; safe to call on every
// startup.
func (s *Store) Migrate() error {
	slog.Info("cache: running migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("cache: migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("cache: migrations complete")
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Get returns the cached profile for did, if present, checking the hot map
// first.
func (s *Store) Get(did string) (Profile, bool) {
	s.mu.RLock()
	if p, ok := s.hot[did]; ok {
		s.mu.RUnlock()
		return p, true
	}
	s.mu.RUnlock()

	q := fmt.Sprintf(`SELECT did, handle, display_name, description, has_description,
		follows_count, followers_count, cached_at FROM profiles WHERE did = %s`, s.ph(1))
	row := s.db.QueryRow(q, did)

	var p Profile
	var hasDesc int
	var cachedAt string
	if err := row.Scan(&p.DID, &p.Handle, &p.DisplayName, &p.Description, &hasDesc,
		&p.FollowsCount, &p.FollowersCount, &cachedAt); err != nil {
		return Profile{}, false
	}
	p.HasDescription = hasDesc != 0
	p.CachedAt, _ = time.Parse(time.RFC3339Nano, cachedAt)

	s.mu.Lock()
	s.hot[did] = p
	s.mu.Unlock()
	return p, true
}

// Fresh reports whether the cached profile for did exists and was cached
// within life of now (spec.md §4.C "fresh? = cachedAt + cache_life ≥ now").
func (s *Store) Fresh(did string, life time.Duration, now time.Time) bool {
	p, ok := s.Get(did)
	if !ok {
		return false
	}
	return p.CachedAt.Add(life).After(now) || p.CachedAt.Add(life).Equal(now)
}

// Put upserts a profile snapshot, stamping CachedAt to now if the caller
// left it zero. A profile with an empty DID is refused — the nil-write
// guard invariant (spec.md §8): a malformed fetch result must never
// silently evict a good cache row. The original guarded against a literal
// "null" DID value in an untyped JSON store; here DID is a typed, non-null
// string column, so the equivalent failure mode is an empty string.
func (s *Store) Put(p Profile, now time.Time) error {
	if p.DID == "" {
		return fmt.Errorf("cache: refusing to store profile with empty DID")
	}
	if p.CachedAt.IsZero() {
		p.CachedAt = now
	}

	hasDesc := 0
	if p.HasDescription {
		hasDesc = 1
	}

	var q string
	if s.driver == "postgres" {
		q = `INSERT INTO profiles (did, handle, display_name, description, has_description,
				follows_count, followers_count, cached_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (did) DO UPDATE SET
				handle = EXCLUDED.handle,
				display_name = EXCLUDED.display_name,
				description = EXCLUDED.description,
				has_description = EXCLUDED.has_description,
				follows_count = EXCLUDED.follows_count,
				followers_count = EXCLUDED.followers_count,
				cached_at = EXCLUDED.cached_at`
	} else {
		q = `INSERT INTO profiles (did, handle, display_name, description, has_description,
				follows_count, followers_count, cached_at)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT (did) DO UPDATE SET
				handle = excluded.handle,
				display_name = excluded.display_name,
				description = excluded.description,
				has_description = excluded.has_description,
				follows_count = excluded.follows_count,
				followers_count = excluded.followers_count,
				cached_at = excluded.cached_at`
	}

	_, err := s.db.Exec(q, p.DID, p.Handle, p.DisplayName, p.Description, hasDesc,
		p.FollowsCount, p.FollowersCount, p.CachedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", p.DID, err)
	}

	s.mu.Lock()
	s.hot[p.DID] = p
	s.mu.Unlock()
	return nil
}

// Delete removes a profile from the cache (used when a resolver detects a
// terminal account, spec.md §4.G).
func (s *Store) Delete(did string) error {
	q := fmt.Sprintf(`DELETE FROM profiles WHERE did = %s`, s.ph(1))
	if _, err := s.db.Exec(q, did); err != nil {
		return fmt.Errorf("cache: delete %s: %w", did, err)
	}
	s.mu.Lock()
	delete(s.hot, did)
	s.mu.Unlock()
	return nil
}

// ScanDIDs returns every DID currently stored in the cache (spec.md §4.A
// "scan() → lazy sequence of DIDs; finite; restartable"). Materialized as a
// slice rather than a true lazy sequence — the cache sizes this daemon
// targets (hundreds of thousands of rows) fit comfortably in memory for the
// one-shot bootstrap rescan that calls this.
func (s *Store) ScanDIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT did FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("cache: scan: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("cache: scan row: %w", err)
		}
		dids = append(dids, did)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan iterate: %w", err)
	}
	return dids, nil
}

// Count returns the number of rows currently in the cache, used by the
// supervisor's telemetry to set the cache-rows gauge.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	return n, nil
}

// CompactOlderThan deletes every cached row whose CachedAt is before
// cutoff, returning the number of rows removed (spec.md §4.I compaction).
func (s *Store) CompactOlderThan(cutoff time.Time) (int, error) {
	q := fmt.Sprintf(`DELETE FROM profiles WHERE cached_at < %s`, s.ph(1))
	res, err := s.db.Exec(q, cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("cache: compact: %w", err)
	}
	n, _ := res.RowsAffected()

	s.mu.Lock()
	for did, p := range s.hot {
		if p.CachedAt.Before(cutoff) {
			delete(s.hot, did)
		}
	}
	s.mu.Unlock()
	return int(n), nil
}

// bootstrapEntry is the on-disk shape of a gzipped JSON seed file (spec.md
// §6 "cache bootstrap").
type bootstrapEntry struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	DisplayName    string `json:"displayName"`
	Description    string `json:"description"`
	FollowsCount   int    `json:"followsCount"`
	FollowersCount int    `json:"followersCount"`
}

// LoadBootstrap seeds the cache from a gzip-compressed JSON array of
// profiles, stamping every row with now as its CachedAt. Used on first run
// against a large account graph to avoid a cold-start stampede of profile
// fetches (spec.md §6).
func (s *Store) LoadBootstrap(path string, now time.Time) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("cache: open bootstrap %q: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("cache: gunzip bootstrap %q: %w", path, err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return 0, fmt.Errorf("cache: read bootstrap %q: %w", path, err)
	}

	var entries []bootstrapEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("cache: parse bootstrap %q: %w", path, err)
	}

	loaded := 0
	for _, e := range entries {
		if e.DID == "" {
			continue
		}
		p := Profile{
			DID:            e.DID,
			Handle:         e.Handle,
			DisplayName:    e.DisplayName,
			Description:    e.Description,
			HasDescription: e.Description != "",
			FollowsCount:   e.FollowsCount,
			FollowersCount: e.FollowersCount,
		}
		if err := s.Put(p, now); err != nil {
			return loaded, fmt.Errorf("cache: bootstrap put %s: %w", e.DID, err)
		}
		loaded++
	}
	slog.Info("cache bootstrap loaded", "count", loaded, "path", path)
	return loaded, nil
}

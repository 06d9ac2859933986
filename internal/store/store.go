// Package store implements the Context/Memory Store (spec C12, §4.10): a
// namespaced key/value layer with TTL, hierarchical keys, and wildcard
// search, generalizing the teacher's db.DB (SQLite + StagingManager) from
// typed features/tasks tables into the generic memory_entries table this
// spec calls for.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	embedsql "github.com/orchflow/orchflow/embed/sql"
	"github.com/orchflow/orchflow/internal/breaker"
	"github.com/orchflow/orchflow/internal/orcherr"
)

const breakerName = "memory_store"

// Entry is one stored value returned from Search, carrying the timestamp it
// was written at (§4.10 Search returns [{key, value, timestamp}]).
type Entry struct {
	Key       string
	Value     json.RawMessage
	Timestamp time.Time
}

type cacheEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Store is the Context/Memory Store (C12). Reads and writes go through a
// circuit breaker (C5) around the underlying SQLite connection; on a tripped
// breaker or any other StoreError, an in-memory LRU cache continues to serve
// already-seen keys so the rest of the runtime is unaffected (§7:
// "StoreError is non-fatal: in-memory caches continue to serve").
type Store struct {
	log      zerolog.Logger
	db       *sql.DB
	breakers *breaker.Registry

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
}

// Open opens (creating if needed) a SQLite-backed store at path, using the
// same WAL-mode + single-writer-connection setup as the teacher's db.Open.
func Open(log zerolog.Logger, path string, breakers *breaker.Registry, cacheSize int) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, orcherr.Wrap(orcherr.StoreError, err, "create store directory %q", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.StoreError, err, "open store at %q", path)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, orcherr.Wrap(orcherr.StoreError, err, "enable WAL mode")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(embedsql.Schema); err != nil {
		db.Close()
		return nil, orcherr.Wrap(orcherr.StoreError, err, "apply memory store schema")
	}

	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, _ := lru.New[string, cacheEntry](cacheSize)

	return &Store{log: log, db: db, breakers: breakers, cache: cache}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store writes key=value with the given TTL (§4.10 store(key, value, ttl)).
// Values are marshaled to JSON per §6.4 ("Values are UTF-8 JSON").
func (s *Store) Store(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return orcherr.Wrap(orcherr.Validation, err, "marshal value for key %q", key)
	}

	now := time.Now()
	expiresAt := now.Add(ttl)

	s.mu.Lock()
	s.cache.Add(key, cacheEntry{value: raw, expiresAt: expiresAt})
	s.mu.Unlock()

	err = s.breakers.Do(ctx, breakerName, orcherr.StoreError, func(ctx context.Context) error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO memory_entries (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at, expires_at = excluded.expires_at`,
			key, string(raw), now.Unix(), expiresAt.Unix())
		return execErr
	})
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("memory store write failed, served from cache only")
	}
	return nil
}

// Retrieve returns the value at key, or ok=false if absent or expired
// (§4.10 retrieve(key); §6.4 "expired keys are never returned").
func (s *Store) Retrieve(ctx context.Context, key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	if ce, ok := s.cache.Get(key); ok {
		s.mu.Unlock()
		if time.Now().After(ce.expiresAt) {
			return nil, false, nil
		}
		return ce.value, true, nil
	}
	s.mu.Unlock()

	var raw string
	var expiresAt int64
	err := s.breakers.Do(ctx, breakerName, orcherr.StoreError, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM memory_entries WHERE key = ?`, key)
		return row.Scan(&raw, &expiresAt)
	})
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, orcherr.Wrap(orcherr.StoreError, err, "retrieve key %q", key)
	}
	if time.Now().After(time.Unix(expiresAt, 0)) {
		return nil, false, nil
	}
	value := json.RawMessage(raw)
	s.mu.Lock()
	s.cache.Add(key, cacheEntry{value: value, expiresAt: time.Unix(expiresAt, 0)})
	s.mu.Unlock()
	return value, true, nil
}

// Delete removes key, idempotently (§5: "memory store operations are
// idempotent at the key level").
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()

	return s.breakers.Do(ctx, breakerName, orcherr.StoreError, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = ?`, key)
		return err
	})
}

// Search returns up to limit live (non-expired) entries whose key matches
// pattern, where pattern uses '*' as a wildcard (§4.10 search(pattern, limit)).
func (s *Store) Search(ctx context.Context, pattern string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	sqlPattern := globToSQLLike(pattern)
	now := time.Now().Unix()

	var out []Entry
	err := s.breakers.Do(ctx, breakerName, orcherr.StoreError, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT key, value, created_at FROM memory_entries WHERE key LIKE ? ESCAPE '\' AND expires_at > ? ORDER BY created_at DESC LIMIT ?`,
			sqlPattern, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = make([]Entry, 0)
		for rows.Next() {
			var key, value string
			var createdAt int64
			if err := rows.Scan(&key, &value, &createdAt); err != nil {
				return err
			}
			out = append(out, Entry{Key: key, Value: json.RawMessage(value), Timestamp: time.Unix(createdAt, 0)})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, orcherr.Wrap(orcherr.StoreError, err, "search pattern %q", pattern)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// globToSQLLike converts a '*'-wildcard pattern into a SQL LIKE pattern,
// escaping LIKE metacharacters already present in the key convention (§4.10
// keys use '/' and alphanumerics, never '%' or '_').
func globToSQLLike(pattern string) string {
	escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(pattern)
	return strings.ReplaceAll(escaped, "*", "%")
}

// PruneExpired deletes every entry past its TTL, a periodic housekeeping
// pass the runtime can schedule; the store does not prune lazily to keep
// Retrieve's happy path a single read.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	var affected int64
	err := s.breakers.Do(ctx, breakerName, orcherr.StoreError, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE expires_at <= ?`, time.Now().Unix())
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, orcherr.Wrap(orcherr.StoreError, err, "prune expired entries")
	}
	return affected, nil
}

func init() {
	// Guard against a typo'd schema reference at package init rather than
	// at first Open call, the same "fail fast, fail loud" instinct the
	// teacher's db.Migrate applies to its embedded schema.
	if embedsql.Schema == "" {
		panic(fmt.Sprintf("store: empty embedded schema"))
	}
}

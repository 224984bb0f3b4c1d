// Package cache implements the response cache gate: a tag- and
// precondition-aware cache for expensive collection and detail responses.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harborpoint/storefront-api/pkg/logger"
)

// Entry is one cached response body with its invalidation tags.
type Entry struct {
	Key          string
	Body         []byte
	Tags         []string
	LastModified time.Time
	Expiry       time.Time
}

// Store is the cache backing-store contract. Implementations must tolerate
// concurrent readers and writers with last-writer-wins semantics.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, entry *Entry, lifetime time.Duration) error
	// InvalidateTag drops every entry carrying the tag. Only the external
	// data-mutation path calls this; the gate never auto-invalidates.
	InvalidateTag(ctx context.Context, tag string) error
	Flush(ctx context.Context) error
}

// Stats counts gate outcomes.
type Stats struct {
	Hits        uint64
	Misses      uint64
	NotModified uint64
}

// Result is a gate lookup outcome.
type Result struct {
	// Body is the cached response body; empty when NotModified is set.
	Body []byte
	// MaxAge is the remaining entry lifetime for the Cache-Control hint.
	MaxAge time.Duration
	// NotModified signals that the request's preconditions were satisfied
	// and a 304 short-circuit should be returned instead of the body.
	NotModified bool
	// ETag and LastModified validate conditional requests on the client.
	ETag         string
	LastModified time.Time
}

// Gate decides whether a request can be answered from cache and persists
// fresh responses. Failures of the backing store are absorbed: lookups
// degrade to a miss and stores to a no-op.
type Gate struct {
	store Store
	log   *logger.Logger

	// dev disables the gate entirely, mirroring development environments.
	dev bool
	// refreshChance forces a sampled fraction of lookups to miss so entries
	// repopulate in a staggered fashion. Zero disables sampling.
	refreshChance float64
	rngMu         sync.Mutex
	rng           *rand.Rand

	hits        atomic.Uint64
	misses      atomic.Uint64
	notModified atomic.Uint64
}

// Options tune gate behavior.
type Options struct {
	Dev           bool
	RefreshChance float64
	// Seed fixes the sampling source; zero uses the clock.
	Seed int64
}

// NewGate creates a gate over the given store.
func NewGate(store Store, opts Options, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.NewDefault("cache")
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Gate{
		store:         store,
		log:           log,
		dev:           opts.Dev,
		refreshChance: opts.RefreshChance,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// Key derives the deterministic cache key for a request: an md5 digest of
// the normalized path plus its sorted query-parameter pairs, so parameter
// order never splits the cache.
func Key(r *http.Request) string {
	path := strings.TrimRight(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}

	query := r.URL.Query()
	// control flags are not part of the response identity
	query.Del("skipCache")
	query.Del("flushCache")

	pairs := make([]string, 0, len(query))
	for name, values := range query {
		for _, v := range values {
			pairs = append(pairs, name+"="+v)
		}
	}
	sort.Strings(pairs)

	sum := md5.Sum([]byte(path + "?" + strings.Join(pairs, "&")))
	return "restapi:" + hex.EncodeToString(sum[:])
}

// Lookup consults the cache for the request. The second return is false on
// a miss (including every bypass condition and store failure).
func (g *Gate) Lookup(r *http.Request) (*Result, bool) {
	ctx := r.Context()

	if r.URL.Query().Has("flushCache") {
		if err := g.store.Flush(ctx); err != nil {
			g.log.WithError(err).Warn("cache flush failed")
		}
	}

	if g.dev || r.URL.Query().Has("skipCache") {
		g.misses.Add(1)
		return nil, false
	}

	if g.refreshChance > 0 && g.sampleRefresh() {
		g.misses.Add(1)
		return nil, false
	}

	entry, err := g.store.Get(ctx, Key(r))
	if err != nil {
		g.log.WithError(err).Warn("cache lookup degraded to miss")
		g.misses.Add(1)
		return nil, false
	}
	if entry == nil {
		g.misses.Add(1)
		return nil, false
	}

	res := &Result{
		Body:         entry.Body,
		MaxAge:       time.Until(entry.Expiry),
		ETag:         entryETag(entry),
		LastModified: entry.LastModified,
	}
	if res.MaxAge < 0 {
		res.MaxAge = 0
	}

	if !entry.LastModified.IsZero() && preconditionsSatisfied(r, entry) {
		g.notModified.Add(1)
		res.NotModified = true
		res.Body = nil
		return res, true
	}

	g.hits.Add(1)
	return res, true
}

// Store persists a response body. First writer wins: an existing live entry
// is left untouched. A zero lifetime, or a development environment,
// disables storing entirely.
func (g *Gate) Store(r *http.Request, body []byte, tags []string, lifetime time.Duration) {
	if g.dev || lifetime <= 0 {
		return
	}
	ctx := r.Context()
	key := Key(r)

	exists, err := g.store.Exists(ctx, key)
	if err != nil {
		g.log.WithError(err).Warn("cache store skipped")
		return
	}
	if exists {
		return
	}

	now := time.Now().UTC()
	entry := &Entry{
		Key:          key,
		Body:         body,
		Tags:         normalizeTags(tags),
		LastModified: now,
		Expiry:       now.Add(lifetime),
	}
	if err := g.store.Put(ctx, entry, lifetime); err != nil {
		g.log.WithError(err).Warn("cache store skipped")
	}
}

// Stats returns a snapshot of gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Hits:        g.hits.Load(),
		Misses:      g.misses.Load(),
		NotModified: g.notModified.Load(),
	}
}

func (g *Gate) sampleRefresh() bool {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.Float64() < g.refreshChance
}

func entryETag(e *Entry) string {
	return `"` + e.Key + "-" + e.LastModified.UTC().Format("20060102150405") + `"`
}

func preconditionsSatisfied(r *http.Request, entry *Entry) bool {
	if match := r.Header.Get("If-None-Match"); match != "" {
		for _, candidate := range strings.Split(match, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || candidate == entryETag(entry) {
				return true
			}
		}
		return false
	}

	if since := r.Header.Get("If-Modified-Since"); since != "" {
		t, err := http.ParseTime(since)
		if err != nil {
			return false
		}
		return !entry.LastModified.Truncate(time.Second).After(t)
	}

	return false
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.ToUpper(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// Package dnscache provides the entry-edge client DNS cache: a
// process-wide address-string -> resolved-IPv4 map fed by RELAY_RESOLVED
// cells and consulted before circuit/exit selection.
//
// This cache is populated only from the client (entry-edge) code path.
// It is never written to by the exit-edge orchestrator, preserving the
// behavior the original implementation calls out explicitly: a node
// that is simultaneously an OR and an OP must not let addresses it
// resolves on behalf of *other people's* circuits (as an exit) leak
// into the cache it consults for *its own* client requests, which would
// let a malicious circuit poison the node's own browsing. See
// spec.md §9 and DESIGN.md for the open question this preserves rather
// than resolves.
package dnscache

import (
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"time"
)

// MaxEntryAge is how long a resolved (or failed) entry is trusted before
// it is treated as absent again.
const MaxEntryAge = time.Hour

type entry struct {
	addr     uint32 // host-order IPv4; 0 means "known failure"
	expires  time.Time
	failures int
}

// Cache is the client-side DNS cache, keyed by lowercased address.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxAge  time.Duration
	now     func() time.Time
}

// New creates an empty cache using the default entry lifetime.
func New() *Cache {
	return NewWithMaxAge(MaxEntryAge)
}

// NewWithMaxAge creates an empty cache with a custom entry lifetime,
// useful for tests that want to exercise expiry without sleeping.
func NewWithMaxAge(maxAge time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// literalIPv4 returns the host-order uint32 for addr if it parses as a
// dotted-quad IPv4 literal, and true. Otherwise it returns (0, false).
func literalIPv4(addr string) (uint32, bool) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

// Lookup returns the cached IPv4 address for addr in host order, or 0 if
// there is no fresh entry. IPv4 literals bypass the map entirely and are
// parsed and returned directly, per spec.
func (c *Cache) Lookup(addr string) uint32 {
	if v, ok := literalIPv4(addr); ok {
		return v
	}

	key := strings.ToLower(addr)

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok || ent.addr == 0 {
		return 0
	}
	if c.now().After(ent.expires) {
		delete(c.entries, key)
		return 0
	}
	return ent.addr
}

// Set records a successful resolution, resetting the entry's expiry and
// failure count. IPv4 literals are ignored since they never need
// caching.
func (c *Cache) Set(addr string, resolved uint32) {
	if _, ok := literalIPv4(addr); ok {
		return
	}

	key := strings.ToLower(addr)

	c.mu.Lock()
	defer c.mu.Unlock()

	ent := c.entries[key]
	if ent == nil {
		ent = &entry{}
		c.entries[key] = ent
	}
	ent.addr = resolved
	ent.expires = c.now().Add(c.maxAge)
	ent.failures = 0
}

// IncrFailures records a failed resolution attempt for addr and returns
// the updated failure count. The entry is created (with addr == 0) if
// absent, so repeated failures are remembered even without a successful
// resolution.
func (c *Cache) IncrFailures(addr string) int {
	key := strings.ToLower(addr)

	c.mu.Lock()
	defer c.mu.Unlock()

	ent := c.entries[key]
	if ent == nil {
		ent = &entry{expires: c.now().Add(c.maxAge)}
		c.entries[key] = ent
	}
	ent.failures++
	return ent.failures
}

// Failures returns the current failure count recorded for addr, or 0 if
// no entry exists.
func (c *Cache) Failures(addr string) int {
	key := strings.ToLower(addr)

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		return 0
	}
	return ent.failures
}

// Clean removes every entry whose expiry has already passed.
func (c *Cache) Clean() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, ent := range c.entries {
		if now.After(ent.expires) {
			delete(c.entries, k)
		}
	}
}

// Size returns the number of live entries in the cache.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Package projcache holds the credential-scoped last-project cache.
//
// The cache is an injected dependency of the session resolver, not ambient
// global state. It only ever accelerates resume; the sessions table is the
// source of truth and resolution always prefers the durable record.
package projcache

import (
	"sync"
	"time"
)

// entry pairs a project name with its write time for TTL expiry.
type entry struct {
	project string
	written time.Time
}

// Cache maps credential IDs to the last project they selected.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]entry

	// now is swappable in tests.
	now func() time.Time
}

// New creates a cache whose entries expire after ttl. A non-positive ttl
// disables expiry.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl: ttl,
		m:   make(map[string]entry),
		now: time.Now,
	}
}

// Get returns the cached project for the credential, if present and fresh.
func (c *Cache) Get(credentialID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[credentialID]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && c.now().Sub(e.written) > c.ttl {
		delete(c.m, credentialID)
		return "", false
	}
	return e.project, true
}

// Put records the credential's last selected project.
func (c *Cache) Put(credentialID, project string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[credentialID] = entry{project: project, written: c.now()}
}

// Forget drops the credential's entry, if any.
func (c *Cache) Forget(credentialID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, credentialID)
}

// ForgetProject drops every entry pointing at project. Called when a project
// is deleted so stale resumes cannot resurrect it.
func (c *Cache) ForgetProject(project string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cred, e := range c.m {
		if e.project == project {
			delete(c.m, cred)
		}
	}
}

// Len returns the number of live entries, expired ones included until read.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

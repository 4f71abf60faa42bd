package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/openfroyo/linkval/pkg/compiler"
)

var errNilValidator = errors.New("compile function returned no validator")

type entry struct {
	key       Key
	validator *compiler.Validator
	size      int64
	expires   time.Time
	pins      int
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// shard is one LRU partition of the fast tier. The list front is the most
// recently used entry.
type shard struct {
	mu         sync.Mutex
	items      map[Key]*list.Element
	lru        *list.List
	bytes      int64
	maxEntries int
	maxBytes   int64
}

// lookupFast returns the validator of a live entry, refreshing its recency
// and optionally pinning the entry under the same lock. The entry is
// returned only when pinned.
func (c *Cache) lookupFast(key Key, pin bool) (*compiler.Validator, *entry) {
	s := c.shardFor(key)
	s.mu.Lock()
	expired := false
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		if e.pins == 0 && e.expired(c.now()) {
			c.removeLocked(s, el)
			c.expirations.Add(1)
			c.metrics.RecordCacheEviction("ttl")
			expired = true
		} else {
			s.lru.MoveToFront(el)
			v := e.validator
			var pinned *entry
			if pin {
				e.pins++
				pinned = e
			}
			s.mu.Unlock()
			c.hits.Add(1)
			c.metrics.RecordCacheLookup("fast", true)
			return v, pinned
		}
	}
	s.mu.Unlock()
	c.misses.Add(1)
	c.metrics.RecordCacheLookup("fast", false)
	if expired {
		c.updateSize()
	}
	return nil, nil
}

func (c *Cache) peekFast(key Key) *compiler.Validator {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if e.pins == 0 && e.expired(c.now()) {
		return nil
	}
	return e.validator
}

// store inserts or replaces the entry for key and evicts down to the shard
// bounds. Replacing the validator keeps the entry and its pins. When pin is
// set the stored entry is pinned and returned.
func (c *Cache) store(key Key, v *compiler.Validator, pin bool) *entry {
	s := c.shardFor(key)
	size := v.SizeEstimate()
	var expires time.Time
	if c.cfg.TTL > 0 {
		expires = c.now().Add(c.cfg.TTL)
	}

	s.mu.Lock()
	var e *entry
	if el, ok := s.items[key]; ok {
		e = el.Value.(*entry)
		s.bytes += size - e.size
		c.bytes.Add(size - e.size)
		e.validator = v
		e.size = size
		e.expires = expires
		s.lru.MoveToFront(el)
	} else {
		e = &entry{key: key, validator: v, size: size, expires: expires}
		s.items[key] = s.lru.PushFront(e)
		s.bytes += size
		c.entries.Add(1)
		c.bytes.Add(size)
	}
	if pin {
		e.pins++
	}
	c.evictLocked(s)
	s.mu.Unlock()
	c.updateSize()
	if !pin {
		return nil
	}
	return e
}

// pin marks the entry for key as in use, reinserting v if the entry was
// evicted between the fill and the pin.
func (c *Cache) pin(key Key, v *compiler.Validator) *entry {
	s := c.shardFor(key)
	s.mu.Lock()
	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		e.pins++
		s.mu.Unlock()
		return e
	}
	s.mu.Unlock()
	return c.store(key, v, true)
}

// unpin releases one pin of e. An entry already removed from its shard only
// has its counter adjusted.
func (c *Cache) unpin(e *entry) {
	s := c.shardFor(e.key)
	s.mu.Lock()
	if e.pins > 0 {
		e.pins--
	}
	c.evictLocked(s)
	s.mu.Unlock()
	c.updateSize()
}

// evictLocked removes least recently used, unpinned entries until the shard
// is within bounds. Pinned entries are skipped, so a shard full of pinned
// entries may stay over its bounds until they are released.
func (c *Cache) evictLocked(s *shard) {
	el := s.lru.Back()
	for el != nil && (s.lru.Len() > s.maxEntries || s.bytes > s.maxBytes) {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.pins == 0 {
			reason := "capacity"
			if s.lru.Len() <= s.maxEntries {
				reason = "bytes"
			}
			c.removeLocked(s, el)
			c.evictions.Add(1)
			c.metrics.RecordCacheEviction(reason)
			zl := c.logger.WithCacheKey(e.key.Short()).Zerolog()
			zl.Debug().Str("reason", reason).Msg("evicted validator")
		}
		el = prev
	}
}

func (c *Cache) removeLocked(s *shard, el *list.Element) {
	e := el.Value.(*entry)
	s.lru.Remove(el)
	delete(s.items, e.key)
	s.bytes -= e.size
	c.entries.Add(-1)
	c.bytes.Add(-e.size)
}

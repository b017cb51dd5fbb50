package cache

import (
	"sync"
	"time"

	"toptrack/pkg/models"
)

// Entry is a cached value with its expiry
type Entry[V any] struct {
	Value      V
	Expiration time.Time
}

// IsExpired checks if the entry has expired at now
func (e *Entry[V]) IsExpired(now time.Time) bool {
	return !now.Before(e.Expiration)
}

// MemoryCache is an in-memory TTL cache
type MemoryCache[V any] struct {
	items map[string]*Entry[V]
	mutex sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryCache creates a cache and starts its cleanup goroutine
func NewMemoryCache[V any](ttl, cleanupEvery time.Duration) *MemoryCache[V] {
	c := &MemoryCache[V]{
		items: make(map[string]*Entry[V]),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if cleanupEvery > 0 {
		go c.cleanupExpired(cleanupEvery)
	}
	return c
}

// Set stores a value
func (c *MemoryCache[V]) Set(key string, value V) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = &Entry[V]{
		Value:      value,
		Expiration: c.now().Add(c.ttl),
	}
}

// Get retrieves an unexpired value
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[key]
	if !exists || entry.IsExpired(c.now()) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Delete removes a value
func (c *MemoryCache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.items, key)
}

// Clear removes all values
func (c *MemoryCache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.items = make(map[string]*Entry[V])
}

// Size returns the number of stored values, expired ones included
func (c *MemoryCache[V]) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine
func (c *MemoryCache[V]) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Prune drops expired values
func (c *MemoryCache[V]) Prune() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, entry := range c.items {
		if entry.IsExpired(now) {
			delete(c.items, key)
		}
	}
}

func (c *MemoryCache[V]) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Prune()
		case <-c.stop:
			return
		}
	}
}

// RoomCache caches room metadata looked up from the room service
type RoomCache struct {
	*MemoryCache[models.Room]
}

// NewRoomCache creates a room cache
func NewRoomCache(ttl time.Duration) *RoomCache {
	return &RoomCache{
		MemoryCache: NewMemoryCache[models.Room](ttl, 5*time.Minute),
	}
}

// SetRoom caches a room under its id
func (rc *RoomCache) SetRoom(room models.Room) {
	rc.Set(room.ID, room)
}

// GetRoom retrieves a cached room
func (rc *RoomCache) GetRoom(id string) (models.Room, bool) {
	return rc.Get(id)
}

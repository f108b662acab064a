package cache

import (
	"errors"
	"sync"

	"github.com/23skdu/longbow-dropout/internal/network"
)

// ErrFull is returned by Put when the store is at capacity.
var ErrFull = errors.New("pass store is full")

// PassStore keeps forward passes between the request that ran Forward and
// the request that runs the matching Backward.
type PassStore interface {
	// Put stores a pass under id.
	Put(id string, p network.Pass) error
	// Take removes and returns the pass stored under id.
	Take(id string) (network.Pass, bool)
	// Size returns the number of passes held.
	Size() int
}

// MapStore is a bounded in-memory PassStore. It is safe for concurrent use.
type MapStore struct {
	data     map[string]network.Pass
	capacity int
	mu       sync.Mutex
}

// NewMapStore creates a store holding at most capacity passes; capacity <= 0
// means unbounded.
func NewMapStore(capacity int) *MapStore {
	return &MapStore{
		data:     make(map[string]network.Pass),
		capacity: capacity,
	}
}

func (c *MapStore) Put(id string, p network.Pass) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[id]; !exists && c.capacity > 0 && len(c.data) >= c.capacity {
		return ErrFull
	}
	c.data[id] = p
	return nil
}

// Take hands the pass out once; a second Take for the same id misses.
func (c *MapStore) Take(id string) (network.Pass, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.data[id]
	if ok {
		delete(c.data, id)
	}
	return p, ok
}

func (c *MapStore) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

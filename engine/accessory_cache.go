package engine

import (
	"github.com/arloliu/go-xnet/xnet"
	"github.com/puzpuzpuz/xsync/v3"
)

// AccessoryStateStore is the address to state table consulted by the
// accessory handlers and updated from feedback. Known state is what the layout
// last reported; expected state is what was last commanded.
type AccessoryStateStore interface {
	AccessoryState(number int) xnet.AccessoryState
	ExpectedAccessoryState(number int) xnet.AccessoryState
	ExpectAccessoryState(number int, state xnet.AccessoryState)
	UpdateAccessoryState(number int, state xnet.AccessoryState)
}

type accessoryEntry struct {
	known    xnet.AccessoryState
	expected xnet.AccessoryState
}

// AccessoryCache is the default in-memory AccessoryStateStore.
type AccessoryCache struct {
	entries *xsync.MapOf[int, accessoryEntry]
}

var _ AccessoryStateStore = (*AccessoryCache)(nil)

// NewAccessoryCache creates an empty cache.
func NewAccessoryCache() *AccessoryCache {
	return &AccessoryCache{entries: xsync.NewMapOf[int, accessoryEntry]()}
}

// AccessoryState returns the last reported state of number.
func (c *AccessoryCache) AccessoryState(number int) xnet.AccessoryState {
	e, _ := c.entries.Load(number)
	return e.known
}

// ExpectedAccessoryState returns the last commanded state of number.
func (c *AccessoryCache) ExpectedAccessoryState(number int) xnet.AccessoryState {
	e, _ := c.entries.Load(number)
	return e.expected
}

// ExpectAccessoryState records a commanded state.
func (c *AccessoryCache) ExpectAccessoryState(number int, state xnet.AccessoryState) {
	c.entries.Compute(number, func(e accessoryEntry, _ bool) (accessoryEntry, bool) {
		e.expected = state
		return e, false
	})
}

// UpdateAccessoryState records a reported state.
func (c *AccessoryCache) UpdateAccessoryState(number int, state xnet.AccessoryState) {
	c.entries.Compute(number, func(e accessoryEntry, _ bool) (accessoryEntry, bool) {
		e.known = state
		return e, false
	})
}

// Range calls f for every accessory seen so far until f returns false.
func (c *AccessoryCache) Range(f func(number int, known, expected xnet.AccessoryState) bool) {
	c.entries.Range(func(number int, e accessoryEntry) bool {
		return f(number, e.known, e.expected)
	})
}

// Len returns the number of accessories in the cache.
func (c *AccessoryCache) Len() int {
	return c.entries.Size()
}

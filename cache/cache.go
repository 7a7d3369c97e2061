// Package cache holds rendered page bitmaps.
//
// The cache has two tiers. The full-resolution tier is an LRU bounded by the
// approximate byte size of its bitmaps; an entry may be evicted at any time and
// a miss is never an error. The thumbnail tier is a strict LRU bounded by entry
// count.
//
// Every identity and every page carries an epoch. Invalidate and
// InvalidatePage bump it, and PutAt drops results that were produced against
// an older epoch, so a render that was in flight when its document was
// invalidated cannot repopulate the cache.
package cache

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/wudi/pagedeck/docsource"
	"github.com/wudi/pagedeck/raster"
)

// Key addresses a full-resolution bitmap. DPI is always a quantized bucket.
type Key struct {
	ID   docsource.Identity
	Page int
	DPI  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d@%d", k.ID, k.Page, k.DPI)
}

// ThumbKey addresses a page thumbnail.
type ThumbKey struct {
	ID   docsource.Identity
	Page int
}

// Config bounds the two tiers.
type Config struct {
	// MaxBytes bounds the full-resolution tier. Zero selects the default.
	MaxBytes int64
	// ThumbCapacity bounds the thumbnail tier by count. Zero selects the default.
	ThumbCapacity int
}

// DefaultConfig returns 256 MiB of full-resolution bitmaps and 80 thumbnails.
func DefaultConfig() Config {
	return Config{MaxBytes: 256 << 20, ThumbCapacity: 80}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int
	Bytes     int64
	Thumbs    int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	// Dropped counts PutAt calls rejected because of a stale epoch.
	Dropped uint64
}

type pageSlot struct {
	id   docsource.Identity
	page int
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	bytes    int64
	full     *simplelru.LRU[Key, image.Image]
	thumbs   *simplelru.LRU[ThumbKey, image.Image]

	gen       uint64
	idEpoch   map[docsource.Identity]uint64
	pageEpoch map[pageSlot]uint64

	hits, misses, evictions, dropped uint64
}

// New returns an empty cache.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.ThumbCapacity <= 0 {
		cfg.ThumbCapacity = def.ThumbCapacity
	}
	c := &Cache{
		maxBytes:  cfg.MaxBytes,
		idEpoch:   make(map[docsource.Identity]uint64),
		pageEpoch: make(map[pageSlot]uint64),
	}
	// The full tier is bounded by bytes, not count; the count limit only has
	// to be out of reach.
	full, err := simplelru.NewLRU[Key, image.Image](math.MaxInt32, c.onEvictFull)
	if err != nil {
		panic(err)
	}
	thumbs, err := simplelru.NewLRU[ThumbKey, image.Image](cfg.ThumbCapacity, nil)
	if err != nil {
		panic(err)
	}
	c.full, c.thumbs = full, thumbs
	return c
}

// onEvictFull runs with c.mu held.
func (c *Cache) onEvictFull(_ Key, img image.Image) {
	c.bytes -= raster.ByteSize(img)
}

// Get returns the bitmap stored under k.
func (c *Cache) Get(k Key) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.full.Get(k)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return img, ok
}

// Contains reports whether k is cached without touching its recency.
func (c *Cache) Contains(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.full.Contains(k)
}

// Epoch returns the current epoch of a page. Callers read it before starting
// a render and pass it to PutAt.
func (c *Cache) Epoch(id docsource.Identity, page int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochLocked(id, page)
}

// All components only grow, so their sum changes whenever one does.
func (c *Cache) epochLocked(id docsource.Identity, page int) uint64 {
	return c.gen + c.idEpoch[id] + c.pageEpoch[pageSlot{id, page}]
}

// Put stores img under k.
func (c *Cache) Put(k Key, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(k, img)
}

// PutAt stores img under k unless k's page was invalidated after epoch was
// read. It reports whether the bitmap was stored.
func (c *Cache) PutAt(k Key, img image.Image, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochLocked(k.ID, k.Page) != epoch {
		c.dropped++
		return false
	}
	c.putLocked(k, img)
	return true
}

func (c *Cache) putLocked(k Key, img image.Image) {
	if img == nil {
		return
	}
	if old, ok := c.full.Peek(k); ok {
		c.bytes -= raster.ByteSize(old)
	}
	c.full.Add(k, img)
	c.bytes += raster.ByteSize(img)
	for c.bytes > c.maxBytes && c.full.Len() > 0 {
		c.full.RemoveOldest()
		c.evictions++
	}
}

// GetThumb returns the thumbnail stored under k.
func (c *Cache) GetThumb(k ThumbKey) (image.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thumbs.Get(k)
}

// PutThumb stores a thumbnail, evicting the least recently used one when the
// tier is full.
func (c *Cache) PutThumb(k ThumbKey, img image.Image) {
	if img == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thumbs.Add(k, img)
}

// PutThumbAt stores a thumbnail only if the page epoch still equals epoch.
func (c *Cache) PutThumbAt(k ThumbKey, img image.Image, epoch uint64) bool {
	if img == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epochLocked(k.ID, k.Page) != epoch {
		c.dropped++
		return false
	}
	c.thumbs.Add(k, img)
	return true
}

// Invalidate drops every entry of id, thumbnails included, and rejects
// in-flight results for it.
func (c *Cache) Invalidate(id docsource.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idEpoch[id]++
	for _, k := range c.full.Keys() {
		if k.ID == id {
			c.full.Remove(k)
		}
	}
	for _, k := range c.thumbs.Keys() {
		if k.ID == id {
			c.thumbs.Remove(k)
		}
	}
	// Page epochs fold into the identity epoch so Epoch never goes back.
	for s := range c.pageEpoch {
		if s.id == id {
			c.idEpoch[id] += c.pageEpoch[s]
			delete(c.pageEpoch, s)
		}
	}
}

// InvalidatePage drops every resolution of one page and its thumbnail.
func (c *Cache) InvalidatePage(id docsource.Identity, page int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageEpoch[pageSlot{id, page}]++
	for _, k := range c.full.Keys() {
		if k.ID == id && k.Page == page {
			c.full.Remove(k)
		}
	}
	c.thumbs.Remove(ThumbKey{ID: id, Page: page})
}

// Clear empties both tiers and rejects every in-flight result.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.full.Purge()
	c.thumbs.Purge()
	c.bytes = 0
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.full.Len(),
		Bytes:     c.bytes,
		Thumbs:    c.thumbs.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Dropped:   c.dropped,
	}
}

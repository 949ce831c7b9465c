// Package kvcache stores the per-layer attention keys and values of the
// positions a generation session has already processed.
//
// The cache is append-only: entries are never reordered or dropped except by
// Reset. Attention at position p reads every key/value in [0, p], so losing
// a single entry would corrupt every later step.
package kvcache

import (
	"errors"
	"fmt"
)

// ErrNonUniform reports layers holding different numbers of positions.
var ErrNonUniform = errors.New("kvcache: layers out of step")

// Cache holds one key sequence and one value sequence per layer. Each
// sequence is a flat slice of Width()-wide vectors, one per position.
//
// A Cache is owned by exactly one session and is not safe for concurrent use.
type Cache struct {
	width    int
	capacity int
	layers   []layer
}

type layer struct {
	k, v []float32
	n    int
}

// New allocates a cache for numLayers layers of width-wide vectors with room
// for capacity positions.
func New(numLayers, width, capacity int) *Cache {
	if numLayers <= 0 {
		panic(fmt.Sprintf("kvcache: invalid layer count %d", numLayers))
	}
	if width <= 0 {
		panic(fmt.Sprintf("kvcache: invalid width %d", width))
	}
	if capacity <= 0 {
		panic(fmt.Sprintf("kvcache: invalid capacity %d", capacity))
	}
	c := &Cache{
		width:    width,
		capacity: capacity,
		layers:   make([]layer, numLayers),
	}
	for i := range c.layers {
		c.layers[i] = layer{
			k: make([]float32, 0, capacity*width),
			v: make([]float32, 0, capacity*width),
		}
	}
	return c
}

// Extend appends the keys and values of newly processed positions to layer.
// keys and values must have the same length, a positive multiple of Width().
// Violations are programming errors and panic.
func (c *Cache) Extend(layerIdx int, keys, values []float32) {
	l := c.layer(layerIdx)
	if len(keys) != len(values) {
		panic(fmt.Sprintf("kvcache: layer %d: %d keys but %d values", layerIdx, len(keys), len(values)))
	}
	if len(keys) == 0 || len(keys)%c.width != 0 {
		panic(fmt.Sprintf("kvcache: layer %d: extension of %d elements is not a positive multiple of width %d", layerIdx, len(keys), c.width))
	}
	n := len(keys) / c.width
	if l.n+n > c.capacity {
		panic(fmt.Sprintf("kvcache: layer %d overflow (length=%d + new=%d > capacity=%d)", layerIdx, l.n, n, c.capacity))
	}
	l.k = append(l.k, keys...)
	l.v = append(l.v, values...)
	l.n += n
}

// Read returns every key and value accumulated for layer, position-major.
// The slices alias the cache storage and must not be modified.
func (c *Cache) Read(layerIdx int) (keys, values []float32) {
	l := c.layer(layerIdx)
	return l.k, l.v
}

// Reset logically empties every layer. Storage is retained for reuse.
func (c *Cache) Reset() {
	for i := range c.layers {
		l := &c.layers[i]
		l.k = l.k[:0]
		l.v = l.v[:0]
		l.n = 0
	}
}

// Len reports the number of positions held by every layer, that is the
// shortest layer. After a completed forward step all layers agree.
func (c *Cache) Len() int {
	n := c.layers[0].n
	for i := 1; i < len(c.layers); i++ {
		if c.layers[i].n < n {
			n = c.layers[i].n
		}
	}
	return n
}

// LayerLen reports the number of positions stored for one layer.
func (c *Cache) LayerLen(layerIdx int) int {
	return c.layer(layerIdx).n
}

// NumLayers is the number of layers the cache was built with.
func (c *Cache) NumLayers() int { return len(c.layers) }

// Width is the number of floats stored per position for keys, and again for
// values.
func (c *Cache) Width() int { return c.width }

// Capacity is the most positions any layer can hold.
func (c *Cache) Capacity() int { return c.capacity }

// Verify returns an error when layers disagree on their length.
func (c *Cache) Verify() error {
	want := c.layers[0].n
	for i := 1; i < len(c.layers); i++ {
		if got := c.layers[i].n; got != want {
			return fmt.Errorf("%w: layer %d holds %d positions, layer 0 holds %d", ErrNonUniform, i, got, want)
		}
	}
	return nil
}

func (c *Cache) layer(i int) *layer {
	if i < 0 || i >= len(c.layers) {
		panic(fmt.Sprintf("kvcache: layer index %d out of range [0,%d)", i, len(c.layers)))
	}
	return &c.layers[i]
}

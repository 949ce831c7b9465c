package kvcache

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func seq(n int, base float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = base + float32(i)
	}
	return out
}

func expectPanic(t *testing.T, want string, fn func()) {
	t.Helper()
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatalf("expected panic containing %q", want)
		}
		msg, _ := rec.(string)
		if !strings.Contains(msg, want) {
			t.Fatalf("panic %q does not contain %q", msg, want)
		}
	}()
	fn()
}

func TestExtendAndRead(t *testing.T) {
	t.Parallel()
	c := New(2, 3, 8)

	c.Extend(0, seq(6, 0), seq(6, 100))
	c.Extend(1, seq(6, 10), seq(6, 110))
	if c.Len() != 2 {
		t.Fatalf("Len got %d want 2", c.Len())
	}

	c.Extend(0, seq(3, 50), seq(3, 150))
	c.Extend(1, seq(3, 60), seq(3, 160))

	k, v := c.Read(0)
	wantK := append(seq(6, 0), seq(3, 50)...)
	wantV := append(seq(6, 100), seq(3, 150)...)
	if !slices.Equal(k, wantK) || !slices.Equal(v, wantV) {
		t.Fatalf("layer 0 read mismatch: k=%v v=%v", k, v)
	}
	if c.Len() != 3 || c.LayerLen(1) != 3 {
		t.Fatalf("Len=%d LayerLen(1)=%d want 3", c.Len(), c.LayerLen(1))
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestLenTracksShortestLayerMidStep(t *testing.T) {
	t.Parallel()
	c := New(3, 2, 4)
	c.Extend(0, seq(2, 0), seq(2, 0))
	if c.Len() != 0 {
		t.Fatalf("Len got %d want 0 while layers 1,2 are empty", c.Len())
	}
	if err := c.Verify(); !errors.Is(err, ErrNonUniform) {
		t.Fatalf("Verify got %v, want ErrNonUniform", err)
	}
	c.Extend(1, seq(2, 0), seq(2, 0))
	c.Extend(2, seq(2, 0), seq(2, 0))
	if c.Len() != 1 {
		t.Fatalf("Len got %d want 1", c.Len())
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestResetEmptiesAllLayers(t *testing.T) {
	t.Parallel()
	c := New(2, 2, 4)
	for l := range 2 {
		c.Extend(l, seq(4, 1), seq(4, 2))
	}
	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("Len after Reset got %d", c.Len())
	}
	for l := range 2 {
		k, v := c.Read(l)
		if len(k) != 0 || len(v) != 0 {
			t.Fatalf("layer %d not empty after Reset", l)
		}
	}
	// Full capacity is available again.
	c.Extend(0, seq(8, 0), seq(8, 0))
	if c.LayerLen(0) != 4 {
		t.Fatalf("LayerLen got %d want 4", c.LayerLen(0))
	}
}

func TestReadDoesNotExposeStaleEntriesAfterReset(t *testing.T) {
	t.Parallel()
	c := New(1, 1, 4)
	c.Extend(0, []float32{1, 2, 3}, []float32{1, 2, 3})
	c.Reset()
	c.Extend(0, []float32{9}, []float32{8})
	k, v := c.Read(0)
	if !slices.Equal(k, []float32{9}) || !slices.Equal(v, []float32{8}) {
		t.Fatalf("stale entries visible: k=%v v=%v", k, v)
	}
}

func TestContractViolationsPanic(t *testing.T) {
	t.Parallel()
	c := New(2, 2, 2)

	expectPanic(t, "out of range", func() { c.Extend(2, seq(2, 0), seq(2, 0)) })
	expectPanic(t, "out of range", func() { c.Read(-1) })
	expectPanic(t, "keys but", func() { c.Extend(0, seq(2, 0), seq(4, 0)) })
	expectPanic(t, "multiple of width", func() { c.Extend(0, seq(3, 0), seq(3, 0)) })
	expectPanic(t, "multiple of width", func() { c.Extend(0, nil, nil) })
	expectPanic(t, "overflow", func() { c.Extend(1, seq(6, 0), seq(6, 0)) })
}

func TestNewRejectsInvalidDimensions(t *testing.T) {
	t.Parallel()
	expectPanic(t, "layer count", func() { New(0, 1, 1) })
	expectPanic(t, "width", func() { New(1, 0, 1) })
	expectPanic(t, "capacity", func() { New(1, 1, 0) })
}

func BenchmarkExtendSingleToken(b *testing.B) {
	const layers, width, capacity = 4, 64, 2048
	c := New(layers, width, capacity)
	k := seq(width, 0)
	v := seq(width, 1)
	for b.Loop() {
		if c.Len() == capacity {
			c.Reset()
		}
		for l := range layers {
			c.Extend(l, k, v)
		}
	}
}

func TestShapeAccessors(t *testing.T) {
	t.Parallel()
	c := New(3, 4, 10)
	if c.NumLayers() != 3 || c.Width() != 4 || c.Capacity() != 10 {
		t.Fatalf("shape = %d layers x %d width, capacity %d; want 3 x 4, 10", c.NumLayers(), c.Width(), c.Capacity())
	}
	c.Extend(0, make([]float32, 8), make([]float32, 8))
	if c.Capacity() != 10 || c.LayerLen(0) != 2 {
		t.Fatalf("after extend: capacity %d, layer 0 len %d", c.Capacity(), c.LayerLen(0))
	}
}

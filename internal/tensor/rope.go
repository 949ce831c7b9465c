package tensor

import "math"

// Rotary holds precomputed rotary position embedding tables for positions
// [0, maxPos).
type Rotary struct {
	headDim     int
	half        int
	interleaved bool
	cos, sin    []float32 // maxPos*half
}

// NewRotary builds tables for headDim channels per head, which must be even.
// Interleaved rotates adjacent pairs (2i, 2i+1); otherwise channel i rotates
// against i+headDim/2. base <= 0 means 10000.
func NewRotary(headDim, maxPos int, base float64, interleaved bool) *Rotary {
	if headDim <= 0 || headDim%2 != 0 {
		panic("tensor: rotary head dim must be positive and even")
	}
	if base <= 0 {
		base = 10_000
	}
	half := headDim / 2
	r := &Rotary{
		headDim:     headDim,
		half:        half,
		interleaved: interleaved,
		cos:         make([]float32, maxPos*half),
		sin:         make([]float32, maxPos*half),
	}
	for i := range half {
		inv := 1 / math.Pow(base, float64(2*i)/float64(headDim))
		for pos := range maxPos {
			angle := float64(pos) * inv
			r.cos[pos*half+i] = float32(math.Cos(angle))
			r.sin[pos*half+i] = float32(math.Sin(angle))
		}
	}
	return r
}

// MaxPos is the number of positions the tables cover.
func (r *Rotary) MaxPos() int { return len(r.cos) / r.half }

// Apply rotates every head of x (heads*headDim values) to position pos.
func (r *Rotary) Apply(x []float32, heads, pos int) {
	if pos < 0 || pos >= r.MaxPos() {
		panic("tensor: rotary position out of range")
	}
	cos := r.cos[pos*r.half : (pos+1)*r.half]
	sin := r.sin[pos*r.half : (pos+1)*r.half]
	for h := range heads {
		head := x[h*r.headDim : (h+1)*r.headDim]
		for i := range r.half {
			a, b := i, i+r.half
			if r.interleaved {
				a, b = 2*i, 2*i+1
			}
			x0, x1 := head[a], head[b]
			head[a] = x0*cos[i] - x1*sin[i]
			head[b] = x0*sin[i] + x1*cos[i]
		}
	}
}

package model

import (
	"runtime"
	"sync"

	"github.com/samcharles93/kvgen/internal/tensor"
)

// minParallelAttention is the smallest heads*positions*headDim product that
// is split across goroutines.
const minParallelAttention = 1 << 14

// query is one causal attention step: a single query position attending over
// n cached positions of one layer.
type query struct {
	q      []float32 // heads*headDim
	keys   []float32 // n*width
	values []float32 // n*width
	out    []float32 // heads*headDim

	n        int
	width    int
	headDim  int
	heads    int
	kvHeads  int
	scale    float32
	parallel int
}

// scoreRows hands every head its own scores row so heads never share
// scratch, whatever goroutine runs them.
type scoreRows struct {
	buf    []float32
	stride int
}

func newScoreRows(heads, maxSeqLen int) scoreRows {
	return scoreRows{buf: make([]float32, heads*maxSeqLen), stride: maxSeqLen}
}

func (r scoreRows) row(h, n int) []float32 {
	if n > r.stride {
		panic("attention: more positions than the scores buffer holds")
	}
	off := h * r.stride
	return r.buf[off : off+n]
}

// attend fills a.out. Each head is reduced sequentially by one goroutine, so
// the output is identical for any split.
func attend(a *query, rows scoreRows) {
	if len(a.keys) < a.n*a.width || len(a.values) < a.n*a.width {
		panic("attention: cache shorter than query position")
	}
	groups := min(a.parallel, a.heads)
	if groups < 2 || a.heads*a.n*a.headDim < minParallelAttention {
		attendHeads(a, rows, 0, a.heads)
		return
	}
	size := (a.heads + groups - 1) / groups
	var wg sync.WaitGroup
	for lo := 0; lo < a.heads; lo += size {
		hi := min(lo+size, a.heads)
		wg.Go(func() { attendHeads(a, rows, lo, hi) })
	}
	wg.Wait()
}

// attendHeads runs heads [lo, hi). GQA maps query head h onto kv head
// h*kvHeads/heads.
func attendHeads(a *query, rows scoreRows, lo, hi int) {
	hd := a.headDim
	for h := lo; h < hi; h++ {
		scores := rows.row(h, a.n)
		kvOff := (h * a.kvHeads / a.heads) * hd
		qh := a.q[h*hd : (h+1)*hd]
		for t := range scores {
			k := a.keys[t*a.width+kvOff:]
			scores[t] = tensor.Dot(qh, k[:hd]) * a.scale
		}
		tensor.Softmax(scores)

		out := a.out[h*hd : (h+1)*hd]
		clear(out)
		for t, p := range scores {
			v := a.values[t*a.width+kvOff:]
			for d := range out {
				out[d] += p * v[d]
			}
		}
	}
}

func attentionParallelism(heads int) int {
	return max(min(runtime.GOMAXPROCS(0), heads), 1)
}

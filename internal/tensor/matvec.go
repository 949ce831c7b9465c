package tensor

import (
	"runtime"
	"sync"
)

// minParallelWork is the smallest R*C that is split across workers. Smaller
// products finish before a worker could be woken.
const minParallelWork = 1 << 15

type rowJob struct {
	dst    []float32
	w      *Mat
	x      []float32
	lo, hi int
	wg     *sync.WaitGroup
}

type rowPool struct {
	workers int
	jobs    chan rowJob
}

// poolMu is held for reading while a MatVec call dispatches to the pool and
// for writing while the pool is replaced.
var (
	poolMu      sync.RWMutex
	pool        *rowPool
	parallelism = runtime.GOMAXPROCS(0)
)

// SetParallelism sets how many goroutines MatVec splits rows across. n <= 0
// restores the GOMAXPROCS default. Results do not depend on n.
func SetParallelism(n int) {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	poolMu.Lock()
	defer poolMu.Unlock()
	parallelism = n
	if pool != nil {
		close(pool.jobs)
		pool = nil
	}
}

// Parallelism reports the worker count MatVec uses.
func Parallelism() int {
	poolMu.RLock()
	defer poolMu.RUnlock()
	return parallelism
}

// acquirePool returns the running pool with poolMu read-locked.
func acquirePool() *rowPool {
	poolMu.RLock()
	if pool != nil {
		return pool
	}
	poolMu.RUnlock()
	poolMu.Lock()
	if pool == nil {
		pool = startRowPool(parallelism)
	}
	poolMu.Unlock()
	return acquirePool()
}

func startRowPool(n int) *rowPool {
	n = max(n, 1)
	p := &rowPool{workers: n, jobs: make(chan rowJob, 2*n)}
	for range n {
		go func() {
			for j := range p.jobs {
				matVecRange(j.dst, j.w, j.x, j.lo, j.hi)
				j.wg.Done()
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x.
//
// Large products are split into contiguous row blocks handled by a shared
// pool. Each row is summed in order by one goroutine, so dst is bit-identical
// however the rows are partitioned. Concurrent callers are safe when their
// dst slices do not overlap.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	if w.R*w.C < minParallelWork {
		matVecRange(dst, w, x, 0, w.R)
		return
	}
	p := acquirePool()
	defer poolMu.RUnlock()
	blocks := min(p.workers, w.R)
	if blocks <= 1 {
		matVecRange(dst, w, x, 0, w.R)
		return
	}
	size := (w.R + blocks - 1) / blocks
	var wg sync.WaitGroup
	for lo := 0; lo < w.R; lo += size {
		wg.Add(1)
		p.jobs <- rowJob{dst: dst, w: w, x: x, lo: lo, hi: min(lo+size, w.R), wg: &wg}
	}
	wg.Wait()
}

// matVecRange computes rows [lo, hi) of dst = w * x.
func matVecRange(dst []float32, w *Mat, x []float32, lo, hi int) {
	for i := lo; i < hi; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		j := 0
		for ; j+3 < w.C; j += 4 {
			sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
		}
		for ; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

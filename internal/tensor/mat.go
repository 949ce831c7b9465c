package tensor

import "math/rand"

// Mat is a dense row-major float32 matrix. Row i occupies
// Data[i*Stride : i*Stride+C].
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat returns a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// Row returns row i as a view into Data.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	off := i * m.Stride
	return m.Data[off : off+m.C]
}

// RowTo copies row i into dst, which must hold at least C values.
func (m *Mat) RowTo(dst []float32, i int) {
	if len(dst) < m.C {
		panic("tensor: row buffer too small")
	}
	copy(dst[:m.C], m.Row(i))
}

// FillRand fills m with values drawn uniformly from [-scale/2, scale/2).
// The same seed always yields the same matrix.
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}

func Fill(x []float32, v float32) {
	for i := range x {
		x[i] = v
	}
}

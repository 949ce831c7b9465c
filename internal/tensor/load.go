package tensor

import (
	"fmt"
	"slices"

	"github.com/samcharles93/kvgen/internal/safetensors"
)

// ReadInto decodes the named tensor into dst. The stored shape must equal
// shape exactly and dst must hold its element count.
func ReadInto(st *safetensors.File, name string, dst []float32, shape ...int) error {
	info, ok := st.Tensor(name)
	if !ok {
		return fmt.Errorf("tensor %q not found", name)
	}
	if !slices.Equal(info.Shape, shape) {
		return fmt.Errorf("%s: shape %v, want %v", name, info.Shape, shape)
	}
	data, _, err := st.ReadTensorF32(name)
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("%s: %d elements, destination holds %d", name, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

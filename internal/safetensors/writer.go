package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
)

// Tensor is a named float32 tensor to be written.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Write encodes tensors in the given dtype, in order, to w. metadata is
// stored under __metadata__ when non-empty.
func Write(w io.Writer, tensors []Tensor, dtype string, metadata map[string]string) error {
	elemSize, err := elemSizeOf(dtype)
	if err != nil {
		return err
	}

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, t := range tensors {
		if _, dup := header[t.Name]; dup || t.Name == metadataKey {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d elements, data has %d", t.Name, t.Shape, n, len(t.Data))
		}
		size := int64(n * elemSize)
		header[t.Name] = tensorHeader{
			DType:       dtype,
			Shape:       t.Shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	bw := bufio.NewWriter(w)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(headerBytes); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, t := range tensors {
		for _, v := range t.Data {
			encodeValue(buf, dtype, v)
			if _, err := bw.Write(buf[:elemSize]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteFile writes tensors to path, replacing any existing file.
func WriteFile(path string, tensors []Tensor, dtype string, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, tensors, dtype, metadata); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func elemSizeOf(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func encodeValue(buf []byte, dtype string, v float32) {
	switch dtype {
	case DTypeF32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	case DTypeF16:
		binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(v).Bits())
	case DTypeBF16:
		binary.LittleEndian.PutUint16(buf, f32ToBF16(v))
	}
}

// f32ToBF16 truncates to bfloat16 with round-to-nearest-even.
func f32ToBF16(v float32) uint16 {
	bits := math.Float32bits(v)
	if v != v {
		return uint16(bits>>16) | 0x40
	}
	rounding := uint32(0x7FFF) + (bits>>16)&1
	return uint16((bits + rounding) >> 16)
}

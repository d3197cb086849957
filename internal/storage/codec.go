package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeEmbedding converts a float32 slice to its binary representation.
// Uses little-endian byte order for consistency across platforms.
func EncodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeEmbedding converts a binary representation back to a float32 slice.
// The buffer length must be a whole number of 4-byte floats and, when
// dimension is positive, must hold exactly that many values.
func DecodeEmbedding(buf []byte, dimension int) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding buffer length %d is not a multiple of 4", len(buf))
	}

	n := len(buf) / 4
	if dimension > 0 && n != dimension {
		return nil, fmt.Errorf("embedding buffer holds %d values, want %d", n, dimension)
	}

	embedding := make([]float32, n)
	for i := 0; i < n; i++ {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return embedding, nil
}

// Package getbytes views slices of fixed-size numbers as []byte without copying,
// which is faster than binary.Write for shipping raw sample codes.
// Byte order is that of the host.
package getbytes

import (
	"unsafe"
)

// Number is any fixed-size numeric type that can be viewed as bytes.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// FromSlice returns the storage of d as a []byte. The result aliases d.
func FromSlice[T Number](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// FromValue returns a copy of the bytes of a single number.
func FromValue[T Number](x T) []byte {
	b := FromSlice([]T{x})
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

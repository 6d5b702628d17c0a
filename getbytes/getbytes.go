// Package getbytes converts typed slices to and from []byte views using unsafe,
// without copying. Views alias the original memory: the FIFO bridge reads raw
// kernel records straight into a []float32 this way.
package getbytes

import (
	"unsafe"
)

// Sample lists the fixed-size element types that can be viewed as bytes.
type Sample interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// FromSlice returns the bytes underlying d. The result shares memory with d.
func FromSlice[T Sample](d []T) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0])
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// ToSlice views b as a []T. Trailing bytes that do not fill a whole element
// are ignored. The result shares memory with b, so b must be suitably aligned
// for T (any slice obtained from FromSlice is).
func ToSlice[T Sample](b []byte) []T {
	var zero T
	n := uintptr(len(b)) / unsafe.Sizeof(zero)
	if n == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// FromSliceFloat32 converts a []float32 to []byte using unsafe
func FromSliceFloat32(d []float32) []byte {
	return FromSlice(d)
}

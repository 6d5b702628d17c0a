package getbytes

import (
	"encoding/hex"
	"testing"
)

func TestFromGetBytes(t *testing.T) {
	encodedStr := hex.EncodeToString(FromSlice([]uint8{0xAB, 0xCD, 0xEF, 0x01, 0x23, 0x45, 0x67, 0x89}))
	if expectStr := "abcdef0123456789"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSlice([]uint16{0xABCD, 0xEF01, 0x2345, 0x6789}))
	if expectStr := "cdab01ef45238967"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSlice([]int16{1, 2, 3, 4}))
	if expectStr := "0100020003000400"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSliceFloat32([]float32{1, 2}))
	if expectStr := "0000803f00000040"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	encodedStr = hex.EncodeToString(FromSlice([]float64{2}))
	if expectStr := "0000000000000040"; encodedStr != expectStr {
		t.Errorf("want %v, have %v", expectStr, encodedStr)
	}
	if len(FromSlice([]int32{})) != 0 {
		t.Error("empty slice should give empty bytes")
	}
}

func TestToSlice(t *testing.T) {
	data := []float32{1.5, -2.25, 3}
	b := FromSlice(data)
	back := ToSlice[float32](b)
	if len(back) != len(data) {
		t.Fatalf("ToSlice length %d, want %d", len(back), len(data))
	}
	for i := range data {
		if back[i] != data[i] {
			t.Errorf("ToSlice[%d]=%v, want %v", i, back[i], data[i])
		}
	}

	// The view aliases the original memory.
	back[1] = 7
	if data[1] != 7 {
		t.Errorf("ToSlice does not alias its input: data[1]=%v, want 7", data[1])
	}

	// Partial trailing elements are dropped.
	if n := len(ToSlice[float32](b[:7])); n != 1 {
		t.Errorf("ToSlice of 7 bytes gives %d float32s, want 1", n)
	}
	if n := len(ToSlice[int64](b[:4])); n != 0 {
		t.Errorf("ToSlice of 4 bytes gives %d int64s, want 0", n)
	}
}

package daqcore

import (
	"math"
	"testing"
)

func TestPolynomial(t *testing.T) {
	p := CodePolynomial(16, -10, 10)
	if v := p.Apply(0); v != -10 {
		t.Errorf("CodePolynomial(16,-10,10).Apply(0)=%g, want -10", v)
	}
	if v := p.Apply(65535); math.Abs(v-10) > 1e-12 {
		t.Errorf("CodePolynomial(16,-10,10).Apply(65535)=%g, want 10", v)
	}
	raw, err := p.Invert(0)
	if err != nil || math.Abs(raw-32767.5) > 1e-9 {
		t.Errorf("Invert(0)=%g, %v, want 32767.5", raw, err)
	}

	// A cubic with origin: v = 1 + 2x + 0.5x^3 with x = raw-100
	cubic := Polynomial{Order: 3, Origin: 100, Coefficients: [MaxConversionCoefficients]float64{1, 2, 0, 0.5}}
	if v := cubic.Apply(102); v != 9 {
		t.Errorf("cubic.Apply(102)=%g, want 9", v)
	}
	raw, err = cubic.Invert(9)
	if err != nil || math.Abs(raw-102) > 1e-6 {
		t.Errorf("cubic.Invert(9)=%g, %v, want 102", raw, err)
	}

	if _, err := (Polynomial{Order: 0, Coefficients: [MaxConversionCoefficients]float64{3}}).Invert(1); err == nil {
		t.Errorf("constant polynomial inverted without error")
	}
}

type rangeTable []GainRange

func (rt rangeTable) RangeCount() int { return len(rt) }
func (rt rangeTable) Range(index int) GainRange { return rt[index] }

func TestSelectRange(t *testing.T) {
	dev := rangeTable{{Unipolar: 10, Bipolar: 10}, {Unipolar: 5, Bipolar: 5}, {Unipolar: 0, Bipolar: 1}}
	ranges := DeviceRanges(dev, 0)
	if len(ranges) != 5 {
		t.Fatalf("DeviceRanges returned %d ranges, want 5", len(ranges))
	}

	tests := []struct {
		min, max float64
		index    int
		unipolar bool
		flags    ErrorFlags
	}{
		{-0.5, 0.5, 2, false, 0},
		{-0.5, 3, 1, false, 0},
		{0, 3, 1, true, 0},       // unipolar wins a tie
		{0.1, 0.5, 2, false, 0}, // no unipolar range at gain 2
		{0, 7, 0, true, 0},
		{-7, 1, 0, false, 0},
		{-20, 20, 0, false, Overflow},
	}
	for _, tc := range tests {
		r, flags := SelectRange(ranges, tc.min, tc.max)
		if r.Index != tc.index || r.Unipolar != tc.unipolar || flags != tc.flags {
			t.Errorf("SelectRange(%g,%g)=%+v,%v, want index %d unipolar %t flags %v",
				tc.min, tc.max, r, flags, tc.index, tc.unipolar, tc.flags)
		}
	}

	// External reference only used when nothing internal fits.
	ext := DeviceRanges(dev, 20)
	if r, flags := SelectRange(ext, -0.5, 0.5); r.External || flags != 0 {
		t.Errorf("SelectRange picked %+v, %v for a small signal with external reference", r, flags)
	}
	r, flags := SelectRange(ext, -15, 15)
	if !r.External || r.Index != dev.RangeCount() || flags != 0 {
		t.Errorf("SelectRange picked %+v, %v, want the external reference", r, flags)
	}

	if r, flags := SelectRange(nil, 0, 1); r.Index != -1 || flags != InvalidGain {
		t.Errorf("SelectRange(nil)=%+v, %v, want index -1 and InvalidGain", r, flags)
	}
}

func TestReferenceString(t *testing.T) {
	names := map[Reference]string{RefDefault: "default", RefGround: "ground", RefCommon: "common",
		RefDifferential: "differential", RefOther: "other"}
	for r, want := range names {
		if r.String() != want {
			t.Errorf("Reference(%d).String()=%q, want %q", r, r.String(), want)
		}
	}
}

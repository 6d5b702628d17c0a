package daqcore

import (
	"fmt"
	"math"
)

// Reference is the analog reference mode of a channel.
type Reference int

// Names for the reference modes.
const (
	RefDefault      Reference = iota // whatever the device uses by default
	RefGround                        // single-ended, referenced to ground
	RefCommon                        // single-ended, referenced to a common line
	RefDifferential                  // differential pair
	RefOther
)

func (r Reference) String() string {
	switch r {
	case RefDefault:
		return "default"
	case RefGround:
		return "ground"
	case RefCommon:
		return "common"
	case RefDifferential:
		return "differential"
	}
	return "other"
}

// ChannelSpec describes one hardware or parameter channel of a device together
// with the conversion between raw device codes and physical units. The Device
// field is the registry index of the owning device in Acquire.
type ChannelSpec struct {
	Device     int
	Channel    int
	Unipolar   bool
	Reference  Reference
	GainIndex  int
	Scale      float64 // physical units per volt
	Unit       string
	Conversion Polynomial // raw code to volts; filled in by the driver
}

// MaxConversionCoefficients is the length of a conversion polynomial.
const MaxConversionCoefficients = 4

// Polynomial maps raw integer codes to volts:
// v = sum_k Coefficients[k] * (raw - Origin)^k for k <= Order.
type Polynomial struct {
	Order        int
	Origin       float64
	Coefficients [MaxConversionCoefficients]float64
}

// LinearPolynomial returns offset + slope*raw.
func LinearPolynomial(offset, slope float64) Polynomial {
	return Polynomial{Order: 1, Coefficients: [MaxConversionCoefficients]float64{offset, slope}}
}

// CodePolynomial maps the codes 0 .. 2^bits-1 of a converter linearly onto [min, max].
func CodePolynomial(bits int, min, max float64) Polynomial {
	maxcode := math.Exp2(float64(bits)) - 1
	return LinearPolynomial(min, (max-min)/maxcode)
}

// Apply evaluates the polynomial at raw.
func (p Polynomial) Apply(raw float64) float64 {
	x := raw - p.Origin
	order := p.Order
	if order >= MaxConversionCoefficients {
		order = MaxConversionCoefficients - 1
	}
	v := 0.0
	for k := order; k >= 0; k-- {
		v = v*x + p.Coefficients[k]
	}
	return v
}

func (p Polynomial) derivative(raw float64) float64 {
	x := raw - p.Origin
	order := p.Order
	if order >= MaxConversionCoefficients {
		order = MaxConversionCoefficients - 1
	}
	d := 0.0
	for k := order; k >= 1; k-- {
		d = d*x + float64(k)*p.Coefficients[k]
	}
	return d
}

// Invert returns the raw code that maps to volts. Linear polynomials are
// inverted exactly, higher orders by Newton's method.
func (p Polynomial) Invert(volts float64) (float64, error) {
	slope := p.Coefficients[1]
	if p.Order < 1 || slope == 0 {
		return 0, fmt.Errorf("polynomial of order %d with slope %g cannot be inverted", p.Order, slope)
	}
	raw := p.Origin + (volts-p.Coefficients[0])/slope
	if p.Order == 1 {
		return raw, nil
	}
	for i := 0; i < 20; i++ {
		d := p.derivative(raw)
		if d == 0 {
			return raw, fmt.Errorf("polynomial has zero derivative at %g", raw)
		}
		step := (p.Apply(raw) - volts) / d
		raw -= step
		if math.Abs(step) < 1e-9 {
			break
		}
	}
	return raw, nil
}

// GainRange gives the maximum voltages of one gain index. A value <= 0 means
// that polarity is not available at this gain.
type GainRange struct {
	Unipolar float64
	Bipolar  float64
}

// Range is one candidate voltage range of a device.
type Range struct {
	Index    int // gain index; for an external reference it is the device's RangeCount()
	Min, Max float64
	Unipolar bool
	External bool
}

// rangeLister is implemented by both AnalogInput and AnalogOutput.
type rangeLister interface {
	RangeCount() int
	Range(index int) GainRange
}

// DeviceRanges lists the ranges a device offers. A positive externalReference
// adds a bipolar range of that size, selected only when no internal range fits.
func DeviceRanges(dev rangeLister, externalReference float64) []Range {
	var ranges []Range
	n := dev.RangeCount()
	for i := 0; i < n; i++ {
		gr := dev.Range(i)
		if gr.Bipolar > 0 {
			ranges = append(ranges, Range{Index: i, Min: -gr.Bipolar, Max: gr.Bipolar})
		}
		if gr.Unipolar > 0 {
			ranges = append(ranges, Range{Index: i, Min: 0, Max: gr.Unipolar, Unipolar: true})
		}
	}
	if externalReference > 0 {
		ranges = append(ranges, Range{Index: n, Min: -externalReference, Max: externalReference, External: true})
	}
	return ranges
}

// SelectRange picks the smallest range that holds signals between min and max.
// A unipolar range wins a tie when min >= 0. External reference ranges are used
// only if no internal range fits. If nothing fits, the largest range is
// returned together with the Overflow flag.
func SelectRange(ranges []Range, min, max float64) (Range, ErrorFlags) {
	if len(ranges) == 0 {
		return Range{Index: -1}, InvalidGain
	}
	peak := math.Max(math.Abs(min), math.Abs(max))
	pick := func(external bool) (Range, bool) {
		best := Range{}
		found := false
		for _, r := range ranges {
			if r.External != external {
				continue
			}
			if r.Unipolar {
				if min < 0 || r.Max < max {
					continue
				}
			} else if r.Max < peak {
				continue
			}
			if !found || r.Max < best.Max || (r.Max == best.Max && r.Unipolar && !best.Unipolar) {
				best = r
				found = true
			}
		}
		return best, found
	}
	if r, ok := pick(false); ok {
		return r, 0
	}
	if r, ok := pick(true); ok {
		return r, 0
	}
	largest := ranges[0]
	for _, r := range ranges[1:] {
		if r.Max > largest.Max || (r.Max == largest.Max && !r.Unipolar) {
			largest = r
		}
	}
	return largest, Overflow
}

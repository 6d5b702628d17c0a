package daqcore

import (
	"math"
	"sync"
)

// Special intensity values of an OutData.
const (
	MuteIntensity  = -1.0e37 // mute the attenuator of the output line
	UnsetIntensity = -2.0e37 // no intensity requested
)

// OutData is one output signal. The caller owns the samples; drivers annotate
// errors and advance the transfer cursors but never change the samples.
type OutData struct {
	ChannelSpec
	Ident       string
	TraceName   string    // if set, Device and Channel come from the output trace table
	Trace       int       // index into the output trace table, or -1
	Samples     []float32 // in physical units, i.e. volts times Scale
	SampleRate  float64   // Hz
	Delay       float64   // seconds between the start trigger and the first sample
	Continuous  bool
	StartSource int
	Priority    bool
	Restart     bool // restart analog input together with this signal
	Reglitch    bool
	MaxRate     float64 // upper limit for SampleRate from the trace table, 0 if none
	Intensity   float64
	CarrierFreq float64
	Level       float64 // attenuation in dB, set when the attenuator is written
	MinVoltage  float64 // range chosen by the driver
	MaxVoltage  float64
	DaqState

	cursorLock  sync.Mutex
	deviceIndex int // samples moved into the device buffer
	deviceCount int // number of device transfers
}

// NewOutData creates a signal for device 0, channel 0 without intensity.
func NewOutData(samples []float32, rate float64) *OutData {
	od := &OutData{Samples: samples, SampleRate: rate, Trace: -1, Intensity: UnsetIntensity}
	od.Scale = 1
	od.Unit = "V"
	od.Conversion = LinearPolynomial(0, 1)
	return od
}

// Size returns the number of samples.
func (od *OutData) Size() int {
	return len(od.Samples)
}

// Interval returns the sampling interval in seconds.
func (od *OutData) Interval() float64 {
	if od.SampleRate <= 0 {
		return 0
	}
	return 1 / od.SampleRate
}

// Indices converts seconds to samples.
func (od *OutData) Indices(t float64) int {
	return int(math.Floor(t*od.SampleRate + 1e-6))
}

// Duration of the samples in seconds, not counting the delay.
func (od *OutData) Duration() float64 {
	return float64(len(od.Samples)) * od.Interval()
}

// TotalDuration includes the delay.
func (od *OutData) TotalDuration() float64 {
	return od.Delay + od.Duration()
}

// VoltageRange returns the smallest and largest sample in volts.
func (od *OutData) VoltageRange() (float64, float64) {
	if len(od.Samples) == 0 {
		return 0, 0
	}
	scale := od.Scale
	if scale == 0 {
		scale = 1
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range od.Samples {
		v := float64(s) / scale
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// Volts returns sample i in volts.
func (od *OutData) Volts(i int) float64 {
	scale := od.Scale
	if scale == 0 {
		scale = 1
	}
	return float64(od.Samples[i]) / scale
}

// Mute requests muting of the attenuator on this line.
func (od *OutData) Mute() {
	od.Intensity = MuteIntensity
}

// Muted is true if muting was requested.
func (od *OutData) Muted() bool {
	return od.Intensity == MuteIntensity
}

// HasIntensity is true when an intensity or mute was requested.
func (od *OutData) HasIntensity() bool {
	return od.Intensity != UnsetIntensity
}

// DeviceIndex returns how many samples have been moved into the device buffer.
func (od *OutData) DeviceIndex() int {
	od.cursorLock.Lock()
	defer od.cursorLock.Unlock()
	return od.deviceIndex
}

// DeviceCount returns how many transfers to the device have happened.
func (od *OutData) DeviceCount() int {
	od.cursorLock.Lock()
	defer od.cursorLock.Unlock()
	return od.deviceCount
}

// AdvanceDevice records that n more samples were moved into the device buffer.
func (od *OutData) AdvanceDevice(n int) {
	od.cursorLock.Lock()
	od.deviceIndex += n
	od.deviceCount++
	od.cursorLock.Unlock()
}

// ResetDevice rewinds the transfer cursors.
func (od *OutData) ResetDevice() {
	od.cursorLock.Lock()
	od.deviceIndex = 0
	od.deviceCount = 0
	od.cursorLock.Unlock()
}

// OutList is an ordered list of output signals.
type OutList []*OutData

// Len returns the number of signals.
func (ol OutList) Len() int { return len(ol) }

func (ol OutList) state(i int) *DaqState { return &ol[i].DaqState }

// Err merges the errors of all signals, or returns nil.
func (ol OutList) Err() error {
	return listErr(ol, "signal")
}

// Success is true if no signal has an error.
func (ol OutList) Success() bool {
	for _, od := range ol {
		if od.Failed() {
			return false
		}
	}
	return true
}

// Failed is the opposite of Success.
func (ol OutList) Failed() bool { return !ol.Success() }

// ClearError resets the error state of all signals.
func (ol OutList) ClearError() {
	for _, od := range ol {
		od.ClearError()
	}
}

// AddError sets flags on every signal.
func (ol OutList) AddError(flags ErrorFlags) {
	for _, od := range ol {
		od.AddError(flags)
	}
}

// AddErrorStr adds the same description to every signal.
func (ol OutList) AddErrorStr(format string, args ...any) {
	for _, od := range ol {
		od.AddErrorStr(format, args...)
	}
}

// Named returns the signal with the given ident, or nil.
func (ol OutList) Named(ident string) *OutData {
	for _, od := range ol {
		if od.Ident == ident {
			return od
		}
	}
	return nil
}

// MaxDuration returns the longest TotalDuration of the signals.
func (ol OutList) MaxDuration() float64 {
	d := 0.0
	for _, od := range ol {
		d = math.Max(d, od.TotalDuration())
	}
	return d
}

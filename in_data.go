package daqcore

import (
	"math"
	"sync"

	"github.com/usnistgov/daqcore/ringbuffer"
)

// InData is one sampled input trace: a ring buffer of samples in physical units
// plus the channel description and acquisition settings. The capture goroutine
// of the owning device appends under the write lock; everybody else reads
// under the read lock.
type InData struct {
	ChannelSpec
	Ident       string
	SampleRate  float64 // Hz
	Delay       float64 // seconds between the start trigger and the first sample
	Duration    float64 // seconds to acquire; ignored when Continuous
	Continuous  bool
	StartSource int
	Priority    bool
	BufferTime  float64 // seconds of data the driver buffers; 0 means use the Acquire default
	UpdateTime  float64 // seconds between updates; 0 means use the Acquire default
	MinVoltage  float64 // range chosen by the driver
	MaxVoltage  float64
	DaqState

	lock         sync.RWMutex
	buffer       *ringbuffer.RingBuffer[float32]
	signalIndex  int
	restartIndex int
}

// NewInData creates an input trace with an empty ring buffer. The buffer gets
// its capacity when the trace is first read, unless Reserve is called earlier.
func NewInData(ident string, device, channel int, rate float64) *InData {
	id := &InData{Ident: ident, SampleRate: rate, signalIndex: -1}
	id.Device = device
	id.Channel = channel
	id.Scale = 1
	id.Unit = "V"
	id.Conversion = LinearPolynomial(0, 1)
	id.buffer = ringbuffer.New[float32](0)
	return id
}

// VoltageRange returns the input range the driver chose for the trace.
func (id *InData) VoltageRange() (min, max float64) {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return id.MinVoltage, id.MaxVoltage
}

// setVoltageRange stores the input range. Traces that are being acquired
// are checked again by a prioritized TestRead, so an unchanged range is not
// written at all.
func (id *InData) setVoltageRange(min, max float64) {
	id.lock.Lock()
	defer id.lock.Unlock()
	if id.MinVoltage != min || id.MaxVoltage != max {
		id.MinVoltage, id.MaxVoltage = min, max
	}
}

// Interval returns the sampling interval in seconds.
func (id *InData) Interval() float64 {
	if id.SampleRate <= 0 {
		return 0
	}
	return 1 / id.SampleRate
}

// Indices converts a time in seconds to a number of samples.
func (id *InData) Indices(t float64) int {
	return int(math.Floor(t*id.SampleRate + 1e-6))
}

// Capacity of the ring buffer.
func (id *InData) Capacity() int {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return id.buffer.Capacity()
}

// Reserve grows the ring buffer to hold at least n samples.
func (id *InData) Reserve(n int) {
	id.lock.Lock()
	id.buffer.Reserve(n)
	id.lock.Unlock()
}

// Size returns the number of samples acquired so far.
func (id *InData) Size() int {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return id.buffer.Size()
}

// Length returns the duration in seconds of the acquired data.
func (id *InData) Length() float64 {
	return float64(id.Size()) * id.Interval()
}

// MinIndex returns the oldest sample index still held.
func (id *InData) MinIndex() int {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return id.buffer.MinIndex()
}

// At returns sample i, or 0 if it is no longer (or not yet) held.
func (id *InData) At(i int) float32 {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return id.buffer.At(i)
}

// Slice copies the held samples in [from, upto).
func (id *InData) Slice(from, upto int) []float32 {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return id.buffer.Slice(from, upto)
}

// View runs f with the ring buffer under the read lock. f must not keep rb.
func (id *InData) View(f func(rb *ringbuffer.RingBuffer[float32])) {
	id.lock.RLock()
	defer id.lock.RUnlock()
	f(id.buffer)
}

// Update runs f with the ring buffer under the write lock. Drivers use it to
// fill Window() directly.
func (id *InData) Update(f func(rb *ringbuffer.RingBuffer[float32])) {
	id.lock.Lock()
	defer id.lock.Unlock()
	f(id.buffer)
}

// Append pushes samples onto the ring buffer.
func (id *InData) Append(samples []float32) {
	id.lock.Lock()
	id.buffer.PushSlice(samples)
	id.lock.Unlock()
}

// Truncate drops the newest samples so that n remain.
func (id *InData) Truncate(n int) {
	id.lock.Lock()
	if n < id.buffer.Size() {
		id.buffer.Resize(n, 0)
	}
	id.lock.Unlock()
}

// Clear empties the ring buffer and forgets signal and restart indices.
func (id *InData) Clear() {
	id.lock.Lock()
	id.buffer.Clear()
	id.signalIndex = -1
	id.restartIndex = 0
	id.lock.Unlock()
}

// SignalIndex is the sample index at which the most recent output started,
// or -1 if there was none.
func (id *InData) SignalIndex() int {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return id.signalIndex
}

// SetSignalIndex records the start of an output at sample index i.
func (id *InData) SetSignalIndex(i int) {
	id.lock.Lock()
	id.signalIndex = i
	id.lock.Unlock()
}

// SignalTime returns SignalIndex in seconds, or -1.
func (id *InData) SignalTime() float64 {
	i := id.SignalIndex()
	if i < 0 {
		return -1
	}
	return float64(i) * id.Interval()
}

// RestartIndex is the sample index at which acquisition was last restarted.
func (id *InData) RestartIndex() int {
	id.lock.RLock()
	defer id.lock.RUnlock()
	return id.restartIndex
}

// SetRestart marks the current end of the data as a restart point.
func (id *InData) SetRestart() {
	id.lock.Lock()
	id.restartIndex = id.buffer.Size()
	id.lock.Unlock()
}

// ensureCapacity gives an unsized ring buffer room for the requested duration,
// or for defaultSeconds of continuous data.
func (id *InData) ensureCapacity(defaultSeconds float64) {
	id.lock.Lock()
	defer id.lock.Unlock()
	if id.buffer.Capacity() > 0 {
		return
	}
	seconds := defaultSeconds
	if !id.Continuous && id.Duration > 0 {
		seconds = id.Duration + id.Delay
	}
	n := id.Indices(seconds)
	if n < 1 {
		n = 1
	}
	id.buffer.Reserve(n)
}

// InList is an ordered list of input traces.
type InList []*InData

// Len returns the number of traces.
func (il InList) Len() int { return len(il) }

func (il InList) state(i int) *DaqState { return &il[i].DaqState }

// Err merges the errors of all traces, or returns nil.
func (il InList) Err() error {
	return listErr(il, "trace")
}

// Success is true if no trace has an error.
func (il InList) Success() bool {
	for _, id := range il {
		if id.Failed() {
			return false
		}
	}
	return true
}

// Failed is the opposite of Success.
func (il InList) Failed() bool { return !il.Success() }

// ClearError resets the error state of all traces.
func (il InList) ClearError() {
	for _, id := range il {
		id.ClearError()
	}
}

// AddError sets flags on every trace.
func (il InList) AddError(flags ErrorFlags) {
	for _, id := range il {
		id.AddError(flags)
	}
}

// AddErrorStr adds the same description to every trace.
func (il InList) AddErrorStr(format string, args ...any) {
	for _, id := range il {
		id.AddErrorStr(format, args...)
	}
}

// Find returns the trace on the given device and channel, or nil.
func (il InList) Find(device, channel int) *InData {
	for _, id := range il {
		if id.Device == device && id.Channel == channel {
			return id
		}
	}
	return nil
}

// Named returns the trace with the given ident, or nil.
func (il InList) Named(ident string) *InData {
	for _, id := range il {
		if id.Ident == ident {
			return id
		}
	}
	return nil
}

// Package ringbuffer provides RingBuffer, a logically unbounded sequence of
// samples stored in a fixed-capacity circular array.
//
// Every element ever pushed has a logical index. Only the most recent
// Capacity() elements stay resident: indices below MinIndex() have been
// overwritten. Random access outside the resident range returns the zero
// value rather than panicking, because the buffer is filled on the hot path
// of hardware polling. A separate read cursor lets one consumer walk the
// sequence in order; if the producer laps it, the skipped samples are
// counted by Lost().
//
// A RingBuffer is not safe for concurrent use. Owners must lock around it.
package ringbuffer

import (
	"io"
	"math"
	"sort"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/daqcore/getbytes"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Number lists the sample types a RingBuffer can hold.
type Number interface {
	~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// RingBuffer is a bounded-physical, unbounded-logical sample sequence.
type RingBuffer[T Number] struct {
	buffer []T
	size   int // logical size: index of the next element to push
	floor  int // lowest index still stored after Reserve or a shrinking Resize
	read   int // logical index of the next element returned by Read
	lost   int // samples overwritten before Read reached them
}

// New creates a RingBuffer with the given physical capacity.
func New[T Number](capacity int) *RingBuffer[T] {
	rb := new(RingBuffer[T])
	if capacity > 0 {
		rb.buffer = make([]T, capacity)
	}
	return rb
}

// Capacity returns the number of elements the buffer can hold.
func (rb *RingBuffer[T]) Capacity() int {
	return len(rb.buffer)
}

// Size returns the logical number of elements pushed so far.
func (rb *RingBuffer[T]) Size() int {
	return rb.size
}

// Empty is true when nothing has been pushed.
func (rb *RingBuffer[T]) Empty() bool {
	return rb.size == 0
}

// MinIndex returns the lowest logical index that is still resident.
func (rb *RingBuffer[T]) MinIndex() int {
	m := rb.size - len(rb.buffer)
	if m < rb.floor {
		m = rb.floor
	}
	if m > rb.size {
		m = rb.size
	}
	if m < 0 {
		m = 0
	}
	return m
}

// AccessibleSize returns the number of resident elements.
func (rb *RingBuffer[T]) AccessibleSize() int {
	return rb.size - rb.MinIndex()
}

// Clear removes all elements and rewinds the read cursor.
// The capacity is kept.
func (rb *RingBuffer[T]) Clear() {
	rb.size = 0
	rb.floor = 0
	rb.read = 0
	rb.lost = 0
}

// Reserve grows the capacity to at least n elements, keeping the resident
// content at its logical indices. It never shrinks the buffer.
func (rb *RingBuffer[T]) Reserve(n int) {
	oldcap := len(rb.buffer)
	if n <= oldcap {
		return
	}
	newbuf := make([]T, n)
	lo := rb.MinIndex()
	for i := lo; i < rb.size; i++ {
		newbuf[i%n] = rb.buffer[i%oldcap]
	}
	rb.buffer = newbuf
	rb.floor = lo
}

// Resize sets the logical size to n. A smaller n drops the newest elements,
// but never those already returned by Read. A larger n appends copies of fill.
// n <= 0 clears the buffer.
func (rb *RingBuffer[T]) Resize(n int, fill T) {
	if n <= 0 {
		rb.Clear()
		return
	}
	if len(rb.buffer) == 0 {
		rb.Reserve(n)
	}
	if n < rb.size {
		if n < rb.read {
			n = rb.read
		}
		rb.floor = min(rb.MinIndex(), n)
		rb.size = n
		return
	}
	for rb.size < n {
		w := rb.Window()
		if len(w) > n-rb.size {
			w = w[:n-rb.size]
		}
		for i := range w {
			w[i] = fill
		}
		rb.Advance(len(w))
	}
}

// Push appends one element, overwriting the oldest one when the buffer is full.
func (rb *RingBuffer[T]) Push(v T) {
	if len(rb.buffer) > 0 {
		rb.buffer[rb.size%len(rb.buffer)] = v
	}
	rb.size++
}

// PushSlice appends all of values.
func (rb *RingBuffer[T]) PushSlice(values []T) {
	if len(rb.buffer) == 0 {
		rb.size += len(values)
		return
	}
	// Only the last Capacity() values can survive.
	if extra := len(values) - len(rb.buffer); extra > 0 {
		rb.size += extra
		values = values[extra:]
	}
	for len(values) > 0 {
		n := copy(rb.Window(), values)
		rb.Advance(n)
		values = values[n:]
	}
}

// MaxPush returns how many elements can be written into Window() at once.
func (rb *RingBuffer[T]) MaxPush() int {
	if len(rb.buffer) == 0 {
		return 0
	}
	return len(rb.buffer) - rb.size%len(rb.buffer)
}

// Window returns the writable slice starting at the logical end of the buffer.
// Fill any prefix of it, then call Advance with the number of elements written.
func (rb *RingBuffer[T]) Window() []T {
	if len(rb.buffer) == 0 {
		return nil
	}
	return rb.buffer[rb.size%len(rb.buffer):]
}

// Advance commits n elements previously written into Window().
func (rb *RingBuffer[T]) Advance(n int) {
	if n <= 0 {
		return
	}
	if room := rb.MaxPush(); n > room {
		n = room
	}
	rb.size += n
}

// dragReadCursor moves a lapped read cursor up to the oldest resident
// element, counting what the producer overwrote.
func (rb *RingBuffer[T]) dragReadCursor() {
	if lo := rb.MinIndex(); rb.read < lo {
		rb.lost += lo - rb.read
		rb.read = lo
	}
}

// At returns element i, or the zero value when i is not resident.
func (rb *RingBuffer[T]) At(i int) T {
	if i < rb.MinIndex() || i >= rb.size {
		var zero T
		return zero
	}
	return rb.buffer[i%len(rb.buffer)]
}

// Front returns the oldest resident element (zero if none).
func (rb *RingBuffer[T]) Front() T {
	return rb.At(rb.MinIndex())
}

// Back returns the newest element (zero if none).
func (rb *RingBuffer[T]) Back() T {
	return rb.At(rb.size - 1)
}

// Read returns the element at the read cursor and advances it.
// It returns false when every pushed element has been read.
func (rb *RingBuffer[T]) Read() (T, bool) {
	rb.dragReadCursor()
	if rb.read >= rb.size {
		var zero T
		return zero, false
	}
	v := rb.buffer[rb.read%len(rb.buffer)]
	rb.read++
	return v, true
}

// ReadIndex returns the logical index of the next element Read will return.
func (rb *RingBuffer[T]) ReadIndex() int {
	if lo := rb.MinIndex(); rb.read < lo {
		return lo
	}
	return rb.read
}

// ReadSize returns how many resident elements have not yet been read.
// It never exceeds Capacity().
func (rb *RingBuffer[T]) ReadSize() int {
	return rb.size - rb.ReadIndex()
}

// Lost returns the number of samples overwritten before they were read,
// including any the read cursor is currently behind.
func (rb *RingBuffer[T]) Lost() int {
	if lo := rb.MinIndex(); rb.read < lo {
		return rb.lost + lo - rb.read
	}
	return rb.lost
}

// clamp limits [from, upto) to the resident range.
func (rb *RingBuffer[T]) clamp(from, upto int) (int, int) {
	if lo := rb.MinIndex(); from < lo {
		from = lo
	}
	if upto > rb.size {
		upto = rb.size
	}
	if upto < from {
		upto = from
	}
	return from, upto
}

// Resident returns a copy of the resident elements, oldest first.
func (rb *RingBuffer[T]) Resident() []T {
	return rb.Slice(rb.MinIndex(), rb.size)
}

// Slice returns a copy of the elements in [from, upto), clamped to the resident range.
func (rb *RingBuffer[T]) Slice(from, upto int) []T {
	from, upto = rb.clamp(from, upto)
	out := make([]T, upto-from)
	if len(out) == 0 {
		return out
	}
	n := len(rb.buffer)
	first := copy(out, rb.buffer[from%n:min(n, from%n+len(out))])
	copy(out[first:], rb.buffer)
	return out
}

func (rb *RingBuffer[T]) float64s(from, upto int) []float64 {
	from, upto = rb.clamp(from, upto)
	x := make([]float64, 0, upto-from)
	for i := from; i < upto; i++ {
		x = append(x, float64(rb.buffer[i%len(rb.buffer)]))
	}
	return x
}

// Min returns the smallest element in [from, upto) of the resident range.
func (rb *RingBuffer[T]) Min(from, upto int) float64 {
	x := rb.float64s(from, upto)
	if len(x) == 0 {
		return 0
	}
	return floats.Min(x)
}

// Max returns the largest element in [from, upto) of the resident range.
func (rb *RingBuffer[T]) Max(from, upto int) float64 {
	x := rb.float64s(from, upto)
	if len(x) == 0 {
		return 0
	}
	return floats.Max(x)
}

// MinMax returns both extremes in one pass over the data.
func (rb *RingBuffer[T]) MinMax(from, upto int) (float64, float64) {
	x := rb.float64s(from, upto)
	if len(x) == 0 {
		return 0, 0
	}
	return floats.Min(x), floats.Max(x)
}

// Mean of [from, upto) over the resident range.
func (rb *RingBuffer[T]) Mean(from, upto int) float64 {
	x := rb.float64s(from, upto)
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// Variance is the unbiased sample variance of [from, upto).
func (rb *RingBuffer[T]) Variance(from, upto int) float64 {
	x := rb.float64s(from, upto)
	if len(x) < 2 {
		return 0
	}
	return stat.Variance(x, nil)
}

// Stdev is the square root of Variance.
func (rb *RingBuffer[T]) Stdev(from, upto int) float64 {
	x := rb.float64s(from, upto)
	if len(x) < 2 {
		return 0
	}
	return stat.StdDev(x, nil)
}

// RMS is the root mean square of [from, upto).
func (rb *RingBuffer[T]) RMS(from, upto int) float64 {
	x := rb.float64s(from, upto)
	if len(x) == 0 {
		return 0
	}
	return math.Sqrt(floats.Dot(x, x) / float64(len(x)))
}

// Hist counts the resident elements falling into nbins equal bins spanning
// [lo, hi). Elements outside that interval are not counted.
func (rb *RingBuffer[T]) Hist(nbins int, lo, hi float64) []float64 {
	if nbins <= 0 || !(hi > lo) {
		return nil
	}
	x := rb.float64s(rb.MinIndex(), rb.size)
	inside := x[:0]
	for _, v := range x {
		if v >= lo && v < hi {
			inside = append(inside, v)
		}
	}
	dividers := floats.Span(make([]float64, nbins+1), lo, hi)
	if len(inside) == 0 {
		return make([]float64, nbins)
	}
	sort.Float64s(inside)
	return stat.Histogram(nil, dividers, inside, nil)
}

// WriteRaw writes the resident elements in native byte order.
func (rb *RingBuffer[T]) WriteRaw(w io.Writer) error {
	_, err := w.Write(getbytes.FromSlice(rb.Resident()))
	return err
}

// WriteNPY writes the resident elements as a 1-d numpy array.
func (rb *RingBuffer[T]) WriteNPY(w io.Writer) error {
	return npyio.Write(w, rb.Resident())
}

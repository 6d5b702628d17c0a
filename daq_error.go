package daqcore

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrorFlags is a bit set of acquisition problems attached to an input trace
// or an output signal.
type ErrorFlags uint64

// The individual ErrorFlags bits.
const (
	NoDevice ErrorFlags = 1 << iota
	DeviceNotOpen
	MultipleDevices
	InvalidStartSource
	MultipleStartSources
	InvalidDelay
	MultipleDelays
	MultiplePriorities
	InvalidSampleRate
	MultipleSampleRates
	InvalidContinuous
	MultipleContinuous
	MultipleRestart
	NoData
	MultipleBuffersizes
	InvalidBufferTime
	MultipleBufferTimes
	InvalidUpdateTime
	MultipleUpdateTimes
	InvalidTrace
	InvalidChannel
	MultipleChannels
	InvalidReference
	MultipleReferences
	InvalidDither
	MultipleDither
	InvalidReglitch
	MultipleReglitch
	InvalidGain
	MultipleGains
	Underflow
	Overflow
	CalibrationFailed
	InvalidChannelType
	InvalidChannelSequence
	Busy
	DeviceError
	OverflowUnderrun
	Unknown
	NoIntensity
	AttNotOpen
	AttInvalidDevice
	AttFailed
	AttUnderflow
	AttOverflow
	AttIntensityUnderflow
	AttIntensityOverflow
	AttIntensityFailed
	lastErrorFlag
)

var errorTexts = [...]string{
	"no device", "device not open", "multiple devices",
	"invalid start source", "multiple start sources",
	"invalid delay", "multiple delays", "multiple priorities",
	"invalid sampling rate", "multiple sampling rates",
	"continuous mode not supported", "multiple continuous modes",
	"multiple restart requests", "no data", "multiple buffer sizes",
	"invalid size for the driver's buffer", "multiple sizes for the driver's buffer",
	"invalid size for the update buffer", "multiple sizes for the update buffer",
	"invalid trace specification", "invalid channel", "multiple channels",
	"invalid reference", "multiple references",
	"dither not supported", "multiple dither settings",
	"reglitch not supported", "multiple reglitch settings",
	"invalid gain", "multiple gains",
	"signal underflow", "signal overflow", "calibration failed",
	"invalid channel type", "invalid channel sequence",
	"busy", "device error", "overflow/underrun", "unknown",
	"intensity not set",
	"attenuator not open", "invalid attenuator device",
	"attenuator failed", "attenuator underflow", "attenuator overflow",
	"attenuator intensity underflow", "attenuator intensity overflow",
	"attenuator intensity failed",
}

// String lists the descriptions of all set flags, separated by commas.
func (f ErrorFlags) String() string {
	if f == 0 {
		return ""
	}
	var parts []string
	for i, text := range errorTexts {
		if f&(1<<uint(i)) != 0 {
			parts = append(parts, text)
		}
	}
	if f >= lastErrorFlag {
		parts = append(parts, "unknown error")
	}
	return strings.Join(parts, ", ")
}

// DaqError is the error value returned for flagged traces and signals.
type DaqError struct {
	Flags ErrorFlags
	Text  string // free-form detail, e.g. errno strings from the driver
}

func (e *DaqError) Error() string {
	msg := e.Flags.String()
	switch {
	case msg == "":
		return e.Text
	case e.Text == "":
		return msg
	}
	return msg + ", " + e.Text
}

// Has tells whether any of flags is set in e.
func (e *DaqError) Has(flags ErrorFlags) bool {
	return e.Flags&flags != 0
}

// FlagsOf returns the ErrorFlags carried anywhere in err's chain.
func FlagsOf(err error) ErrorFlags {
	var de *DaqError
	if errors.As(err, &de) {
		return de.Flags
	}
	return 0
}

// DaqState holds the error state of one trace or signal. Drivers set it from
// their transfer goroutines while callers inspect it, so it is locked.
type DaqState struct {
	lock  sync.Mutex
	flags ErrorFlags
	texts []string
}

// Flags returns the set error flags.
func (s *DaqState) Flags() ErrorFlags {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.flags
}

// AddError sets the given flags in addition to those already set.
func (s *DaqState) AddError(flags ErrorFlags) {
	s.lock.Lock()
	s.flags |= flags
	s.lock.Unlock()
}

// SetError replaces the flags.
func (s *DaqState) SetError(flags ErrorFlags) {
	s.lock.Lock()
	s.flags = flags
	s.lock.Unlock()
}

// DelError clears the given flags.
func (s *DaqState) DelError(flags ErrorFlags) {
	s.lock.Lock()
	s.flags &^= flags
	s.lock.Unlock()
}

// AddErrorStr appends a free-form error description.
func (s *DaqState) AddErrorStr(format string, args ...any) {
	s.lock.Lock()
	s.texts = append(s.texts, fmt.Sprintf(format, args...))
	s.lock.Unlock()
}

// ClearError removes all flags and texts.
func (s *DaqState) ClearError() {
	s.lock.Lock()
	s.flags = 0
	s.texts = nil
	s.lock.Unlock()
}

// Success is true if neither flags nor texts are set.
func (s *DaqState) Success() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.flags == 0 && len(s.texts) == 0
}

// Failed is the opposite of Success.
func (s *DaqState) Failed() bool {
	return !s.Success()
}

// ErrorText describes flags and texts in one line.
func (s *DaqState) ErrorText() string {
	if err := s.Err(); err != nil {
		return err.Error()
	}
	return ""
}

// Err returns nil on success, otherwise a *DaqError.
func (s *DaqState) Err() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.flags == 0 && len(s.texts) == 0 {
		return nil
	}
	return &DaqError{Flags: s.flags, Text: strings.Join(s.texts, ", ")}
}

// errorLister is implemented by InList and OutList.
type errorLister interface {
	Len() int
	state(i int) *DaqState
}

// listErr merges the errors of all elements of a list into one *DaqError.
func listErr(l errorLister, what string) error {
	var flags ErrorFlags
	var texts []string
	for i := 0; i < l.Len(); i++ {
		st := l.state(i)
		err := st.Err()
		if err == nil {
			continue
		}
		de := err.(*DaqError)
		flags |= de.Flags
		texts = append(texts, fmt.Sprintf("%s %d: %s", what, i, de.Error()))
	}
	if flags == 0 && len(texts) == 0 {
		return nil
	}
	return &DaqError{Flags: flags, Text: strings.Join(texts, "; ")}
}

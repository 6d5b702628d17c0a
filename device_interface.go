package daqcore

import (
	"errors"
	"fmt"
	"sync"
)

// Return values of TransferBuffer besides a positive number of milliseconds.
const (
	TransferNone     = 0  // nothing was ready
	TransferComplete = -1 // finite acquisition or output is done
	TransferFailed   = -2 // hardware error; Reset before arming again
)

// Device is what every acquisition device can do.
type Device interface {
	Open(file string) error
	IsOpen() bool
	Close() error
	DeviceIdent() string
	DeviceFile() string
	Info() string
}

// Converter describes the converters of an analog subdevice.
type Converter interface {
	Channels() int
	Bits() int
	MaxRate() float64
	RangeCount() int
	Range(index int) GainRange
}

// Link tells that a device starts another one. Index refers to the slice
// that was passed to Take.
type Link struct {
	Index      int
	RateLocked bool // the started device must run at the starter's rate
}

// Chain lists the armed devices that must be started in the same
// instruction batch as the device receiving it.
type Chain struct {
	Inputs  []AnalogInput
	Outputs []AnalogOutput
}

// Len returns the number of chained devices.
func (c Chain) Len() int {
	return len(c.Inputs) + len(c.Outputs)
}

// AnalogInput is the driver interface of an analog input subdevice.
// TestRead validates and corrects the traces in place without touching the
// device. PrepareRead cancels a pending command, tests again and arms the
// device. StartRead starts it together with the chained devices.
// TransferBuffer moves acquired samples into the traces without blocking.
type AnalogInput interface {
	Device
	Converter
	TestRead(traces InList) error
	PrepareRead(traces InList) error
	StartRead(chain Chain) error
	TransferBuffer() int
	Stop() error
	Reset() error
	Running() bool
	Status() ErrorFlags
	Take(ais []AnalogInput, aos []AnalogOutput) (ai, ao []Link)
}

// AnalogOutput is the driver interface of an analog output subdevice.
type AnalogOutput interface {
	Device
	Converter
	TestWrite(sigs OutList) error
	PrepareWrite(sigs OutList) error
	StartWrite(chain Chain) error
	TransferBuffer() int
	Stop() error
	Reset() error
	Running() bool
	Status() ErrorFlags
	// AISyncDevice returns the index into ais of the input whose sample
	// counter this output can read, or -1.
	AISyncDevice(ais []AnalogInput) int
	Take(aos []AnalogOutput) []Link
	// Index returns the input sample index at which the last output started,
	// or -1.
	Index() int
}

// Errors returned by Attenuator implementations.
var (
	ErrAttNotOpen     = errors.New("attenuator not open")
	ErrAttInvalidLine = errors.New("invalid attenuator line")
	ErrAttUnderflow   = errors.New("attenuation below minimum")
	ErrAttOverflow    = errors.New("attenuation above maximum")
	ErrAttFailed      = errors.New("attenuator failed")
)

// Attenuator drives a programmable attenuator with one or more lines.
// Attenuate sets the attenuation of line to the nearest available step and
// returns the value actually set. When the request is out of range the
// nearest limit is set and ErrAttUnderflow or ErrAttOverflow is returned.
type Attenuator interface {
	Device
	Lines() int
	Attenuate(line int, decibel float64) (float64, error)
	TestAttenuate(line int, decibel float64) (float64, error)
	Mute(line int) error
	TestMute(line int) error
}

// attErrorFlags maps an attenuator error onto the flag of a signal.
func attErrorFlags(err error) ErrorFlags {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAttNotOpen):
		return AttNotOpen
	case errors.Is(err, ErrAttInvalidLine):
		return AttInvalidDevice
	case errors.Is(err, ErrAttUnderflow):
		return AttUnderflow
	case errors.Is(err, ErrAttOverflow):
		return AttOverflow
	case errors.Is(err, ErrIntensityUnderflow):
		return AttIntensityUnderflow
	case errors.Is(err, ErrIntensityOverflow):
		return AttIntensityOverflow
	case errors.Is(err, ErrIntensityFailed):
		return AttIntensityFailed
	}
	return AttFailed
}

// AnyDevice holds what all devices share: identity, device file and the
// open flag, guarded by one mutex. Drivers embed it.
type AnyDevice struct {
	ident  string
	file   string
	isOpen bool
	lock   sync.Mutex
}

// DeviceIdent returns the configured name of the device.
func (d *AnyDevice) DeviceIdent() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.ident
}

// SetDeviceIdent names the device.
func (d *AnyDevice) SetDeviceIdent(ident string) {
	d.lock.Lock()
	d.ident = ident
	d.lock.Unlock()
}

// DeviceFile returns the file the device was opened with.
func (d *AnyDevice) DeviceFile() string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.file
}

// IsOpen tells whether Open succeeded and Close was not called since.
func (d *AnyDevice) IsOpen() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.isOpen
}

func (d *AnyDevice) setOpen(file string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.isOpen {
		return fmt.Errorf("device %q is already open on %s", d.ident, d.file)
	}
	d.file = file
	d.isOpen = true
	return nil
}

func (d *AnyDevice) setClosed() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.isOpen {
		return fmt.Errorf("device %q is not open", d.ident)
	}
	d.isOpen = false
	return nil
}

func (d *AnyDevice) describe(kind string) string {
	d.lock.Lock()
	defer d.lock.Unlock()
	state := "closed"
	if d.isOpen {
		state = "open"
	}
	return fmt.Sprintf("%s %q on %q (%s)", kind, d.ident, d.file, state)
}

// Package rtmodule talks to the real-time kernel module that runs the
// acquisition loop. User space configures subdevices with ioctl calls on the
// module's character device and exchanges samples through one FIFO per
// subdevice (/dev/rtf<N>), in records of float32.
package rtmodule

import "unsafe"

// Major is the character device major number of the module and the ioctl type.
const Major = 227

// Limits shared with the kernel module.
const (
	MaxFrequency    = 50000 // Hz, fastest loop the module runs
	ParamChanOffset = 1000  // channels at or above this are model parameters
	DevNameMaxLen   = 128
	MaxChanList     = 128
	MaxDev          = 4
	MaxSubdev       = 8
	MaxConversion   = 4
	FifoSize        = 640000 // bytes
)

// Values of CHK_RUNNING besides a positive "running" and 0 "stopped".
const (
	EComedi      = -1 // the driver reported an error
	ENoData      = -2 // no data available
	EUnderrun    = -3 // output FIFO ran empty
	EOverflow    = -4 // input FIFO overflowed
	ENoFifo      = -5 // no FIFO attached
	EStoppedByAI = -6 // output stopped because input stopped
)

// StatusText describes a CHK_RUNNING value.
func StatusText(code int) string {
	switch {
	case code > 0:
		return "running"
	case code == 0:
		return "stopped"
	}
	switch code {
	case EComedi:
		return "comedi error"
	case ENoData:
		return "no data"
	case EUnderrun:
		return "buffer underrun"
	case EOverflow:
		return "buffer overflow"
	case ENoFifo:
		return "no FIFO"
	case EStoppedByAI:
		return "stopped by analog input"
	}
	return "unknown status"
}

// Linux ioctl request encoding.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr uint) uint {
	size := uint(unsafe.Sizeof(int32(0)))
	return dir<<iocDirShift | Major<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// Requests understood by the module. All of them are declared with an int
// argument, the module reads the actual struct through the pointer.
var (
	IocGetSubdevID   = ioc(iocRead, 1)
	IocOpenSubdev    = ioc(iocRead|iocWrite, 2)
	IocChanlist      = ioc(iocWrite, 3)
	IocSyncCmd       = ioc(iocWrite, 5)
	IocStartSubdev   = ioc(iocWrite, 6)
	IocChkRunning    = ioc(iocRead|iocWrite, 7)
	IocReqClose      = ioc(iocWrite, 10)
	IocStopSubdev    = ioc(iocWrite, 11)
	IocReleaseSubdev = ioc(iocWrite, 12)
	IocGetRate       = ioc(iocRead, 18)
	IocGetAOIndex    = ioc(iocRead, 24)
)

var requestNames = map[uint]string{
	IocGetSubdevID:   "GET_SUBDEV_ID",
	IocOpenSubdev:    "OPEN_SUBDEV",
	IocChanlist:      "CHANLIST",
	IocSyncCmd:       "SYNC_CMD",
	IocStartSubdev:   "START_SUBDEV",
	IocChkRunning:    "CHK_RUNNING",
	IocReqClose:      "REQ_CLOSE",
	IocStopSubdev:    "STOP_SUBDEV",
	IocReleaseSubdev: "RELEASE_SUBDEV",
	IocGetRate:       "GETRATE",
	IocGetAOIndex:    "GETAOINDEX",
}

// RequestName returns the name of an ioctl request for error messages.
func RequestName(req uint) string {
	if name, ok := requestNames[req]; ok {
		return name
	}
	return "unknown ioctl"
}

// SubdevType tells the direction of a subdevice.
type SubdevType uint32

// Subdevice directions, same order as the module's enum.
const (
	SubdevIn SubdevType = iota
	SubdevOut
	SubdevDIO
)

func (t SubdevType) String() string {
	switch t {
	case SubdevIn:
		return "input"
	case SubdevOut:
		return "output"
	case SubdevDIO:
		return "digital"
	}
	return "unknown"
}

// The structs below mirror the kernel module's structs field by field.
// Go inserts the same padding as the C compiler on amd64 and arm64.

// DeviceIOCT is the argument of OPEN_SUBDEV. The module fills in FifoIndex
// and FifoSize.
type DeviceIOCT struct {
	SubdevID   uint32
	Subdev     uint32
	DeviceName [DevNameMaxLen + 1]byte
	SubdevType SubdevType
	FifoIndex  uint32
	FifoSize   uint32
}

// SetDeviceName copies name into the fixed size, null terminated field.
func (d *DeviceIOCT) SetDeviceName(name string) {
	d.DeviceName = [DevNameMaxLen + 1]byte{}
	copy(d.DeviceName[:DevNameMaxLen], name)
}

// ConverterT is the conversion polynomial of one channel.
type ConverterT struct {
	Order           uint32
	ExpansionOrigin float64
	Coefficients    [MaxConversion]float64
}

// ChanlistIOCT is the argument of CHANLIST.
type ChanlistIOCT struct {
	SubdevID        uint32
	UserDeviceIndex int32
	ChanlistN       uint32
	Chanlist        [MaxChanList]uint32
	Scalelist       [MaxChanList]float32
	Conversionlist  [MaxChanList]ConverterT
}

// SyncCmdIOCT is the argument of SYNC_CMD. Delay and Duration count samples;
// a zero Duration with Continuous set runs until stopped.
type SyncCmdIOCT struct {
	SubdevID    uint32
	Frequency   uint32
	Delay       uint64
	Duration    uint64
	StartSource int32
	Continuous  int32
}

// StartIOCT is the argument of START_SUBDEV: all subdevices that have to
// start in the same cycle of the loop.
type StartIOCT struct {
	N         uint32
	SubdevIDs [MaxDev * MaxSubdev]uint32
}

// RateIOCT is the argument of GETRATE.
type RateIOCT struct {
	SubdevID uint32
	Rate     uint32
}

// IndexIOCT is the argument of GETAOINDEX: the input sample count at which
// the output subdevice started, or -1.
type IndexIOCT struct {
	SubdevID uint32
	Index    int32
}

// StatusIOCT is the argument of CHK_RUNNING.
type StatusIOCT struct {
	SubdevID uint32
	Status   int32
}

// PackChannel encodes channel, range and analog reference the way comedi's
// CR_PACK does.
func PackChannel(channel, rng, aref int) uint32 {
	return uint32(aref&0x3)<<24 | uint32(rng&0xff)<<16 | uint32(channel&0xffff)
}

// UnpackChannel is the inverse of PackChannel.
func UnpackChannel(code uint32) (channel, rng, aref int) {
	return int(code & 0xffff), int(code>>16) & 0xff, int(code>>24) & 0x3
}

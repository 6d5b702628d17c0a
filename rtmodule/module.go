package rtmodule

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDevice is where the module's character device lives.
const DefaultDevice = "/dev/rtmodule"

// ErrNotOpen is returned for calls on a closed module.
var ErrNotOpen = errors.New("kernel module not open")

// Moduler is the interface to the kernel module. Module talks to the real
// thing, NoModule emulates it for tests. Ioctl errors carry the errno text.
// ReadFifo and WriteFifo never block; they return 0 bytes when the FIFO is
// momentarily empty or full.
type Moduler interface {
	Path() string
	Close() error
	SubdevID() (uint32, error)
	OpenSubdev(dev *DeviceIOCT) error
	Chanlist(cl *ChanlistIOCT) error
	SyncCmd(sc *SyncCmdIOCT) error
	Start(st *StartIOCT) error
	Status(id uint32) (int, error)
	Rate(id uint32) (uint32, error)
	AOIndex(id uint32) (int, error)
	Stop(id uint32) error
	Release(id uint32) error
	ReqClose(id uint32) error
	ReadFifo(index uint32, buf []byte) (int, error)
	WriteFifo(index uint32, buf []byte) (int, error)
}

// Module is an open kernel module device.
type Module struct {
	path  string
	fd    int
	fifos map[uint32]int
	sync.Mutex
}

// Open opens the module's character device without blocking.
func Open(path string) (*Module, error) {
	if path == "" {
		path = DefaultDevice
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening kernel module %s: %w", path, err)
	}
	return &Module{path: path, fd: fd, fifos: make(map[uint32]int)}, nil
}

// Path returns the device file of the module.
func (m *Module) Path() string {
	return m.path
}

// Close closes the FIFOs and the module device.
func (m *Module) Close() error {
	m.Lock()
	defer m.Unlock()
	if m.fd < 0 {
		return ErrNotOpen
	}
	for index, fd := range m.fifos {
		unix.Close(fd)
		delete(m.fifos, index)
	}
	err := unix.Close(m.fd)
	m.fd = -1
	if err != nil {
		return fmt.Errorf("closing kernel module %s: %w", m.path, err)
	}
	return nil
}

func (m *Module) ioctl(req uint, arg uintptr) error {
	m.Lock()
	fd := m.fd
	m.Unlock()
	if fd < 0 {
		return ErrNotOpen
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return fmt.Errorf("ioctl %s on %s failed: %w", RequestName(req), m.path, errno)
	}
	return nil
}

func (m *Module) ioctlPtr(req uint, arg unsafe.Pointer) error {
	return m.ioctl(req, uintptr(arg))
}

// SubdevID asks the module for a free subdevice id.
func (m *Module) SubdevID() (uint32, error) {
	var id uint32
	err := m.ioctlPtr(IocGetSubdevID, unsafe.Pointer(&id))
	return id, err
}

// OpenSubdev attaches a comedi subdevice to id.
func (m *Module) OpenSubdev(dev *DeviceIOCT) error {
	return m.ioctlPtr(IocOpenSubdev, unsafe.Pointer(dev))
}

// Chanlist loads the channel list.
func (m *Module) Chanlist(cl *ChanlistIOCT) error {
	return m.ioctlPtr(IocChanlist, unsafe.Pointer(cl))
}

// SyncCmd loads the acquisition command.
func (m *Module) SyncCmd(sc *SyncCmdIOCT) error {
	return m.ioctlPtr(IocSyncCmd, unsafe.Pointer(sc))
}

// Start starts all subdevices of st in one loop cycle.
func (m *Module) Start(st *StartIOCT) error {
	return m.ioctlPtr(IocStartSubdev, unsafe.Pointer(st))
}

// Status returns the CHK_RUNNING code of subdevice id.
func (m *Module) Status(id uint32) (int, error) {
	st := StatusIOCT{SubdevID: id}
	if err := m.ioctlPtr(IocChkRunning, unsafe.Pointer(&st)); err != nil {
		return 0, err
	}
	return int(st.Status), nil
}

// Rate returns the loop rate the subdevice actually runs at.
func (m *Module) Rate(id uint32) (uint32, error) {
	r := RateIOCT{SubdevID: id}
	if err := m.ioctlPtr(IocGetRate, unsafe.Pointer(&r)); err != nil {
		return 0, err
	}
	return r.Rate, nil
}

// AOIndex returns the input sample count at which output subdevice id started.
func (m *Module) AOIndex(id uint32) (int, error) {
	ix := IndexIOCT{SubdevID: id, Index: -1}
	if err := m.ioctlPtr(IocGetAOIndex, unsafe.Pointer(&ix)); err != nil {
		return -1, err
	}
	return int(ix.Index), nil
}

// Stop stops subdevice id.
func (m *Module) Stop(id uint32) error {
	return m.ioctl(IocStopSubdev, uintptr(id))
}

// Release detaches the comedi subdevice from id.
func (m *Module) Release(id uint32) error {
	return m.ioctl(IocReleaseSubdev, uintptr(id))
}

// ReqClose hands subdevice id back to the module.
func (m *Module) ReqClose(id uint32) error {
	return m.ioctl(IocReqClose, uintptr(id))
}

func (m *Module) fifo(index uint32, mode int) (int, error) {
	m.Lock()
	defer m.Unlock()
	if m.fd < 0 {
		return -1, ErrNotOpen
	}
	if fd, ok := m.fifos[index]; ok {
		return fd, nil
	}
	name := fmt.Sprintf("/dev/rtf%d", index)
	fd, err := unix.Open(name, mode|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("opening FIFO %s: %w", name, err)
	}
	m.fifos[index] = fd
	return fd, nil
}

// tryAgain tells whether a failed FIFO access should just be repeated later.
func tryAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// ReadFifo reads what the FIFO holds, up to len(buf) bytes.
func (m *Module) ReadFifo(index uint32, buf []byte) (int, error) {
	fd, err := m.fifo(index, unix.O_RDONLY)
	if err != nil {
		return 0, err
	}
	n, err := unix.Read(fd, buf)
	if err != nil {
		if tryAgain(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading FIFO %d: %w", index, err)
	}
	return n, nil
}

// WriteFifo writes as much of buf as the FIFO takes.
func (m *Module) WriteFifo(index uint32, buf []byte) (int, error) {
	fd, err := m.fifo(index, unix.O_WRONLY)
	if err != nil {
		return 0, err
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		if tryAgain(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("writing FIFO %d: %w", index, err)
	}
	return n, nil
}

// Available tells whether the module's device file exists.
func Available(path string) bool {
	if path == "" {
		path = DefaultDevice
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeDevice != 0
}

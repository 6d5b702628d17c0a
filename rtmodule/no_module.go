package rtmodule

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/usnistgov/daqcore/getbytes"
	"golang.org/x/sys/unix"
)

type fakeSubdev struct {
	id        uint32
	kind      SubdevType
	fifo      uint32
	opened    bool
	nchannels int
	cmd       *SyncCmdIOCT
	running   bool
	started   time.Time
	stopped   time.Time
	status    int   // sticky status set by InjectStatus, 0 if none
	produced  int64 // input frames handed out
	written   int64 // output frames accepted
	aoIndex   int64 // input frames at the start of an output
	samples   []float32
}

// NoModule is a drop in replacement for Module (implements Moduler) that
// requires no hardware. Input subdevices produce a 10 Hz sine on every
// channel, output subdevices consume samples at their rate and keep them.
// Time runs TimeScale times faster than the wall clock.
type NoModule struct {
	TimeScale float64
	isOpen    bool
	nextID    uint32
	subdevs   map[uint32]*fakeSubdev
	sync.Mutex
}

// NewNoModule returns an open fake module.
func NewNoModule(timeScale float64) *NoModule {
	if timeScale <= 0 {
		timeScale = 1
	}
	return &NoModule{TimeScale: timeScale, isOpen: true, subdevs: make(map[uint32]*fakeSubdev)}
}

// Path returns a name for messages.
func (nm *NoModule) Path() string {
	return "nomodule"
}

// Close errors if already closed.
func (nm *NoModule) Close() error {
	nm.Lock()
	defer nm.Unlock()
	if !nm.isOpen {
		return ErrNotOpen
	}
	nm.isOpen = false
	return nil
}

func (nm *NoModule) fail(req uint, errno unix.Errno) error {
	return fmt.Errorf("ioctl %s on %s failed: %w", RequestName(req), nm.Path(), errno)
}

// subdev returns the subdevice with id. Call with the lock held.
func (nm *NoModule) subdev(req uint, id uint32) (*fakeSubdev, error) {
	if !nm.isOpen {
		return nil, ErrNotOpen
	}
	sd, ok := nm.subdevs[id]
	if !ok {
		return nil, nm.fail(req, unix.EINVAL)
	}
	return sd, nil
}

// SubdevID hands out the next free id.
func (nm *NoModule) SubdevID() (uint32, error) {
	nm.Lock()
	defer nm.Unlock()
	if !nm.isOpen {
		return 0, ErrNotOpen
	}
	if len(nm.subdevs) >= MaxDev*MaxSubdev {
		return 0, nm.fail(IocGetSubdevID, unix.ENOSPC)
	}
	id := nm.nextID
	nm.nextID++
	nm.subdevs[id] = &fakeSubdev{id: id}
	return id, nil
}

// OpenSubdev attaches a fake FIFO to the subdevice.
func (nm *NoModule) OpenSubdev(dev *DeviceIOCT) error {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.subdev(IocOpenSubdev, dev.SubdevID)
	if err != nil {
		return err
	}
	if sd.opened {
		return nm.fail(IocOpenSubdev, unix.EBUSY)
	}
	sd.opened = true
	sd.kind = dev.SubdevType
	sd.fifo = dev.SubdevID
	dev.FifoIndex = sd.fifo
	dev.FifoSize = FifoSize
	return nil
}

// Chanlist records the number of channels.
func (nm *NoModule) Chanlist(cl *ChanlistIOCT) error {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.subdev(IocChanlist, cl.SubdevID)
	if err != nil {
		return err
	}
	if !sd.opened || sd.running || cl.ChanlistN == 0 || cl.ChanlistN > MaxChanList {
		return nm.fail(IocChanlist, unix.EINVAL)
	}
	sd.nchannels = int(cl.ChanlistN)
	sd.cmd = nil
	return nil
}

// SyncCmd records the command. Rates above MaxFrequency are refused.
func (nm *NoModule) SyncCmd(sc *SyncCmdIOCT) error {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.subdev(IocSyncCmd, sc.SubdevID)
	if err != nil {
		return err
	}
	if sd.nchannels == 0 || sd.running || sc.Frequency == 0 || sc.Frequency > MaxFrequency {
		return nm.fail(IocSyncCmd, unix.EINVAL)
	}
	cmd := *sc
	sd.cmd = &cmd
	sd.status = 0
	sd.started = time.Time{}
	sd.stopped = time.Time{}
	sd.produced = 0
	sd.written = 0
	sd.samples = sd.samples[:0]
	return nil
}

// Start starts all listed subdevices at the same instant.
func (nm *NoModule) Start(st *StartIOCT) error {
	nm.Lock()
	defer nm.Unlock()
	if st.N == 0 || int(st.N) > len(st.SubdevIDs) {
		return nm.fail(IocStartSubdev, unix.EINVAL)
	}
	var subdevs []*fakeSubdev
	for _, id := range st.SubdevIDs[:st.N] {
		sd, err := nm.subdev(IocStartSubdev, id)
		if err != nil {
			return err
		}
		if sd.cmd == nil || sd.running {
			return nm.fail(IocStartSubdev, unix.EINVAL)
		}
		subdevs = append(subdevs, sd)
	}
	now := time.Now()
	for _, sd := range subdevs {
		sd.running = true
		sd.started = now
		sd.stopped = time.Time{}
		sd.aoIndex = -1
	}
	for _, sd := range subdevs {
		if sd.kind != SubdevOut {
			continue
		}
		for _, in := range nm.subdevs {
			if in.kind == SubdevIn && in.running && in.cmd != nil {
				sd.aoIndex = nm.elapsedFrames(in)
				break
			}
		}
	}
	return nil
}

// AOIndex returns the input frame count at which output id started.
func (nm *NoModule) AOIndex(id uint32) (int, error) {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.subdev(IocGetAOIndex, id)
	if err != nil {
		return -1, err
	}
	if sd.kind != SubdevOut {
		return -1, nm.fail(IocGetAOIndex, unix.EINVAL)
	}
	return int(sd.aoIndex), nil
}

// elapsedFrames returns how many frames the loop has run through since start.
func (nm *NoModule) elapsedFrames(sd *fakeSubdev) int64 {
	end := time.Now()
	if !sd.stopped.IsZero() {
		end = sd.stopped
	}
	seconds := end.Sub(sd.started).Seconds() * nm.TimeScale
	frames := int64(seconds * float64(sd.cmd.Frequency))
	if sd.cmd.Continuous == 0 {
		frames = min(frames, int64(sd.cmd.Duration))
	}
	return frames
}

// halt stops a running subdevice. Call with the lock held.
func (sd *fakeSubdev) halt() {
	if sd.running {
		sd.running = false
		sd.stopped = time.Now()
	}
}

// update advances the state of a running subdevice. Call with the lock held.
func (nm *NoModule) update(sd *fakeSubdev) {
	if !sd.running || sd.status != 0 {
		return
	}
	frames := nm.elapsedFrames(sd)
	switch sd.kind {
	case SubdevOut:
		switch {
		case sd.cmd.Continuous == 0 && frames >= int64(sd.cmd.Duration) && sd.written >= frames:
			sd.halt()
		case frames > sd.written:
			sd.status = EUnderrun
			sd.halt()
		}
	default:
		if sd.cmd.Continuous == 0 && sd.produced >= int64(sd.cmd.Duration) {
			sd.halt()
		}
	}
}

// Status returns 1 while running, 0 when done, or the injected error status.
func (nm *NoModule) Status(id uint32) (int, error) {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.subdev(IocChkRunning, id)
	if err != nil {
		return 0, err
	}
	nm.update(sd)
	if sd.status != 0 {
		return sd.status, nil
	}
	if sd.running {
		return 1, nil
	}
	return 0, nil
}

// InjectStatus makes subdevice id report status and stop, as the module
// does on an overflow or underrun.
func (nm *NoModule) InjectStatus(id uint32, status int) {
	nm.Lock()
	defer nm.Unlock()
	if sd, ok := nm.subdevs[id]; ok {
		sd.status = status
		sd.halt()
	}
}

// Rate returns the commanded frequency.
func (nm *NoModule) Rate(id uint32) (uint32, error) {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.subdev(IocGetRate, id)
	if err != nil {
		return 0, err
	}
	if sd.cmd == nil {
		return 0, nm.fail(IocGetRate, unix.EINVAL)
	}
	return sd.cmd.Frequency, nil
}

// Stop stops the subdevice; stopping a stopped one is fine.
func (nm *NoModule) Stop(id uint32) error {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.subdev(IocStopSubdev, id)
	if err != nil {
		return err
	}
	sd.halt()
	return nil
}

// Release detaches the subdevice.
func (nm *NoModule) Release(id uint32) error {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.subdev(IocReleaseSubdev, id)
	if err != nil {
		return err
	}
	sd.halt()
	sd.opened = false
	sd.cmd = nil
	return nil
}

// ReqClose forgets the subdevice.
func (nm *NoModule) ReqClose(id uint32) error {
	nm.Lock()
	defer nm.Unlock()
	if _, err := nm.subdev(IocReqClose, id); err != nil {
		return err
	}
	delete(nm.subdevs, id)
	return nil
}

func (nm *NoModule) byFifo(index uint32) (*fakeSubdev, error) {
	if !nm.isOpen {
		return nil, ErrNotOpen
	}
	for _, sd := range nm.subdevs {
		if sd.opened && sd.fifo == index {
			return sd, nil
		}
	}
	return nil, fmt.Errorf("reading FIFO %d: %w", index, unix.ENOENT)
}

// ReadFifo returns the frames the input loop produced since the last call.
func (nm *NoModule) ReadFifo(index uint32, buf []byte) (int, error) {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.byFifo(index)
	if err != nil {
		return 0, err
	}
	if sd.cmd == nil || sd.kind != SubdevIn || sd.started.IsZero() {
		return 0, nil
	}
	frames := nm.elapsedFrames(sd) - sd.produced
	framesize := 4 * sd.nchannels
	frames = min(frames, int64(len(buf)/framesize))
	if frames <= 0 {
		nm.update(sd)
		return 0, nil
	}
	out := getbytes.ToSlice[float32](buf[:frames*int64(framesize)])
	dt := 1.0 / float64(sd.cmd.Frequency)
	for f := int64(0); f < frames; f++ {
		t := float64(sd.produced+f) * dt
		for c := 0; c < sd.nchannels; c++ {
			out[int(f)*sd.nchannels+c] = float32(math.Sin(2*math.Pi*10*t) / float64(c+1))
		}
	}
	sd.produced += frames
	nm.update(sd)
	return int(frames) * framesize, nil
}

// WriteFifo accepts as many whole frames as fit into the FIFO.
func (nm *NoModule) WriteFifo(index uint32, buf []byte) (int, error) {
	nm.Lock()
	defer nm.Unlock()
	sd, err := nm.byFifo(index)
	if err != nil {
		return 0, err
	}
	if sd.cmd == nil || sd.kind != SubdevOut || sd.status != 0 {
		return 0, nil
	}
	framesize := 4 * sd.nchannels
	buffered := sd.written
	if sd.running {
		buffered -= nm.elapsedFrames(sd)
	}
	room := int64(FifoSize/framesize) - max(buffered, 0)
	frames := min(room, int64(len(buf)/framesize))
	if frames <= 0 {
		return 0, nil
	}
	n := int(frames) * framesize
	sd.samples = append(sd.samples, getbytes.ToSlice[float32](buf[:n])...)
	sd.written += frames
	return n, nil
}

// Written returns a copy of the samples output subdevice id received.
func (nm *NoModule) Written(id uint32) []float32 {
	nm.Lock()
	defer nm.Unlock()
	if sd, ok := nm.subdevs[id]; ok {
		return append([]float32(nil), sd.samples...)
	}
	return nil
}

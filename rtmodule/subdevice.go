package rtmodule

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usnistgov/daqcore/getbytes"
)

// State of a Subdevice.
type State int

// A subdevice moves SubdevOpen -> ChannelListLoaded -> SyncCommandLoaded -> Running
// -> Stopped, and back to ChannelListLoaded for the next command.
const (
	Closed State = iota
	SubdevOpen
	ChannelListLoaded
	SyncCommandLoaded
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case SubdevOpen:
		return "Open"
	case ChannelListLoaded:
		return "ChannelListLoaded"
	case SyncCommandLoaded:
		return "SyncCommandLoaded"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	}
	return "Unknown"
}

// Errors of the subdevice state machine.
var (
	ErrState     = errors.New("subdevice in wrong state")
	ErrFrequency = errors.New("frequency exceeds the loop rate")
	ErrChannels  = errors.New("invalid channel list")
	ErrBatch     = errors.New("subdevices of a start batch must share one module")
)

// Channel is one entry of a channel list. Parameter channels
// (Channel >= ParamChanOffset) address model parameters and carry neither
// range nor conversion.
type Channel struct {
	Channel      int
	Range        int
	Aref         int
	Scale        float32
	Order        int
	Origin       float64
	Coefficients [MaxConversion]float64
}

// IsParameter tells whether c is a model parameter rather than a converter channel.
func (c Channel) IsParameter() bool {
	return c.Channel >= ParamChanOffset
}

// Subdevice is one analog subdevice attached to the kernel module.
type Subdevice struct {
	mod       Moduler
	id        uint32
	kind      SubdevType
	device    string
	subdev    int
	fifo      uint32
	fifoSize  uint32
	state     State
	nchannels int
	rate      float64
	lock      sync.Mutex
}

// OpenSubdevice reserves a subdevice id and attaches subdevice subdev of the
// comedi device file to it.
func OpenSubdevice(mod Moduler, device string, subdev int, kind SubdevType) (*Subdevice, error) {
	id, err := mod.SubdevID()
	if err != nil {
		return nil, err
	}
	dev := DeviceIOCT{SubdevID: id, Subdev: uint32(subdev), SubdevType: kind}
	dev.SetDeviceName(device)
	if err := mod.OpenSubdev(&dev); err != nil {
		mod.ReqClose(id)
		return nil, err
	}
	return &Subdevice{mod: mod, id: id, kind: kind, device: device, subdev: subdev,
		fifo: dev.FifoIndex, fifoSize: dev.FifoSize, state: SubdevOpen}, nil
}

// ID returns the id the module assigned.
func (s *Subdevice) ID() uint32 { return s.id }

// Kind returns whether this is an input or output subdevice.
func (s *Subdevice) Kind() SubdevType { return s.kind }

// Fifo returns the index of the FIFO, as in /dev/rtf<index>.
func (s *Subdevice) Fifo() uint32 { return s.fifo }

// FifoSize returns the FIFO capacity in bytes.
func (s *Subdevice) FifoSize() int { return int(s.fifoSize) }

// State returns the state of the subdevice.
func (s *Subdevice) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Channels returns the length of the loaded channel list.
func (s *Subdevice) Channels() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.nchannels
}

// Rate returns the sampling rate the loop runs at. It is only known after Start.
func (s *Subdevice) Rate() float64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.rate
}

func (s *Subdevice) String() string {
	return fmt.Sprintf("%s subdevice %d of %s (id %d, fifo %d)", s.kind, s.subdev, s.device, s.id, s.fifo)
}

func (s *Subdevice) wrongState(op string) error {
	return fmt.Errorf("%s on %v in state %v: %w", op, s, s.state, ErrState)
}

// LoadChannels hands the channel list to the module. userIndex is the
// orchestrator's index of the owning device.
func (s *Subdevice) LoadChannels(userIndex int, chans []Channel) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch s.state {
	case SubdevOpen, ChannelListLoaded, SyncCommandLoaded, Stopped:
	default:
		return s.wrongState("LoadChannels")
	}
	if len(chans) == 0 || len(chans) > MaxChanList {
		return fmt.Errorf("%d channels for %v: %w", len(chans), s, ErrChannels)
	}
	cl := ChanlistIOCT{SubdevID: s.id, UserDeviceIndex: int32(userIndex), ChanlistN: uint32(len(chans))}
	for k, c := range chans {
		cl.Scalelist[k] = c.Scale
		if c.IsParameter() {
			cl.Chanlist[k] = PackChannel(c.Channel, 0, 0)
			continue
		}
		if c.Order < 0 || c.Order >= MaxConversion {
			return fmt.Errorf("conversion of order %d on channel %d: %w", c.Order, c.Channel, ErrChannels)
		}
		cl.Chanlist[k] = PackChannel(c.Channel, c.Range, c.Aref)
		cl.Conversionlist[k] = ConverterT{Order: uint32(c.Order), ExpansionOrigin: c.Origin,
			Coefficients: c.Coefficients}
	}
	if err := s.mod.Chanlist(&cl); err != nil {
		return err
	}
	s.nchannels = len(chans)
	s.state = ChannelListLoaded
	return nil
}

// LoadCommand sets up the acquisition. delay and duration count samples,
// duration is ignored when continuous.
func (s *Subdevice) LoadCommand(rate float64, delay, duration uint64, continuous bool, startSource int) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != ChannelListLoaded && s.state != SyncCommandLoaded {
		return s.wrongState("LoadCommand")
	}
	if rate <= 0 || rate > MaxFrequency {
		return fmt.Errorf("%g Hz on %v: %w", rate, s, ErrFrequency)
	}
	sc := SyncCmdIOCT{SubdevID: s.id, Frequency: uint32(rate), Delay: delay,
		Duration: duration, StartSource: int32(startSource)}
	if continuous {
		sc.Continuous = 1
		sc.Duration = 0
	}
	if err := s.mod.SyncCmd(&sc); err != nil {
		return err
	}
	s.rate = 0
	s.state = SyncCommandLoaded
	return nil
}

// StartBatch starts all subdevices in the same cycle of the loop with a
// single START_SUBDEV and then reads back their rates.
func StartBatch(subs ...*Subdevice) error {
	if len(subs) == 0 {
		return nil
	}
	if len(subs) > MaxDev*MaxSubdev {
		return fmt.Errorf("start batch of %d subdevices: %w", len(subs), ErrChannels)
	}
	mod := subs[0].mod
	for _, s := range subs[1:] {
		if s.mod != mod {
			return ErrBatch
		}
	}
	st := StartIOCT{N: uint32(len(subs))}
	for i, s := range subs {
		s.lock.Lock()
		state := s.state
		s.lock.Unlock()
		if state != SyncCommandLoaded {
			return s.wrongState("Start")
		}
		st.SubdevIDs[i] = s.id
	}
	if err := mod.Start(&st); err != nil {
		return err
	}
	var errs []error
	for _, s := range subs {
		rate, err := mod.Rate(s.id)
		s.lock.Lock()
		s.state = Running
		if err == nil {
			s.rate = float64(rate)
		}
		s.lock.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start starts the subdevice alone.
func (s *Subdevice) Start() error {
	return StartBatch(s)
}

// Check asks the module for the status code of the subdevice. Anything but
// a positive code moves a running subdevice to Stopped.
func (s *Subdevice) Check() (int, error) {
	status, err := s.mod.Status(s.id)
	if err != nil {
		return 0, err
	}
	s.lock.Lock()
	if status <= 0 && s.state == Running {
		s.state = Stopped
	}
	s.lock.Unlock()
	return status, nil
}

// Stop stops a running subdevice. Stopping an idle one is not an error.
func (s *Subdevice) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	switch s.state {
	case Closed:
		return s.wrongState("Stop")
	case Running, SyncCommandLoaded:
		if err := s.mod.Stop(s.id); err != nil {
			return err
		}
		s.state = Stopped
	}
	return nil
}

// Close stops the subdevice and returns it to the module.
func (s *Subdevice) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	err := errors.Join(s.mod.Release(s.id), s.mod.ReqClose(s.id))
	s.state = Closed
	return err
}

// Read moves whole frames from the FIFO into buf and returns the number of
// samples read.
func (s *Subdevice) Read(buf []float32) (int, error) {
	nchan := s.Channels()
	if nchan == 0 {
		return 0, s.wrongState("Read")
	}
	buf = buf[:len(buf)/nchan*nchan]
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := s.mod.ReadFifo(s.fifo, getbytes.FromSliceFloat32(buf))
	return n / 4, err
}

// Write moves whole frames from buf into the FIFO and returns the number of
// samples written.
func (s *Subdevice) Write(buf []float32) (int, error) {
	nchan := s.Channels()
	if nchan == 0 {
		return 0, s.wrongState("Write")
	}
	buf = buf[:len(buf)/nchan*nchan]
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := s.mod.WriteFifo(s.fifo, getbytes.FromSliceFloat32(buf))
	return n / 4, err
}

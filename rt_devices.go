package daqcore

import (
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/daqcore/rtmodule"
)

// rtDevice holds what real-time input and output devices share: the kernel
// module, their subdevice, and the converter description.
type rtDevice struct {
	AnyDevice
	module    rtmodule.Moduler
	subdev    int
	kind      rtmodule.SubdevType
	nchannels int
	bits      int
	ranges    []GainRange
	sub       *rtmodule.Subdevice
	failed    ErrorFlags
	complete  bool
	runLock   sync.Mutex
}

// Channels returns the number of converter channels.
func (rd *rtDevice) Channels() int { return rd.nchannels }

// Bits returns the converter resolution.
func (rd *rtDevice) Bits() int { return rd.bits }

// MaxRate is the rate of the kernel loop.
func (rd *rtDevice) MaxRate() float64 { return rtmodule.MaxFrequency }

// RangeCount returns the number of gain indices.
func (rd *rtDevice) RangeCount() int { return len(rd.ranges) }

// Range returns the ranges of gain index.
func (rd *rtDevice) Range(index int) GainRange {
	if index < 0 || index >= len(rd.ranges) {
		return GainRange{}
	}
	return rd.ranges[index]
}

// Open attaches subdevice subdev of the comedi device file to the module.
func (rd *rtDevice) Open(file string) error {
	if rd.IsOpen() {
		return fmt.Errorf("device %q is already open", rd.DeviceIdent())
	}
	sub, err := rtmodule.OpenSubdevice(rd.module, file, rd.subdev, rd.kind)
	if err != nil {
		return err
	}
	rd.runLock.Lock()
	rd.sub = sub
	rd.runLock.Unlock()
	return rd.setOpen(file)
}

// Close returns the subdevice to the module.
func (rd *rtDevice) Close() error {
	rd.runLock.Lock()
	sub := rd.sub
	rd.sub = nil
	rd.runLock.Unlock()
	if sub == nil {
		return rd.setClosed()
	}
	err := sub.Close()
	if cerr := rd.setClosed(); err == nil {
		err = cerr
	}
	return err
}

func (rd *rtDevice) info(kind string) string {
	rd.runLock.Lock()
	defer rd.runLock.Unlock()
	s := rd.describe(kind)
	if rd.sub != nil {
		s += fmt.Sprintf("\n%v, state %v", rd.sub, rd.sub.State())
	}
	return s + "\n" + spew.Sdump(rd.ranges)
}

func (rd *rtDevice) subdevice() *rtmodule.Subdevice {
	rd.runLock.Lock()
	defer rd.runLock.Unlock()
	return rd.sub
}

// sameModule tells whether dev is a real-time device on the same kernel module.
func (rd *rtDevice) sameModule(dev any) bool {
	switch d := dev.(type) {
	case *RTAnalogInput:
		return d.module == rd.module
	case *RTAnalogOutput:
		return d.module == rd.module
	}
	return false
}

// startBatch starts rd and the chained devices. Real-time devices on the same
// module start in one START_SUBDEV, the others on their own right after.
func (rd *rtDevice) startBatch(chain Chain) error {
	subs := []*rtmodule.Subdevice{rd.subdevice()}
	var others Chain
	for _, ai := range chain.Inputs {
		if rt, ok := ai.(*RTAnalogInput); ok && rt.module == rd.module {
			subs = append(subs, rt.subdevice())
		} else {
			others.Inputs = append(others.Inputs, ai)
		}
	}
	for _, ao := range chain.Outputs {
		if rt, ok := ao.(*RTAnalogOutput); ok && rt.module == rd.module {
			subs = append(subs, rt.subdevice())
		} else {
			others.Outputs = append(others.Outputs, ao)
		}
	}
	for _, s := range subs {
		if s == nil {
			return fmt.Errorf("starting %q: subdevice not open", rd.DeviceIdent())
		}
	}
	if err := rtmodule.StartBatch(subs...); err != nil {
		return err
	}
	for _, ai := range others.Inputs {
		if err := ai.StartRead(Chain{}); err != nil {
			return err
		}
	}
	for _, ao := range others.Outputs {
		if err := ao.StartWrite(Chain{}); err != nil {
			return err
		}
	}
	return nil
}

// checkStatus interprets the CHK_RUNNING code. It returns TransferFailed and
// the flags for the traces when the subdevice stopped because of an error.
func (rd *rtDevice) checkStatus(sub *rtmodule.Subdevice) (int, ErrorFlags, string) {
	status, err := sub.Check()
	switch {
	case err != nil:
		return TransferFailed, DeviceError, err.Error()
	case status > 0:
		return TransferNone, 0, ""
	case status == 0:
		return TransferComplete, 0, ""
	case status == rtmodule.EOverflow || status == rtmodule.EUnderrun:
		return TransferFailed, OverflowUnderrun, rtmodule.StatusText(status)
	}
	return TransferFailed, DeviceError, rtmodule.StatusText(status)
}

// Stop stops the subdevice.
func (rd *rtDevice) Stop() error {
	sub := rd.subdevice()
	if sub == nil {
		return nil
	}
	return sub.Stop()
}

// Running tells whether the subdevice is running.
func (rd *rtDevice) Running() bool {
	sub := rd.subdevice()
	return sub != nil && sub.State() == rtmodule.Running
}

// Status returns the flags of the last failure.
func (rd *rtDevice) Status() ErrorFlags {
	rd.runLock.Lock()
	defer rd.runLock.Unlock()
	return rd.failed
}

// rtChannels builds the channel list of the kernel module.
func rtChannels(specs []ChannelSpec) []rtmodule.Channel {
	chans := make([]rtmodule.Channel, len(specs))
	for k, cs := range specs {
		c := rtmodule.Channel{Channel: cs.Channel, Scale: float32(cs.Scale)}
		if !c.IsParameter() {
			c.Range = cs.GainIndex
			c.Aref = rtAref(cs.Reference)
			c.Order = cs.Conversion.Order
			c.Origin = cs.Conversion.Origin
			copy(c.Coefficients[:], cs.Conversion.Coefficients[:])
		}
		chans[k] = c
	}
	return chans
}

// rtAref maps a Reference onto comedi's AREF_* codes.
func rtAref(r Reference) int {
	switch r {
	case RefCommon:
		return 1
	case RefDifferential:
		return 2
	}
	return 0
}

// RTAnalogInput acquires through an input subdevice of the kernel module.
// The module converts the raw codes, so the FIFO carries physical units.
type RTAnalogInput struct {
	rtDevice
	traces InList
	buffer []float32
}

// NewRTAnalogInput creates a closed input on subdevice subdev of mod.
func NewRTAnalogInput(ident string, mod rtmodule.Moduler, subdev, nchannels int, ranges []GainRange) *RTAnalogInput {
	ai := &RTAnalogInput{}
	ai.SetDeviceIdent(ident)
	ai.module = mod
	ai.subdev = subdev
	ai.kind = rtmodule.SubdevIn
	ai.nchannels = nchannels
	ai.bits = 16
	ai.ranges = append([]GainRange(nil), ranges...)
	return ai
}

// Info describes the device.
func (ai *RTAnalogInput) Info() string {
	return ai.info("real-time analog input")
}

// TestRead validates traces. Parameter channels of the module are allowed.
func (ai *RTAnalogInput) TestRead(traces InList) error {
	if !checkInputs(ai, traces, rtmodule.MaxFrequency, true, rtmodule.ParamChanOffset) {
		return traces.Err()
	}
	return nil
}

// PrepareRead loads channel list and command into the module.
func (ai *RTAnalogInput) PrepareRead(traces InList) error {
	if err := ai.TestRead(traces); err != nil {
		return err
	}
	sub := ai.subdevice()
	if sub == nil {
		traces.AddError(DeviceNotOpen)
		return traces.Err()
	}
	fail := func(err error) error {
		traces.AddError(DeviceError)
		traces.AddErrorStr("%v", err)
		return traces.Err()
	}
	if err := sub.Stop(); err != nil {
		return fail(err)
	}
	specs := make([]ChannelSpec, len(traces))
	for k, id := range traces {
		specs[k] = id.ChannelSpec
	}
	if err := sub.LoadChannels(traces[0].Device, rtChannels(specs)); err != nil {
		return fail(err)
	}
	first := traces[0]
	duration := uint64(0)
	if !first.Continuous {
		duration = uint64(first.Indices(first.Duration))
	}
	if err := sub.LoadCommand(first.SampleRate, uint64(first.Indices(first.Delay)), duration,
		first.Continuous, first.StartSource); err != nil {
		return fail(err)
	}
	frames := max(1, first.Indices(max(first.BufferTime, 0.001)))
	ai.runLock.Lock()
	ai.traces = traces
	ai.buffer = make([]float32, frames*len(traces))
	ai.failed = 0
	ai.complete = false
	ai.runLock.Unlock()
	return nil
}

// StartRead starts the subdevice together with the chained devices and
// takes over the rate the loop actually runs at.
func (ai *RTAnalogInput) StartRead(chain Chain) error {
	if err := ai.startBatch(chain); err != nil {
		return err
	}
	ai.updateRate()
	return nil
}

func (ai *RTAnalogInput) updateRate() {
	sub := ai.subdevice()
	if sub == nil {
		return
	}
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	if rate := sub.Rate(); rate > 0 {
		for _, id := range ai.traces {
			id.SampleRate = rate
		}
	}
}

// TransferBuffer reads the FIFO and distributes the frames onto the traces.
func (ai *RTAnalogInput) TransferBuffer() int {
	sub := ai.subdevice()
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	switch {
	case ai.failed != 0:
		return TransferFailed
	case ai.complete:
		return TransferComplete
	case sub == nil || len(ai.traces) == 0:
		return TransferNone
	}
	n, err := sub.Read(ai.buffer)
	if err != nil {
		ai.failed = DeviceError
		ai.traces.AddError(DeviceError)
		ai.traces.AddErrorStr("reading from kernel module: %v", err)
		return TransferFailed
	}
	nchan := len(ai.traces)
	frames := n / nchan
	if frames > 0 {
		column := make([]float32, frames)
		for k, id := range ai.traces {
			for f := range column {
				column[f] = ai.buffer[f*nchan+k]
			}
			id.Append(column)
		}
	}
	result, flags, text := ai.checkStatus(sub)
	switch result {
	case TransferFailed:
		ai.failed = flags
		ai.traces.AddError(flags)
		ai.traces.AddErrorStr("%s", text)
		return TransferFailed
	case TransferComplete:
		if frames == 0 {
			ai.complete = true
			return TransferComplete
		}
	}
	if frames == 0 {
		return TransferNone
	}
	return max(1, int(1000*float64(frames)*ai.traces[0].Interval()))
}

// Reset stops the subdevice and forgets the traces.
func (ai *RTAnalogInput) Reset() error {
	err := ai.Stop()
	ai.runLock.Lock()
	ai.traces = nil
	ai.buffer = nil
	ai.failed = 0
	ai.complete = false
	ai.runLock.Unlock()
	return err
}

// Take links all real-time devices on the same module: they share one loop.
func (ai *RTAnalogInput) Take(ais []AnalogInput, aos []AnalogOutput) (aiLinks, aoLinks []Link) {
	for i, other := range ais {
		if other != AnalogInput(ai) && ai.sameModule(other) {
			aiLinks = append(aiLinks, Link{Index: i, RateLocked: true})
		}
	}
	for i, other := range aos {
		if ai.sameModule(other) {
			aoLinks = append(aoLinks, Link{Index: i, RateLocked: true})
		}
	}
	return aiLinks, aoLinks
}

// RTAnalogOutput writes through an output subdevice of the kernel module.
type RTAnalogOutput struct {
	rtDevice
	sigs    OutList
	written int // frames moved into the FIFO
	frames  int // frames of the longest signal
	buffer  []float32
}

// NewRTAnalogOutput creates a closed output on subdevice subdev of mod.
func NewRTAnalogOutput(ident string, mod rtmodule.Moduler, subdev, nchannels int, ranges []GainRange) *RTAnalogOutput {
	ao := &RTAnalogOutput{}
	ao.SetDeviceIdent(ident)
	ao.module = mod
	ao.subdev = subdev
	ao.kind = rtmodule.SubdevOut
	ao.nchannels = nchannels
	ao.bits = 16
	ao.ranges = append([]GainRange(nil), ranges...)
	return ao
}

// Info describes the device.
func (ao *RTAnalogOutput) Info() string {
	return ao.info("real-time analog output")
}

// TestWrite validates sigs and selects their output ranges.
func (ao *RTAnalogOutput) TestWrite(sigs OutList) error {
	if !checkOutputs(ao, sigs, rtmodule.MaxFrequency, 0) {
		return sigs.Err()
	}
	return nil
}

// fillLocked interleaves the next frames of the signals into the FIFO.
// Signals shorter than the longest one continue with their last sample.
func (ao *RTAnalogOutput) fillLocked(sub *rtmodule.Subdevice) (int, error) {
	nchan := len(ao.sigs)
	frames := min(ao.frames-ao.written, len(ao.buffer)/nchan)
	if frames <= 0 {
		return 0, nil
	}
	for f := 0; f < frames; f++ {
		for k, sig := range ao.sigs {
			i := min(ao.written+f, sig.Size()-1)
			ao.buffer[f*nchan+k] = sig.Samples[i]
		}
	}
	n, err := sub.Write(ao.buffer[:frames*nchan])
	if err != nil {
		return 0, err
	}
	moved := n / nchan
	for _, sig := range ao.sigs {
		if left := sig.Size() - sig.DeviceIndex(); left > 0 {
			sig.AdvanceDevice(min(moved, left))
		}
	}
	ao.written += moved
	return moved, nil
}

// PrepareWrite loads channel list and command and fills the FIFO.
func (ao *RTAnalogOutput) PrepareWrite(sigs OutList) error {
	if err := ao.TestWrite(sigs); err != nil {
		return err
	}
	sub := ao.subdevice()
	if sub == nil {
		sigs.AddError(DeviceNotOpen)
		return sigs.Err()
	}
	fail := func(err error) error {
		sigs.AddError(DeviceError)
		sigs.AddErrorStr("%v", err)
		return sigs.Err()
	}
	if err := sub.Stop(); err != nil {
		return fail(err)
	}
	specs := make([]ChannelSpec, len(sigs))
	frames := 0
	for k, sig := range sigs {
		specs[k] = sig.ChannelSpec
		frames = max(frames, sig.Size())
	}
	if err := sub.LoadChannels(sigs[0].Device, rtChannels(specs)); err != nil {
		return fail(err)
	}
	first := sigs[0]
	if err := sub.LoadCommand(first.SampleRate, uint64(first.Indices(first.Delay)), uint64(frames),
		first.Continuous, first.StartSource); err != nil {
		return fail(err)
	}
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	ao.sigs = sigs
	ao.frames = frames
	ao.written = 0
	ao.failed = 0
	ao.complete = false
	ao.buffer = make([]float32, max(1, sub.FifoSize()/4/len(sigs))*len(sigs))
	if _, err := ao.fillLocked(sub); err != nil {
		return fail(err)
	}
	return nil
}

// StartWrite starts the subdevice together with the chained devices.
func (ao *RTAnalogOutput) StartWrite(chain Chain) error {
	return ao.startBatch(chain)
}

// TransferBuffer tops up the FIFO and checks the subdevice status.
func (ao *RTAnalogOutput) TransferBuffer() int {
	sub := ao.subdevice()
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	switch {
	case ao.failed != 0:
		return TransferFailed
	case ao.complete:
		return TransferComplete
	case sub == nil || len(ao.sigs) == 0:
		return TransferNone
	}
	moved, err := ao.fillLocked(sub)
	if err != nil {
		ao.failed = DeviceError
		ao.sigs.AddError(DeviceError)
		ao.sigs.AddErrorStr("writing to kernel module: %v", err)
		return TransferFailed
	}
	result, flags, text := ao.checkStatus(sub)
	switch result {
	case TransferFailed:
		ao.failed = flags
		ao.sigs.AddError(flags)
		ao.sigs.AddErrorStr("%s", text)
		return TransferFailed
	case TransferComplete:
		ao.complete = true
		return TransferComplete
	}
	if moved == 0 {
		return TransferNone
	}
	return max(1, int(1000*float64(moved)*ao.sigs[0].Interval()))
}

// Reset stops the subdevice and forgets the signals.
func (ao *RTAnalogOutput) Reset() error {
	err := ao.Stop()
	ao.runLock.Lock()
	ao.sigs = nil
	ao.buffer = nil
	ao.failed = 0
	ao.complete = false
	ao.runLock.Unlock()
	return err
}

// AISyncDevice returns the first real-time input on the same module. The
// module counts input samples for every output it starts.
func (ao *RTAnalogOutput) AISyncDevice(ais []AnalogInput) int {
	for i, ai := range ais {
		if ao.sameModule(ai) {
			return i
		}
	}
	return -1
}

// Take links the other real-time outputs on the same module.
func (ao *RTAnalogOutput) Take(aos []AnalogOutput) []Link {
	var links []Link
	for i, other := range aos {
		if other != AnalogOutput(ao) && ao.sameModule(other) {
			links = append(links, Link{Index: i, RateLocked: true})
		}
	}
	return links
}

// Index asks the module for the input sample count at which output started.
func (ao *RTAnalogOutput) Index() int {
	sub := ao.subdevice()
	if sub == nil {
		return -1
	}
	index, err := ao.module.AOIndex(sub.ID())
	if err != nil {
		ProblemLogger.Printf("reading output index of %q: %v", ao.DeviceIdent(), err)
		return -1
	}
	return index
}

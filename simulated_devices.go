package daqcore

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// simRanges are the gain ranges of the simulated converters, largest first.
var simRanges = []GainRange{{10, 10}, {5, 5}, {1, 1}, {0.5, 0.5}}

// simStarter is implemented by simulated devices that can be started by
// another simulated device at a given instant.
type simStarter interface {
	startAt(t time.Time) error
}

// startChain starts the devices of chain at t. Simulated devices start at
// exactly t, others are started right away on their own.
func startChain(chain Chain, t time.Time) error {
	for _, ai := range chain.Inputs {
		if s, ok := ai.(simStarter); ok {
			if err := s.startAt(t); err != nil {
				return err
			}
		} else if err := ai.StartRead(Chain{}); err != nil {
			return err
		}
	}
	for _, ao := range chain.Outputs {
		if s, ok := ao.(simStarter); ok {
			if err := s.startAt(t); err != nil {
				return err
			}
		} else if err := ao.StartWrite(Chain{}); err != nil {
			return err
		}
	}
	return nil
}

// simConverter holds the converter description shared by simulated devices.
type simConverter struct {
	Board     string  // devices on the same board can start each other
	TimeScale float64 // simulated seconds per wall clock second
	nchannels int
	bits      int
	maxRate   float64
	ranges    []GainRange
}

// Channels returns the number of channels.
func (sc *simConverter) Channels() int { return sc.nchannels }

// Bits returns the converter resolution.
func (sc *simConverter) Bits() int { return sc.bits }

// MaxRate returns the fastest sampling rate in Hz.
func (sc *simConverter) MaxRate() float64 { return sc.maxRate }

// RangeCount returns the number of gain indices.
func (sc *simConverter) RangeCount() int { return len(sc.ranges) }

// Range returns the ranges of gain index.
func (sc *simConverter) Range(index int) GainRange {
	if index < 0 || index >= len(sc.ranges) {
		return GainRange{}
	}
	return sc.ranges[index]
}

// SetRanges replaces the gain ranges, largest first.
func (sc *simConverter) SetRanges(ranges []GainRange) {
	sc.ranges = append([]GainRange(nil), ranges...)
}

func (sc *simConverter) board() string { return sc.Board }

// elapsed returns the simulated seconds since t0.
func (sc *simConverter) elapsed(t0, now time.Time) float64 {
	scale := sc.TimeScale
	if scale <= 0 {
		scale = 1
	}
	return now.Sub(t0).Seconds() * scale
}

type boarded interface {
	board() string
}

func sameBoard(a boarded, b any) bool {
	other, ok := b.(boarded)
	return ok && a.board() != "" && a.board() == other.board()
}

// SimAnalogInput is an AnalogInput that needs no hardware. Every trace
// receives a sine wave of Frequency Hz with half the amplitude of its range.
type SimAnalogInput struct {
	AnyDevice
	simConverter
	Frequency float64

	traces   InList
	prepared bool
	running  bool
	complete bool
	failed   bool
	started  time.Time
	produced int
	runLock  sync.Mutex
}

// NewSimAnalogInput creates a closed simulated input device.
func NewSimAnalogInput(ident string, nchannels int, maxRate float64) *SimAnalogInput {
	ai := &SimAnalogInput{Frequency: 10}
	ai.SetDeviceIdent(ident)
	ai.nchannels = nchannels
	ai.bits = 16
	ai.maxRate = maxRate
	ai.TimeScale = 1
	ai.SetRanges(simRanges)
	return ai
}

// Open marks the device open. The file is only remembered.
func (ai *SimAnalogInput) Open(file string) error {
	return ai.setOpen(file)
}

// Close resets and closes the device.
func (ai *SimAnalogInput) Close() error {
	ai.Reset()
	return ai.setClosed()
}

// Info dumps the configuration of the device.
func (ai *SimAnalogInput) Info() string {
	return ai.describe("simulated analog input") + "\n" + spew.Sdump(ai.simConverter)
}

// TestRead validates traces without touching the device.
func (ai *SimAnalogInput) TestRead(traces InList) error {
	if !checkInputs(ai, traces, ai.maxRate, true, 0) {
		return traces.Err()
	}
	return nil
}

// PrepareRead cancels what is going on and arms the device for traces.
func (ai *SimAnalogInput) PrepareRead(traces InList) error {
	if err := ai.TestRead(traces); err != nil {
		return err
	}
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	ai.traces = traces
	ai.prepared = true
	ai.running = false
	ai.complete = false
	ai.failed = false
	ai.produced = 0
	return nil
}

func (ai *SimAnalogInput) startAt(t time.Time) error {
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	if !ai.prepared {
		return fmt.Errorf("simulated input %q is not prepared", ai.DeviceIdent())
	}
	ai.started = t
	ai.running = true
	return nil
}

// StartRead starts acquisition together with the chained devices.
func (ai *SimAnalogInput) StartRead(chain Chain) error {
	t := time.Now()
	if err := ai.startAt(t); err != nil {
		return err
	}
	return startChain(chain, t)
}

// sampleCount returns the number of samples acquired at time t, or -1 if not running.
func (ai *SimAnalogInput) sampleCount(t time.Time) int {
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	if !ai.running || len(ai.traces) == 0 {
		return -1
	}
	return int(ai.elapsed(ai.started, t) * ai.traces[0].SampleRate)
}

// TransferBuffer appends the samples due since the last call to the traces.
func (ai *SimAnalogInput) TransferBuffer() int {
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	switch {
	case ai.failed:
		return TransferFailed
	case ai.complete:
		return TransferComplete
	case !ai.running || len(ai.traces) == 0:
		return TransferNone
	}
	first := ai.traces[0]
	due := int(ai.elapsed(ai.started, time.Now()) * first.SampleRate)
	if total := first.Indices(first.Duration); !first.Continuous && due >= total {
		due = total
		ai.running = false
		ai.complete = true
	}
	n := due - ai.produced
	if n <= 0 {
		if ai.complete {
			return TransferComplete
		}
		return TransferNone
	}
	dt := first.Interval()
	buf := make([]float32, n)
	for _, id := range ai.traces {
		_, maxVoltage := id.VoltageRange()
		amplitude := 0.5 * maxVoltage * id.Scale
		for i := range buf {
			t := float64(ai.produced+i) * dt
			buf[i] = float32(amplitude * math.Sin(2*math.Pi*ai.Frequency*t))
		}
		id.Append(buf)
	}
	ai.produced = due
	return max(1, int(1000*float64(n)*dt))
}

// InjectOverflow simulates a buffer overflow: the traces are flagged and
// every transfer fails until the device is reset or prepared again.
func (ai *SimAnalogInput) InjectOverflow() {
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	ai.failed = true
	ai.running = false
	ai.traces.AddError(OverflowUnderrun)
}

// Stop halts acquisition.
func (ai *SimAnalogInput) Stop() error {
	ai.runLock.Lock()
	ai.running = false
	ai.runLock.Unlock()
	return nil
}

// Reset stops and disarms the device and forgets the traces.
func (ai *SimAnalogInput) Reset() error {
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	ai.running = false
	ai.prepared = false
	ai.complete = false
	ai.failed = false
	ai.traces = nil
	return nil
}

// Running tells whether acquisition is in progress.
func (ai *SimAnalogInput) Running() bool {
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	return ai.running
}

// Status returns OverflowUnderrun after an injected overflow.
func (ai *SimAnalogInput) Status() ErrorFlags {
	ai.runLock.Lock()
	defer ai.runLock.Unlock()
	if ai.failed {
		return OverflowUnderrun
	}
	return 0
}

// Take links the simulated devices on the same board.
func (ai *SimAnalogInput) Take(ais []AnalogInput, aos []AnalogOutput) (aiLinks, aoLinks []Link) {
	for i, other := range ais {
		if other != AnalogInput(ai) && sameBoard(ai, other) {
			aiLinks = append(aiLinks, Link{Index: i, RateLocked: true})
		}
	}
	for i, other := range aos {
		if sameBoard(ai, other) {
			aoLinks = append(aoLinks, Link{Index: i, RateLocked: true})
		}
	}
	return aiLinks, aoLinks
}

// SimAnalogOutput is an AnalogOutput that needs no hardware. It consumes
// samples at the signal's rate and keeps a FIFO of one second filled.
type SimAnalogOutput struct {
	AnyDevice
	simConverter
	ExternalReference float64 // volts, 0 for none
	FullScan          bool    // every write must cover channels 0..n-1

	sigs     OutList
	syncAI   *SimAnalogInput
	prepared bool
	running  bool
	complete bool
	failed   bool
	started  time.Time
	index    int
	runLock  sync.Mutex
}

// NewSimAnalogOutput creates a closed simulated output device.
func NewSimAnalogOutput(ident string, nchannels int, maxRate float64) *SimAnalogOutput {
	ao := &SimAnalogOutput{index: -1}
	ao.SetDeviceIdent(ident)
	ao.nchannels = nchannels
	ao.bits = 16
	ao.maxRate = maxRate
	ao.TimeScale = 1
	ao.SetRanges(simRanges)
	return ao
}

// Open marks the device open.
func (ao *SimAnalogOutput) Open(file string) error {
	return ao.setOpen(file)
}

// Close resets and closes the device.
func (ao *SimAnalogOutput) Close() error {
	ao.Reset()
	return ao.setClosed()
}

// Info dumps the configuration of the device.
func (ao *SimAnalogOutput) Info() string {
	return ao.describe("simulated analog output") + "\n" + spew.Sdump(ao.simConverter)
}

// TestWrite validates sigs and selects their output ranges.
func (ao *SimAnalogOutput) TestWrite(sigs OutList) error {
	ok := checkOutputs(ao, sigs, ao.maxRate, ao.ExternalReference)
	if ao.FullScan && len(sigs) > 0 && !checkChannelSequence(sigs) {
		ok = false
	}
	if !ok {
		return sigs.Err()
	}
	return nil
}

// fifoSamples is how many samples per channel the device buffers.
func fifoSamples(rate float64) int {
	return max(1, int(rate))
}

// fill moves samples into the device buffer up to consumed plus one FIFO.
// It returns the number of samples moved per signal.
func (ao *SimAnalogOutput) fill(consumed int) int {
	moved := 0
	for _, sig := range ao.sigs {
		limit := min(sig.Size(), consumed+fifoSamples(sig.SampleRate))
		if n := limit - sig.DeviceIndex(); n > 0 {
			sig.AdvanceDevice(n)
			moved = max(moved, n)
		}
	}
	return moved
}

// PrepareWrite arms the device and performs the first buffer fill.
func (ao *SimAnalogOutput) PrepareWrite(sigs OutList) error {
	if err := ao.TestWrite(sigs); err != nil {
		return err
	}
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	ao.sigs = sigs
	ao.prepared = true
	ao.running = false
	ao.complete = false
	ao.failed = false
	ao.fill(0)
	return nil
}

func (ao *SimAnalogOutput) startAt(t time.Time) error {
	index := -1
	if ao.syncAI != nil {
		index = ao.syncAI.sampleCount(t)
	}
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	if !ao.prepared {
		return fmt.Errorf("simulated output %q is not prepared", ao.DeviceIdent())
	}
	ao.started = t
	ao.running = true
	ao.index = index
	return nil
}

// StartWrite starts output together with the chained devices.
func (ao *SimAnalogOutput) StartWrite(chain Chain) error {
	t := time.Now()
	if err := ao.startAt(t); err != nil {
		return err
	}
	return startChain(chain, t)
}

// TransferBuffer tops up the device buffer and reports completion once the
// longest signal has been played.
func (ao *SimAnalogOutput) TransferBuffer() int {
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	switch {
	case ao.failed:
		return TransferFailed
	case ao.complete:
		return TransferComplete
	case !ao.running || len(ao.sigs) == 0:
		return TransferNone
	}
	first := ao.sigs[0]
	played := ao.elapsed(ao.started, time.Now()) - first.Delay
	consumed := max(0, int(played*first.SampleRate))
	moved := ao.fill(consumed)
	if !first.Continuous && played >= ao.sigs.MaxDuration() {
		ao.running = false
		ao.complete = true
		return TransferComplete
	}
	if moved == 0 {
		return TransferNone
	}
	return max(1, int(1000*float64(moved)*first.Interval()))
}

// InjectUnderrun simulates a buffer underrun.
func (ao *SimAnalogOutput) InjectUnderrun() {
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	ao.failed = true
	ao.running = false
	ao.sigs.AddError(OverflowUnderrun)
}

// Stop halts output.
func (ao *SimAnalogOutput) Stop() error {
	ao.runLock.Lock()
	ao.running = false
	ao.runLock.Unlock()
	return nil
}

// Reset stops and disarms the device and forgets the signals.
func (ao *SimAnalogOutput) Reset() error {
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	ao.running = false
	ao.prepared = false
	ao.complete = false
	ao.failed = false
	ao.sigs = nil
	return nil
}

// Running tells whether output is in progress.
func (ao *SimAnalogOutput) Running() bool {
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	return ao.running
}

// Status returns OverflowUnderrun after an injected underrun.
func (ao *SimAnalogOutput) Status() ErrorFlags {
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	if ao.failed {
		return OverflowUnderrun
	}
	return 0
}

// AISyncDevice returns the simulated input on the same board, whose sample
// counter this output reads when it starts.
func (ao *SimAnalogOutput) AISyncDevice(ais []AnalogInput) int {
	for i, ai := range ais {
		if sim, ok := ai.(*SimAnalogInput); ok && sameBoard(ao, sim) {
			ao.syncAI = sim
			return i
		}
	}
	ao.syncAI = nil
	return -1
}

// Take links the other simulated outputs on the same board.
func (ao *SimAnalogOutput) Take(aos []AnalogOutput) []Link {
	var links []Link
	for i, other := range aos {
		if other != AnalogOutput(ao) && sameBoard(ao, other) {
			links = append(links, Link{Index: i, RateLocked: true})
		}
	}
	return links
}

// Index returns the input sample index at which output started, or -1.
func (ao *SimAnalogOutput) Index() int {
	ao.runLock.Lock()
	defer ao.runLock.Unlock()
	return ao.index
}

// SimAttenuator is an Attenuator that needs no hardware. Attenuations are
// rounded to Step and limited to MinLevel..MaxLevel.
type SimAttenuator struct {
	AnyDevice
	Step     float64
	MinLevel float64
	MaxLevel float64
	levels   []float64
	muted    []bool
	runLock  sync.Mutex
}

// NewSimAttenuator creates a closed attenuator with 0.5 dB steps from 0 to 100 dB.
func NewSimAttenuator(ident string, lines int) *SimAttenuator {
	att := &SimAttenuator{Step: 0.5, MinLevel: 0, MaxLevel: 100,
		levels: make([]float64, lines), muted: make([]bool, lines)}
	att.SetDeviceIdent(ident)
	for i := range att.muted {
		att.muted[i] = true
	}
	return att
}

// Open marks the attenuator open.
func (att *SimAttenuator) Open(file string) error {
	return att.setOpen(file)
}

// Close closes the attenuator.
func (att *SimAttenuator) Close() error {
	return att.setClosed()
}

// Info describes the attenuator.
func (att *SimAttenuator) Info() string {
	return fmt.Sprintf("%s, %d lines, %g..%g dB in %g dB steps",
		att.describe("simulated attenuator"), len(att.levels), att.MinLevel, att.MaxLevel, att.Step)
}

// Lines returns the number of lines.
func (att *SimAttenuator) Lines() int { return len(att.levels) }

func (att *SimAttenuator) check(line int) error {
	if !att.IsOpen() {
		return ErrAttNotOpen
	}
	if line < 0 || line >= len(att.levels) {
		return fmt.Errorf("line %d of %d: %w", line, len(att.levels), ErrAttInvalidLine)
	}
	return nil
}

// level rounds decibel to the nearest step within the limits.
func (att *SimAttenuator) level(decibel float64) (float64, error) {
	switch {
	case decibel < att.MinLevel:
		return att.MinLevel, ErrAttUnderflow
	case decibel > att.MaxLevel:
		return att.MaxLevel, ErrAttOverflow
	}
	if att.Step > 0 {
		decibel = att.MinLevel + math.Round((decibel-att.MinLevel)/att.Step)*att.Step
	}
	return math.Min(decibel, att.MaxLevel), nil
}

// TestAttenuate returns the attenuation Attenuate would set.
func (att *SimAttenuator) TestAttenuate(line int, decibel float64) (float64, error) {
	if err := att.check(line); err != nil {
		return decibel, err
	}
	return att.level(decibel)
}

// Attenuate sets line to the nearest available attenuation.
func (att *SimAttenuator) Attenuate(line int, decibel float64) (float64, error) {
	level, err := att.TestAttenuate(line, decibel)
	if err != nil && !isRangeError(err) {
		return level, err
	}
	att.runLock.Lock()
	att.levels[line] = level
	att.muted[line] = false
	att.runLock.Unlock()
	return level, err
}

func isRangeError(err error) bool {
	return err == ErrAttUnderflow || err == ErrAttOverflow
}

// TestMute checks line.
func (att *SimAttenuator) TestMute(line int) error {
	return att.check(line)
}

// Mute silences line.
func (att *SimAttenuator) Mute(line int) error {
	if err := att.check(line); err != nil {
		return err
	}
	att.runLock.Lock()
	att.muted[line] = true
	att.runLock.Unlock()
	return nil
}

// Level returns the attenuation of line and whether it is muted.
func (att *SimAttenuator) Level(line int) (float64, bool) {
	att.runLock.Lock()
	defer att.runLock.Unlock()
	if line < 0 || line >= len(att.levels) {
		return 0, true
	}
	return att.levels[line], att.muted[line]
}

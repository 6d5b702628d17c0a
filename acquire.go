package daqcore

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/daqcore/internal/daqdb"
)

// DeviceState is the state of one registered device as seen by Acquire.
type DeviceState int

// Names for the possible values of DeviceState
const (
	Closed     DeviceState = iota // device is not open
	Registered                    // open and known to Acquire, no command loaded
	Armed                         // command prepared but not started
	Running                       // acquiring or emitting samples
	Idle                          // finite command completed
	Failed                        // hardware error, needs Reset
)

func (s DeviceState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Registered:
		return "registered"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Idle:
		return "idle"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("DeviceState(%d)", int(s))
}

// SyncMode says how analog output is aligned with a running analog input.
type SyncMode int

// Names for the values of SyncMode
const (
	NoSync    SyncMode = iota // every device started on its own; input restarts with each output
	StartSync                 // input and output started by the same instruction batch
	AISync                    // input runs continuously; output reads the input sample counter
)

func (m SyncMode) String() string {
	switch m {
	case NoSync:
		return "simple restart of analog input together with analog output"
	case StartSync:
		return "quick restart of analog input together with analog output"
	case AISync:
		return "continuous analog input, analog output reads out analog input counter"
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// Errors returned when the device registry cannot be changed.
var (
	ErrNilDevice      = errors.New("device is nil")
	ErrDeviceNotOpen  = errors.New("device is not open")
	ErrInvalidChannel = errors.New("attenuator line refers to an unknown output device or channel")
	ErrRegistryBusy   = errors.New("devices are running; stop them before changing the registry")
)

// Defaults for the buffer and update times of traces and signals, in seconds.
const (
	DefaultBufferTime   = 0.01
	DefaultUpdateTime   = 0.1
	DefaultTraceSeconds = 60.0 // ring buffer length for continuous traces
)

// RunRecorder stores acquisition runs, e.g. in a database.
type RunRecorder interface {
	RecordRun(*daqdb.RunMessage)
	FinishRun(*daqdb.RunMessage)
	RecordOutput(*daqdb.OutputMessage)
}

// worker is the capture or transfer goroutine of one device.
type worker struct {
	abort chan struct{}
	done  chan struct{}
}

func (w *worker) stop() {
	if w == nil {
		return
	}
	closeIfOpen(w.abort)
	<-w.done
}

type aiData struct {
	ai       AnalogInput
	traces   InList
	gains    []int // requested gain index per trace, -1 for none
	aiDevice int   // index of the input that starts this one, or -1
	state    DeviceState
	worker   *worker
}

type aoData struct {
	ao           AnalogOutput
	signals      OutList
	aiSyncDevice int // input whose counter this output reads, or -1
	aiDevice     int // input that starts this output, or -1
	aoDevice     int // output that starts this output, or -1
	state        DeviceState
	worker       *worker
}

type attData struct {
	line    *AttLine
	aoIndex int
}

// Acquire coordinates any number of analog input, analog output and attenuator
// devices. Devices are referred to by their index in the registry.
type Acquire struct {
	lock      sync.Mutex // guards the registry; never taken by worker goroutines
	ai        []*aiData
	ao        []*aoData
	att       []*attData
	outTraces TraceTable
	broker    *StartBroker
	syncMode  SyncMode

	stateLock    sync.Mutex // guards device states and the fields below
	lastDevice   int
	lastWrite    float64 // seconds into the input traces at which the last output started, or -1
	lastDuration float64
	lastDelay    float64

	readSem  chan struct{}
	writeSem chan struct{}

	dataReady    *notifier
	bufferTime   float64
	updateTime   float64
	traceSeconds float64

	recorder RunRecorder
	run      *daqdb.RunMessage
}

// NewAcquire returns an Acquire with an empty registry.
func NewAcquire() *Acquire {
	return &Acquire{
		broker:       NewStartBroker(0, 0),
		lastDevice:   -1,
		lastWrite:    -1,
		readSem:      make(chan struct{}, 1),
		writeSem:     make(chan struct{}, 1),
		dataReady:    newNotifier(),
		bufferTime:   DefaultBufferTime,
		updateTime:   DefaultUpdateTime,
		traceSeconds: DefaultTraceSeconds,
	}
}

// SetRecorder makes acq report runs to r. Pass nil to stop recording.
func (acq *Acquire) SetRecorder(r RunRecorder) {
	acq.lock.Lock()
	acq.recorder = r
	acq.lock.Unlock()
}

// BufferTime returns the default driver buffer time in seconds.
func (acq *Acquire) BufferTime() float64 {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.bufferTime
}

// SetBufferTime sets the driver buffer time used for traces that do not request one.
func (acq *Acquire) SetBufferTime(t float64) error {
	if t <= 0 {
		return fmt.Errorf("buffer time %g s must be positive", t)
	}
	acq.lock.Lock()
	acq.bufferTime = t
	acq.lock.Unlock()
	return nil
}

// UpdateTime returns the default update time in seconds.
func (acq *Acquire) UpdateTime() float64 {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.updateTime
}

// SetUpdateTime sets the update time used for traces that do not request one.
func (acq *Acquire) SetUpdateTime(t float64) error {
	if t <= 0 {
		return fmt.Errorf("update time %g s must be positive", t)
	}
	acq.lock.Lock()
	acq.updateTime = t
	acq.lock.Unlock()
	return nil
}

// SetTraceSeconds sets the ring buffer length of continuous traces that
// have no capacity yet.
func (acq *Acquire) SetTraceSeconds(t float64) error {
	if t <= 0 {
		return fmt.Errorf("trace length %g s must be positive", t)
	}
	acq.lock.Lock()
	acq.traceSeconds = t
	acq.lock.Unlock()
	return nil
}

func isNilDevice(d any) bool {
	if d == nil {
		return true
	}
	v := reflect.ValueOf(d)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// busyLocked tells whether any device has a command loaded or running.
func (acq *Acquire) busyLocked() bool {
	acq.stateLock.Lock()
	defer acq.stateLock.Unlock()
	for _, d := range acq.ai {
		if d.state == Running || d.state == Armed {
			return true
		}
	}
	for _, d := range acq.ao {
		if d.state == Running || d.state == Armed {
			return true
		}
	}
	return false
}

// AddInput registers an open analog input device.
func (acq *Acquire) AddInput(ai AnalogInput) error {
	if isNilDevice(ai) {
		return ErrNilDevice
	}
	if !ai.IsOpen() {
		return ErrDeviceNotOpen
	}
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if acq.busyLocked() {
		return ErrRegistryBusy
	}
	acq.ai = append(acq.ai, &aiData{ai: ai, aiDevice: -1, state: Registered})
	acq.resetBrokerLocked()
	return nil
}

// AddOutput registers an open analog output device.
func (acq *Acquire) AddOutput(ao AnalogOutput) error {
	if isNilDevice(ao) {
		return ErrNilDevice
	}
	if !ao.IsOpen() {
		return ErrDeviceNotOpen
	}
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if acq.busyLocked() {
		return ErrRegistryBusy
	}
	acq.ao = append(acq.ao, &aoData{ao: ao, aiSyncDevice: -1, aiDevice: -1, aoDevice: -1, state: Registered})
	acq.resetBrokerLocked()
	for _, a := range acq.att {
		if a.aoIndex < 0 {
			a.aoIndex = acq.outputIndexLocked(a.line.AODevice)
		}
	}
	return nil
}

// AddAttLine registers an attenuator line. Its AODevice must name a
// registered output device and AOChannel one of its channels.
func (acq *Acquire) AddAttLine(line *AttLine) error {
	if line == nil || isNilDevice(line.Attenuator) {
		return ErrNilDevice
	}
	if !line.Attenuator.IsOpen() {
		return ErrDeviceNotOpen
	}
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if acq.busyLocked() {
		return ErrRegistryBusy
	}
	id := acq.outputIndexLocked(line.AODevice)
	if id < 0 {
		return fmt.Errorf("output device %q: %w", line.AODevice, ErrInvalidChannel)
	}
	if line.AOChannel < 0 || line.AOChannel >= acq.ao[id].ao.Channels() {
		return fmt.Errorf("channel %d of output device %q: %w", line.AOChannel, line.AODevice, ErrInvalidChannel)
	}
	if line.Line < 0 || line.Line >= line.Attenuator.Lines() {
		return fmt.Errorf("attenuator line %d: %w", line.Line, ErrInvalidChannel)
	}
	acq.att = append(acq.att, &attData{line: line, aoIndex: id})
	return nil
}

func (acq *Acquire) resetBrokerLocked() {
	acq.broker = NewStartBroker(len(acq.ai), len(acq.ao))
	for _, d := range acq.ai {
		d.aiDevice = -1
	}
	for _, d := range acq.ao {
		d.aiSyncDevice, d.aiDevice, d.aoDevice = -1, -1, -1
	}
	acq.syncMode = NoSync
}

// InputsSize returns the number of registered input devices.
func (acq *Acquire) InputsSize() int {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return len(acq.ai)
}

// OutputsSize returns the number of registered output devices.
func (acq *Acquire) OutputsSize() int {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return len(acq.ao)
}

// AttLinesSize returns the number of registered attenuator lines.
func (acq *Acquire) AttLinesSize() int {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return len(acq.att)
}

// Input returns input device i, or nil.
func (acq *Acquire) Input(i int) AnalogInput {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.ai) {
		return nil
	}
	return acq.ai[i].ai
}

// Output returns output device i, or nil.
func (acq *Acquire) Output(i int) AnalogOutput {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.ao) {
		return nil
	}
	return acq.ao[i].ao
}

// AttLine returns attenuator line i, or nil.
func (acq *Acquire) AttLine(i int) *AttLine {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.att) {
		return nil
	}
	return acq.att[i].line
}

// InputTraces returns the traces last read by input device i.
func (acq *Acquire) InputTraces(i int) InList {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.ai) {
		return nil
	}
	return acq.ai[i].traces
}

// InputIndex returns the index of the input device with the given ident, or -1.
func (acq *Acquire) InputIndex(ident string) int {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	for i, d := range acq.ai {
		if d.ai.DeviceIdent() == ident {
			return i
		}
	}
	return -1
}

// OutputIndex returns the index of the output device with the given ident, or -1.
func (acq *Acquire) OutputIndex(ident string) int {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.outputIndexLocked(ident)
}

func (acq *Acquire) outputIndexLocked(ident string) int {
	for i, d := range acq.ao {
		if d.ao.DeviceIdent() == ident {
			return i
		}
	}
	return -1
}

// InputState returns the state of input device i.
func (acq *Acquire) InputState(i int) DeviceState {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.ai) {
		return Closed
	}
	return acq.getState(&acq.ai[i].state)
}

// OutputState returns the state of output device i.
func (acq *Acquire) OutputState(i int) DeviceState {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.ao) {
		return Closed
	}
	return acq.getState(&acq.ao[i].state)
}

func (acq *Acquire) getState(s *DeviceState) DeviceState {
	acq.stateLock.Lock()
	defer acq.stateLock.Unlock()
	return *s
}

func (acq *Acquire) setState(s *DeviceState, state DeviceState) {
	acq.stateLock.Lock()
	*s = state
	acq.stateLock.Unlock()
}

// ClearInputs stops reading and forgets all input devices. The devices stay open.
func (acq *Acquire) ClearInputs() {
	acq.StopRead()
	acq.lock.Lock()
	acq.ai = nil
	acq.resetBrokerLocked()
	acq.lock.Unlock()
}

// CloseInputs stops reading, closes and forgets all input devices.
func (acq *Acquire) CloseInputs() {
	acq.StopRead()
	acq.lock.Lock()
	for _, d := range acq.ai {
		if d.ai.IsOpen() {
			if err := d.ai.Close(); err != nil {
				ProblemLogger.Printf("closing input %q: %v", d.ai.DeviceIdent(), err)
			}
		}
		d.traces = nil
		d.gains = nil
	}
	acq.ai = nil
	acq.resetBrokerLocked()
	acq.lock.Unlock()
}

// ClearOutputs stops writing and forgets all output devices. The devices stay open.
func (acq *Acquire) ClearOutputs() {
	acq.StopWrite()
	acq.lock.Lock()
	acq.ao = nil
	acq.resetBrokerLocked()
	for _, a := range acq.att {
		a.aoIndex = -1
	}
	acq.lock.Unlock()
}

// CloseOutputs stops writing, closes and forgets all output devices.
func (acq *Acquire) CloseOutputs() {
	acq.StopWrite()
	acq.lock.Lock()
	for _, d := range acq.ao {
		if d.ao.IsOpen() {
			if err := d.ao.Close(); err != nil {
				ProblemLogger.Printf("closing output %q: %v", d.ao.DeviceIdent(), err)
			}
		}
		d.signals = nil
	}
	acq.ao = nil
	acq.resetBrokerLocked()
	for _, a := range acq.att {
		a.aoIndex = -1
	}
	acq.lock.Unlock()
}

// ClearAttLines forgets all attenuator lines.
func (acq *Acquire) ClearAttLines() {
	acq.lock.Lock()
	acq.att = nil
	acq.lock.Unlock()
}

// CloseAttLines closes the attenuators and forgets all lines.
func (acq *Acquire) CloseAttLines() {
	acq.lock.Lock()
	closed := make(map[Attenuator]bool)
	for _, a := range acq.att {
		att := a.line.Attenuator
		if !closed[att] && att.IsOpen() {
			if err := att.Close(); err != nil {
				ProblemLogger.Printf("closing attenuator %q: %v", att.DeviceIdent(), err)
			}
		}
		closed[att] = true
	}
	acq.att = nil
	acq.lock.Unlock()
}

// Clear forgets all devices and output traces without closing anything.
func (acq *Acquire) Clear() {
	acq.ClearInputs()
	acq.ClearOutputs()
	acq.ClearAttLines()
	acq.ClearOutTraces()
}

// Close closes and forgets all devices and output traces.
func (acq *Acquire) Close() {
	acq.CloseInputs()
	acq.CloseOutputs()
	acq.CloseAttLines()
	acq.ClearOutTraces()
}

// InitSync finds out which devices start which others and classifies the
// registry. It starts from AISync, which needs every output to be able to read
// an input's sample counter. Failing that, StartSync needs every output and all
// inputs but the first to be started by another device. Otherwise NoSync.
func (acq *Acquire) InitSync() SyncMode {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	acq.resetBrokerLocked()

	ais := make([]AnalogInput, len(acq.ai))
	for i, d := range acq.ai {
		ais[i] = d.ai
	}
	aos := make([]AnalogOutput, len(acq.ao))
	for i, d := range acq.ao {
		aos[i] = d.ao
	}

	mode := AISync
	for _, d := range acq.ao {
		d.aiSyncDevice = d.ao.AISyncDevice(ais)
		if d.aiSyncDevice < 0 || d.aiSyncDevice >= len(ais) {
			d.aiSyncDevice = -1
			mode = NoSync
		}
	}

	for i, d := range acq.ai {
		ailinks, aolinks := d.ai.Take(ais, aos)
		for _, l := range ailinks {
			if l.Index < 0 || l.Index >= len(acq.ai) || l.Index == i {
				continue
			}
			if acq.ai[l.Index].aiDevice < 0 {
				acq.ai[l.Index].aiDevice = i
			}
			acq.broker.AddConnection(AI(i), AI(l.Index), l.RateLocked)
		}
		for _, l := range aolinks {
			if l.Index < 0 || l.Index >= len(acq.ao) {
				continue
			}
			if acq.ao[l.Index].aiDevice < 0 {
				acq.ao[l.Index].aiDevice = i
			}
			acq.broker.AddConnection(AI(i), AO(l.Index), l.RateLocked)
		}
	}
	for i, d := range acq.ao {
		for _, l := range d.ao.Take(aos) {
			if l.Index < 0 || l.Index >= len(acq.ao) || l.Index == i {
				continue
			}
			if acq.ao[l.Index].aoDevice < 0 {
				acq.ao[l.Index].aoDevice = i
			}
			acq.broker.AddConnection(AO(i), AO(l.Index), l.RateLocked)
		}
	}

	if mode == NoSync {
		mode = StartSync
		for _, d := range acq.ao {
			if d.aiDevice < 0 {
				mode = NoSync
				break
			}
		}
		for i := 1; i < len(acq.ai); i++ {
			if acq.ai[i].aiDevice < 0 {
				mode = NoSync
				break
			}
		}
	}
	acq.syncMode = mode
	log.Printf("Acquire.InitSync: %d inputs, %d outputs, %d start connections: %s\n",
		len(acq.ai), len(acq.ao), acq.broker.NConnections(), mode)
	return mode
}

// SyncMode returns the mode found by the last InitSync.
func (acq *Acquire) SyncMode() SyncMode {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.syncMode
}

// SyncModeString describes the current SyncMode.
func (acq *Acquire) SyncModeString() string {
	return acq.SyncMode().String()
}

// StartConnections returns which devices start which others.
func (acq *Acquire) StartConnections() StartState {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.broker.computeStartState()
}

// Stop halts all input and output activity. It is always safe to call.
func (acq *Acquire) Stop() {
	acq.StopRead()
	acq.StopWrite()
}

// Reset stops everything and resets every device back to Registered.
func (acq *Acquire) Reset() error {
	acq.Stop()
	acq.lock.Lock()
	defer acq.lock.Unlock()
	var problems []string
	for _, d := range acq.ai {
		if err := d.ai.Reset(); err != nil {
			problems = append(problems, fmt.Sprintf("input %q: %v", d.ai.DeviceIdent(), err))
		}
		d.traces = nil
		d.gains = nil
		acq.setState(&d.state, Registered)
	}
	for _, d := range acq.ao {
		if err := d.ao.Reset(); err != nil {
			problems = append(problems, fmt.Sprintf("output %q: %v", d.ao.DeviceIdent(), err))
		}
		d.signals = nil
		acq.setState(&d.state, Registered)
	}
	acq.stateLock.Lock()
	acq.lastDevice = -1
	acq.lastWrite = -1
	acq.stateLock.Unlock()
	if len(problems) > 0 {
		return fmt.Errorf("reset failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DeviceStatus describes one registered device for clients.
type DeviceStatus struct {
	Ident    string
	File     string
	State    string
	Channels int
	Traces   int
	Error    string
}

// AcquireStatus is a snapshot of the registry for clients.
type AcquireStatus struct {
	SyncMode   string
	Inputs     []DeviceStatus
	Outputs    []DeviceStatus
	AttLines   int
	OutTraces  []string
	Starts     StartState
	LastDevice int
	Reading    bool
	Writing    bool
}

// Status returns a snapshot of the registry.
func (acq *Acquire) Status() AcquireStatus {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	st := AcquireStatus{SyncMode: acq.syncMode.String(), AttLines: len(acq.att),
		Starts: acq.broker.computeStartState()}
	acq.stateLock.Lock()
	st.LastDevice = acq.lastDevice
	acq.stateLock.Unlock()
	for _, d := range acq.ai {
		state := acq.getState(&d.state)
		ds := DeviceStatus{Ident: d.ai.DeviceIdent(), File: d.ai.DeviceFile(), State: state.String(),
			Channels: d.ai.Channels(), Traces: len(d.traces), Error: d.ai.Status().String()}
		st.Inputs = append(st.Inputs, ds)
		st.Reading = st.Reading || state == Running
	}
	for _, d := range acq.ao {
		state := acq.getState(&d.state)
		ds := DeviceStatus{Ident: d.ao.DeviceIdent(), File: d.ao.DeviceFile(), State: state.String(),
			Channels: d.ao.Channels(), Traces: len(d.signals), Error: d.ao.Status().String()}
		st.Outputs = append(st.Outputs, ds)
		st.Writing = st.Writing || state == Running
	}
	for _, ts := range acq.outTraces {
		st.OutTraces = append(st.OutTraces, ts.Name)
	}
	return st
}

// pollInterval is how long worker goroutines sleep between transfers.
func pollInterval(bufferTime float64) time.Duration {
	d := time.Duration(bufferTime * 0.5 * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// runWorker calls transfer until it reports completion or failure, or abort
// is closed. It sets state accordingly and wakes waiters after every transfer.
func (acq *Acquire) runWorker(state *DeviceState, transfer func() int, interval time.Duration) *worker {
	w := &worker{abort: make(chan struct{}), done: make(chan struct{})}
	acq.setState(state, Running)
	go func() {
		defer close(w.done)
		defer acq.dataReady.broadcast()
		for {
			switch r := transfer(); {
			case r == TransferFailed:
				acq.setState(state, Failed)
				return
			case r == TransferComplete:
				acq.setState(state, Idle)
				return
			case r > 0:
				acq.dataReady.broadcast()
			}
			select {
			case <-w.abort:
				return
			case <-time.After(interval):
			}
		}
	}()
	return w
}

func newRunID() string {
	return ulid.Make().String()
}

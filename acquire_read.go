package daqcore

import (
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/usnistgov/daqcore/internal/daqdb"
)

// failure turns the error state of a list into the error returned to callers.
// Lists without flags fall back to the driver errors.
func failure(what string, l errorLister, driverErrs []error) error {
	if err := listErr(l, what); err != nil {
		return fmt.Errorf("%s failed: %w", what, err)
	}
	if len(driverErrs) > 0 {
		msgs := make([]string, len(driverErrs))
		for i, e := range driverErrs {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("%s failed: %w", what, &DaqError{Text: strings.Join(msgs, "; ")})
	}
	return nil
}

// sortTraces assigns data to the input devices. Traces with an unknown device
// are flagged NoDevice and moved to the nearest valid device index.
func (acq *Acquire) sortTraces(data InList) ([]InList, bool) {
	ok := true
	traces := make([]InList, len(acq.ai))
	for _, id := range data {
		switch {
		case id.Device < 0:
			id.AddError(NoDevice)
			id.Device = 0
			ok = false
		case id.Device >= len(acq.ai):
			id.AddError(NoDevice)
			id.Device = max(len(acq.ai)-1, 0)
			ok = false
		default:
			traces[id.Device] = append(traces[id.Device], id)
		}
	}
	return traces, ok
}

// checkPriorities flags mixed priorities within each device's list. The
// first trace of a device decides.
func checkPriorities(lists []InList) bool {
	ok := true
	for _, l := range lists {
		for k := 1; k < len(l); k++ {
			if l[k].Priority != l[0].Priority {
				l[0].AddError(MultiplePriorities)
				l[k].AddError(MultiplePriorities)
				l[k].Priority = l[0].Priority
				ok = false
			}
		}
	}
	return ok
}

// applyTimes fills in and validates buffer and update times.
func (acq *Acquire) applyTimes(l InList) bool {
	ok := true
	for _, id := range l {
		if id.BufferTime == 0 {
			id.BufferTime = acq.bufferTime
		} else if id.BufferTime < 0 {
			id.AddError(InvalidBufferTime)
			id.BufferTime = acq.bufferTime
			ok = false
		}
		if id.UpdateTime == 0 {
			id.UpdateTime = acq.updateTime
		} else if id.UpdateTime < 0 {
			id.AddError(InvalidUpdateTime)
			id.UpdateTime = acq.updateTime
			ok = false
		}
		if id.UpdateTime < id.BufferTime {
			id.AddError(InvalidUpdateTime)
			id.UpdateTime = id.BufferTime
			ok = false
		}
	}
	return ok
}

// TestRead checks whether data could be read with the registered input
// devices. Invalid settings are corrected in place and flagged, so that
// calling TestRead or Read again with the same traces succeeds.
func (acq *Acquire) TestRead(data InList) error {
	acq.lock.Lock()
	defer acq.lock.Unlock()

	data.ClearError()
	traces, ok := acq.sortTraces(data)
	if !checkPriorities(traces) {
		ok = false
	}
	for i, d := range acq.ai {
		if len(traces[i]) > 0 && acq.getState(&d.state) == Running && !traces[i][0].Priority {
			traces[i].AddError(Busy)
			ok = false
		}
	}
	if !ok {
		return failure("TestRead", data, nil)
	}

	var errs []error
	for i, d := range acq.ai {
		if len(traces[i]) == 0 {
			continue
		}
		if !acq.applyTimes(traces[i]) {
			ok = false
		}
		if err := d.ai.TestRead(traces[i]); err != nil {
			errs = append(errs, err)
			ok = false
		}
	}
	if !ok {
		return failure("TestRead", data, errs)
	}
	return nil
}

// Read starts acquisition of data on the registered input devices. Devices
// that are started by another participating input are started through that
// input's chain. On failure every involved device is reset.
func (acq *Acquire) Read(data InList) error {
	acq.readSem <- struct{}{}
	defer func() { <-acq.readSem }()
	acq.lock.Lock()
	defer acq.lock.Unlock()

	data.ClearError()
	traces, ok := acq.sortTraces(data)
	if !checkPriorities(traces) {
		ok = false
	}
	for i, d := range acq.ai {
		if len(traces[i]) > 0 && acq.getState(&d.state) == Running && !traces[i][0].Priority {
			traces[i].AddError(Busy)
			ok = false
		}
	}
	if !ok {
		return failure("Read", data, nil)
	}

	// the request replaces whatever is running
	halted := false
	for _, d := range acq.ai {
		if acq.getState(&d.state) == Running {
			acq.haltInputLocked(d)
			halted = true
		}
	}
	if halted {
		acq.finishRunLocked()
	}

	// gain requests stay pending until activated, also across reads
	pending := make(map[*InData]int)
	for _, d := range acq.ai {
		for k, g := range d.gains {
			if g >= 0 && k < len(d.traces) {
				pending[d.traces[k]] = g
			}
		}
	}
	for i, d := range acq.ai {
		d.traces = traces[i]
		d.gains = make([]int, len(d.traces))
		for k, id := range d.traces {
			d.gains[k] = -1
			if g, ok := pending[id]; ok {
				d.gains[k] = g
			}
		}
	}

	var errs []error
	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		if !acq.applyTimes(d.traces) {
			ok = false
		}
		if err := d.ai.TestRead(d.traces); err != nil {
			errs = append(errs, err)
			ok = false
		}
	}
	if !ok {
		acq.clearTracesLocked()
		return failure("Read", data, errs)
	}

	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		for _, id := range d.traces {
			id.Clear()
			id.ensureCapacity(acq.traceSeconds)
		}
		if err := d.ai.PrepareRead(d.traces); err != nil {
			errs = append(errs, err)
			ok = false
			continue
		}
		acq.setState(&d.state, Armed)
	}
	if !ok {
		acq.resetInputsLocked()
		return failure("Read", data, errs)
	}

	if err := acq.startInputsLocked(nil); err != nil {
		acq.resetInputsLocked()
		return failure("Read", data, []error{err})
	}

	acq.stateLock.Lock()
	acq.lastDevice = -1
	acq.lastWrite = -1
	acq.stateLock.Unlock()
	acq.recordReadLocked()
	return nil
}

func (acq *Acquire) clearTracesLocked() {
	for _, d := range acq.ai {
		d.traces = nil
		d.gains = nil
	}
}

// resetInputsLocked resets every input that takes part in the current read.
func (acq *Acquire) resetInputsLocked() {
	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		d.worker.stop()
		d.worker = nil
		if err := d.ai.Reset(); err != nil {
			ProblemLogger.Printf("resetting input %q: %v", d.ai.DeviceIdent(), err)
		}
		acq.setState(&d.state, Registered)
	}
}

// haltInputLocked stops the capture goroutine and the hardware of one input.
func (acq *Acquire) haltInputLocked(d *aiData) {
	d.worker.stop()
	d.worker = nil
	if err := d.ai.Reset(); err != nil {
		ProblemLogger.Printf("resetting input %q: %v", d.ai.DeviceIdent(), err)
	}
	acq.setState(&d.state, Registered)
}

// participatesLocked tells whether input i has traces in the current read.
func (acq *Acquire) participatesLocked(i int) bool {
	return i >= 0 && i < len(acq.ai) && len(acq.ai[i].traces) > 0
}

// aiRoot follows the start links of input i to the participating input
// that starts it, possibly through other inputs.
func (acq *Acquire) aiRoot(i int) int {
	seen := make(map[int]bool)
	for !seen[i] {
		seen[i] = true
		next := acq.ai[i].aiDevice
		if next == i || !acq.participatesLocked(next) {
			break
		}
		i = next
	}
	return i
}

// aoRoot returns the device that starts output j when the outputs in inAOs
// are started together with the participating inputs.
func (acq *Acquire) aoRoot(j int, inAOs map[int]bool) DeviceRef {
	seen := make(map[int]bool)
	for !seen[j] {
		seen[j] = true
		d := acq.ao[j]
		if acq.participatesLocked(d.aiDevice) {
			return AI(acq.aiRoot(d.aiDevice))
		}
		if d.aoDevice == j || !inAOs[d.aoDevice] {
			break
		}
		j = d.aoDevice
	}
	return AO(j)
}

// startInputsLocked starts all participating inputs and the outputs listed in
// aos. Devices started by another one are passed in that device's Chain, so
// each group is started by one StartRead or StartWrite.
// Every started device gets its worker goroutine.
func (acq *Acquire) startInputsLocked(aos []int) error {
	inAOs := make(map[int]bool, len(aos))
	for _, j := range aos {
		inAOs[j] = true
	}
	chains := make(map[DeviceRef]*Chain)
	chainOf := func(r DeviceRef) *Chain {
		if c, ok := chains[r]; ok {
			return c
		}
		c := &Chain{}
		chains[r] = c
		return c
	}
	for i, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		if root := acq.aiRoot(i); root != i {
			c := chainOf(AI(root))
			c.Inputs = append(c.Inputs, d.ai)
		}
	}
	for _, j := range aos {
		if root := acq.aoRoot(j, inAOs); root != AO(j) {
			c := chainOf(root)
			c.Outputs = append(c.Outputs, acq.ao[j].ao)
		}
	}

	for i, d := range acq.ai {
		if len(d.traces) == 0 || acq.aiRoot(i) != i {
			continue
		}
		chain := Chain{}
		if c, ok := chains[AI(i)]; ok {
			chain = *c
		}
		if err := d.ai.StartRead(chain); err != nil {
			return fmt.Errorf("starting input %q: %w", d.ai.DeviceIdent(), err)
		}
	}
	for _, j := range aos {
		if acq.aoRoot(j, inAOs) != AO(j) {
			continue
		}
		d := acq.ao[j]
		chain := Chain{}
		if c, ok := chains[AO(j)]; ok {
			chain = *c
		}
		if err := d.ao.StartWrite(chain); err != nil {
			return fmt.Errorf("starting output %q: %w", d.ao.DeviceIdent(), err)
		}
	}

	for _, d := range acq.ai {
		if len(d.traces) > 0 {
			d.worker = acq.runWorker(&d.state, d.ai.TransferBuffer, pollInterval(d.traces[0].BufferTime))
		}
	}
	for _, j := range aos {
		d := acq.ao[j]
		d.worker = acq.runWorker(&d.state, d.ao.TransferBuffer, pollInterval(acq.bufferTime))
	}
	return nil
}

// restartRead stops all inputs, truncates their traces to a common length,
// applies pending gains if updateGains, and starts the inputs again together
// with the outputs in aos. It returns the restart time in seconds.
func (acq *Acquire) restartRead(aos []int, updateGains bool) (float64, error) {
	var errs []error
	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		d.worker.stop()
		d.worker = nil
		if r := d.ai.TransferBuffer(); r == TransferFailed {
			errs = append(errs, fmt.Errorf("input %q failed before restart", d.ai.DeviceIdent()))
		}
		if err := d.ai.Stop(); err != nil {
			errs = append(errs, err)
		}
		d.ai.TransferBuffer()
	}

	// make all traces the same length
	t := -1.0
	for _, d := range acq.ai {
		for _, id := range d.traces {
			if l := id.Length(); t < 0 || l < t {
				t = l
			}
		}
	}
	for _, d := range acq.ai {
		m := 0
		for _, id := range d.traces {
			n := id.Indices(t)
			m += id.Size() - n
			id.Truncate(n)
			id.SetRestart()
		}
		if m > 0 {
			log.Printf("Acquire.restartRead: truncated %d samples of input %q\n", m, d.ai.DeviceIdent())
		}
	}
	if len(aos) > 0 && t >= 0 {
		acq.stateLock.Lock()
		acq.lastWrite = t
		acq.stateLock.Unlock()
	}

	if updateGains {
		acq.applyGainsLocked()
	}

	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		if err := d.ai.PrepareRead(d.traces); err != nil {
			errs = append(errs, err)
			continue
		}
		acq.setState(&d.state, Armed)
	}
	if len(errs) > 0 {
		acq.failInputsLocked()
		return t, joinErrors("restart", errs)
	}
	if err := acq.startInputsLocked(aos); err != nil {
		acq.failInputsLocked()
		return t, err
	}
	return t, nil
}

// failInputsLocked resets the inputs of a read that could not be restarted
// and marks them Failed, so that waiters return.
func (acq *Acquire) failInputsLocked() {
	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		d.worker.stop()
		d.worker = nil
		if err := d.ai.Reset(); err != nil {
			ProblemLogger.Printf("resetting input %q: %v", d.ai.DeviceIdent(), err)
		}
		acq.setState(&d.state, Failed)
	}
	acq.finishRunLocked()
	acq.dataReady.broadcast()
}

func joinErrors(what string, errs []error) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%s: %s", what, strings.Join(msgs, "; "))
}

// ReadData collects errors of the running inputs. It returns true while any
// input is still acquiring. Inputs that failed are stopped and their status
// is added to their traces.
func (acq *Acquire) ReadData() (bool, error) {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	running := false
	failed := false
	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		switch acq.getState(&d.state) {
		case Running, Armed:
			running = true
		case Failed:
			if flags := d.ai.Status(); flags != 0 {
				d.traces.AddError(flags)
			}
			if d.traces.Success() {
				d.traces.AddError(DeviceError)
			}
			failed = true
		}
	}
	if failed {
		var errTraces InList
		for _, d := range acq.ai {
			errTraces = append(errTraces, d.traces...)
		}
		acq.stopReadLocked()
		return false, failure("ReadData", errTraces, nil)
	}
	return running, nil
}

// Reading tells whether any input is acquiring.
func (acq *Acquire) Reading() bool {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	for _, d := range acq.ai {
		if acq.getState(&d.state) == Running {
			return true
		}
	}
	return false
}

// StopRead stops every input device.
func (acq *Acquire) StopRead() error {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.stopReadLocked()
}

func (acq *Acquire) stopReadLocked() error {
	var errs []error
	stopped := false
	for _, d := range acq.ai {
		d.worker.stop()
		d.worker = nil
		state := acq.getState(&d.state)
		if state == Running || state == Armed {
			if err := d.ai.Stop(); err != nil {
				errs = append(errs, err)
			}
			stopped = true
		}
		if state != Failed {
			acq.setState(&d.state, Registered)
		}
	}
	if stopped {
		acq.finishRunLocked()
		acq.dataReady.broadcast()
	}
	if len(errs) > 0 {
		return joinErrors("StopRead", errs)
	}
	return nil
}

func (acq *Acquire) recordReadLocked() {
	if acq.recorder == nil {
		return
	}
	var idents []string
	msg := &daqdb.RunMessage{ID: newRunID(), Kind: "read", SyncMode: acq.syncMode.String(), Start: time.Now()}
	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		idents = append(idents, d.ai.DeviceIdent())
		msg.Nchannels += len(d.traces)
		msg.SampleRate = math.Max(msg.SampleRate, d.traces[0].SampleRate)
		msg.Continuous = msg.Continuous || d.traces[0].Continuous
		msg.Duration = math.Max(msg.Duration, d.traces[0].Duration)
	}
	msg.Devices = strings.Join(idents, ",")
	acq.run = msg
	acq.recorder.RecordRun(msg)
}

func (acq *Acquire) finishRunLocked() {
	if acq.recorder == nil || acq.run == nil {
		return
	}
	acq.recorder.FinishRun(acq.run)
	acq.run = nil
}

// ReadSignal stamps the start of the last output onto data and returns its
// time in seconds, or -1 if no output started since the last call.
func (acq *Acquire) ReadSignal(data InList) float64 {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	acq.stateLock.Lock()
	lastDevice, lastWrite, lastDelay := acq.lastDevice, acq.lastWrite, acq.lastDelay
	acq.stateLock.Unlock()

	sigtime := -1.0
	if acq.syncMode == AISync && lastWrite < 0 {
		if lastDevice < 0 || lastDevice >= len(acq.ao) {
			return -1
		}
		inx := acq.ao[lastDevice].ao.Index()
		d := acq.ao[lastDevice].aiSyncDevice
		if inx < 0 || d < 0 || len(acq.ai[d].traces) == 0 {
			return -1
		}
		ref := acq.ai[d].traces[0]
		ref.SetSignalIndex(inx)
		sigtime = ref.SignalTime()
	} else {
		if lastWrite < 0 {
			return -1
		}
		sigtime = lastWrite + lastDelay
	}
	for _, id := range data {
		id.SetSignalIndex(id.Indices(sigtime))
	}
	acq.stateLock.Lock()
	acq.lastDevice = -1
	acq.lastWrite = -1
	acq.stateLock.Unlock()
	return sigtime
}

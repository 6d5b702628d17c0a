package daqcore

import (
	"fmt"
	"time"

	"github.com/usnistgov/daqcore/internal/daqdb"
)

// sortSignals checks the device of every signal and assigns the signals to
// the output devices.
func (acq *Acquire) sortSignals(sigs OutList) ([]OutList, bool) {
	ok := true
	lists := make([]OutList, len(acq.ao))
	for _, sig := range sigs {
		switch {
		case sig.Device < 0:
			sig.AddError(NoDevice)
			sig.Device = 0
			ok = false
		case sig.Device >= len(acq.ao):
			sig.AddError(NoDevice)
			sig.Device = max(len(acq.ao)-1, 0)
			ok = false
		default:
			lists[sig.Device] = append(lists[sig.Device], sig)
		}
	}
	return lists, ok
}

// checkSignals flags mixed priorities per device, busy devices and differing
// delays. Running devices are reset if reset is true and the request is
// prioritized.
func (acq *Acquire) checkSignals(sigs OutList, lists []OutList, reset bool) bool {
	ok := true
	for i, l := range lists {
		if len(l) == 0 {
			continue
		}
		for k := 1; k < len(l); k++ {
			if l[k].Priority != l[0].Priority {
				l[0].AddError(MultiplePriorities)
				l[k].AddError(MultiplePriorities)
				l[k].Priority = l[0].Priority
				ok = false
			}
		}
		d := acq.ao[i]
		if acq.getState(&d.state) != Running {
			continue
		}
		switch {
		case !l[0].Priority:
			l.AddError(Busy)
			ok = false
		case reset:
			acq.haltOutputLocked(d)
		}
	}
	for k := 1; k < len(sigs); k++ {
		if sigs[k].Delay != sigs[0].Delay {
			sigs[0].AddError(MultipleDelays)
			sigs[k].AddError(MultipleDelays)
			sigs[k].Delay = sigs[0].Delay
			ok = false
		}
	}
	return ok
}

// setIntensities writes or tests the attenuators of all signals. Lines not
// used by any signal are muted when write is true.
func (acq *Acquire) setIntensities(lists []OutList, write bool) bool {
	ok := true
	used := make([]bool, len(acq.att))
	for i, l := range lists {
		for _, sig := range l {
			for a, att := range acq.att {
				if att.aoIndex != i || att.line.AOChannel != sig.Channel {
					continue
				}
				used[a] = true
				if !sig.HasIntensity() {
					sig.AddError(NoIntensity)
					ok = false
					continue
				}
				var err error
				switch {
				case sig.Muted() && write:
					err = att.line.Mute()
				case sig.Muted():
					err = att.line.TestMute()
				case write:
					sig.Intensity, sig.Level, err = att.line.Write(sig.Intensity, sig.CarrierFreq)
				default:
					sig.Intensity, sig.Level, err = att.line.TestWrite(sig.Intensity, sig.CarrierFreq)
				}
				if err != nil {
					sig.AddError(attErrorFlags(err))
					sig.AddErrorStr("%v", err)
					ok = false
				}
			}
		}
	}
	if write {
		for a, att := range acq.att {
			if !used[a] {
				if err := att.line.Mute(); err != nil {
					ProblemLogger.Printf("muting attenuator line %d: %v", att.line.Line, err)
				}
			}
		}
	}
	return ok
}

// TestWrite checks whether sigs could be written. Trace names are resolved,
// attenuators are tested, and each device validates its signals. Invalid
// settings are corrected in place and flagged.
func (acq *Acquire) TestWrite(sigs OutList) error {
	acq.lock.Lock()
	defer acq.lock.Unlock()

	sigs.ClearError()
	ok := acq.outTraces.ApplyAll(sigs) == nil
	lists, sorted := acq.sortSignals(sigs)
	if !ok || !sorted {
		return failure("TestWrite", sigs, nil)
	}
	if !acq.checkSignals(sigs, lists, false) {
		ok = false
	}
	if !ok {
		return failure("TestWrite", sigs, nil)
	}
	if !acq.setIntensities(lists, false) {
		ok = false
	}
	var errs []error
	for i, l := range lists {
		if len(l) == 0 {
			continue
		}
		if err := acq.ao[i].ao.TestWrite(l); err != nil {
			errs = append(errs, err)
			ok = false
		}
	}
	if !ok {
		return failure("TestWrite", sigs, errs)
	}
	return nil
}

// Write emits sigs. Input is restarted together with the output if a gain
// change is pending, a signal asks for a restart, or the devices are not in
// AISync mode. It returns true if the output is still being transferred to
// the devices.
func (acq *Acquire) Write(sigs OutList) (bool, error) {
	acq.writeSem <- struct{}{}
	defer func() { <-acq.writeSem }()
	acq.readSem <- struct{}{}
	defer func() { <-acq.readSem }()
	acq.lock.Lock()
	defer acq.lock.Unlock()

	if len(sigs) == 0 {
		return false, fmt.Errorf("Write: no signals")
	}
	sigs.ClearError()
	ok := acq.outTraces.ApplyAll(sigs) == nil
	lists, sorted := acq.sortSignals(sigs)
	if !ok || !sorted {
		return false, failure("Write", sigs, nil)
	}
	if !acq.checkSignals(sigs, lists, true) {
		ok = false
	}
	for i, d := range acq.ao {
		d.signals = lists[i]
	}
	if !ok {
		acq.clearSignalsLocked()
		return false, failure("Write", sigs, nil)
	}
	if !acq.setIntensities(lists, true) {
		ok = false
	}

	var errs []error
	for _, d := range acq.ao {
		if len(d.signals) > 0 {
			if err := d.ao.TestWrite(d.signals); err != nil {
				errs = append(errs, err)
				ok = false
			}
		}
	}
	if !ok {
		acq.resetOutputsLocked()
		return false, failure("Write", sigs, errs)
	}

	var aos []int
	for i, d := range acq.ao {
		if len(d.signals) == 0 {
			continue
		}
		aos = append(aos, i)
		for _, sig := range d.signals {
			sig.ResetDevice()
		}
		if err := d.ao.PrepareWrite(d.signals); err != nil {
			errs = append(errs, err)
			ok = false
			continue
		}
		acq.setState(&d.state, Armed)
	}
	if !ok {
		acq.resetOutputsLocked()
		return false, failure("Write", sigs, errs)
	}

	restart := acq.gainChangedLocked() || acq.syncMode != AISync
	for _, sig := range sigs {
		restart = restart || sig.Restart
	}
	if restart {
		t, err := acq.restartRead(aos, true)
		if err != nil {
			acq.resetOutputsLocked()
			return false, failure("Write", sigs, []error{err})
		}
		acq.stampSignalLocked(t + sigs[0].Delay)
	} else {
		if err := acq.startOutputsLocked(aos); err != nil {
			acq.resetOutputsLocked()
			return false, failure("Write", sigs, []error{err})
		}
		acq.stampSyncedSignalLocked(aos[0])
	}

	acq.stateLock.Lock()
	acq.lastDevice = sigs[0].Device
	acq.lastDuration = sigs[0].Duration()
	acq.lastDelay = sigs[0].Delay
	acq.stateLock.Unlock()
	acq.recordOutputsLocked(sigs)

	pending := false
	for _, sig := range sigs {
		if sig.DeviceIndex() < sig.Size() {
			pending = true
		}
	}
	if sigs.Failed() {
		return pending, failure("Write", sigs, nil)
	}
	return pending, nil
}

// startOutputsLocked starts the outputs in aos without restarting input.
// Outputs started by another output in aos are passed in its chain.
func (acq *Acquire) startOutputsLocked(aos []int) error {
	inAOs := make(map[int]bool, len(aos))
	for _, j := range aos {
		inAOs[j] = true
	}
	for _, j := range aos {
		d := acq.ao[j]
		if d.aoDevice != j && inAOs[d.aoDevice] {
			continue
		}
		chain := Chain{}
		for _, k := range aos {
			if k != j && acq.ao[k].aoDevice == j {
				chain.Outputs = append(chain.Outputs, acq.ao[k].ao)
			}
		}
		if err := d.ao.StartWrite(chain); err != nil {
			return fmt.Errorf("starting output %q: %w", d.ao.DeviceIdent(), err)
		}
	}
	for _, j := range aos {
		d := acq.ao[j]
		d.worker = acq.runWorker(&d.state, d.ao.TransferBuffer, pollInterval(acq.bufferTime))
	}
	return nil
}

// stampSignalLocked marks t seconds as the start of the signal in every trace.
func (acq *Acquire) stampSignalLocked(t float64) {
	if t < 0 {
		return
	}
	for _, d := range acq.ai {
		for _, id := range d.traces {
			id.SetSignalIndex(id.Indices(t))
		}
	}
}

// stampSyncedSignalLocked reads the start index of output j from the input
// it is synchronized with and stamps it into all traces.
func (acq *Acquire) stampSyncedSignalLocked(j int) {
	d := acq.ao[j]
	if d.aiSyncDevice < 0 || len(acq.ai[d.aiSyncDevice].traces) == 0 {
		return
	}
	inx := d.ao.Index()
	if inx < 0 {
		return
	}
	ref := acq.ai[d.aiSyncDevice].traces[0]
	acq.stampSignalLocked(float64(inx) * ref.Interval())
}

func (acq *Acquire) clearSignalsLocked() {
	for _, d := range acq.ao {
		d.signals = nil
	}
}

// resetOutputsLocked resets all outputs and forgets their signals.
func (acq *Acquire) resetOutputsLocked() {
	for _, d := range acq.ao {
		if len(d.signals) == 0 && acq.getState(&d.state) == Registered {
			continue
		}
		acq.haltOutputLocked(d)
		d.signals = nil
	}
}

func (acq *Acquire) haltOutputLocked(d *aoData) {
	d.worker.stop()
	d.worker = nil
	if err := d.ao.Reset(); err != nil {
		ProblemLogger.Printf("resetting output %q: %v", d.ao.DeviceIdent(), err)
	}
	acq.setState(&d.state, Registered)
}

func (acq *Acquire) recordOutputsLocked(sigs OutList) {
	if acq.recorder == nil {
		return
	}
	runID := ""
	if acq.run != nil {
		runID = acq.run.ID
	}
	now := time.Now()
	for _, sig := range sigs {
		acq.recorder.RecordOutput(&daqdb.OutputMessage{
			ID: newRunID(), RunID: runID, Trace: sig.TraceName,
			Device: sig.Device, Channel: sig.Channel, SampleRate: sig.SampleRate,
			Samples: sig.Size(), Delay: sig.Delay, Intensity: sig.Intensity,
			Level: sig.Level, Start: now,
		})
	}
}

// WriteData reports on the running outputs. It returns true while any output
// is still transferring. Outputs that are done are released; failed outputs
// get their device status added to their signals.
func (acq *Acquire) WriteData() (bool, error) {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	pending := false
	var failed OutList
	for _, d := range acq.ao {
		if len(d.signals) == 0 {
			continue
		}
		switch acq.getState(&d.state) {
		case Running, Armed:
			pending = true
		case Failed:
			if flags := d.ao.Status(); flags != 0 {
				d.signals.AddError(flags)
			}
			if d.signals.Success() {
				d.signals.AddError(DeviceError)
			}
			failed = append(failed, d.signals...)
			acq.haltOutputLocked(d)
			d.signals = nil
		default:
			d.worker.stop()
			d.worker = nil
			d.signals = nil
		}
	}
	if len(failed) > 0 {
		return pending, failure("WriteData", failed, nil)
	}
	return pending, nil
}

// Writing tells whether any output is running.
func (acq *Acquire) Writing() bool {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	for _, d := range acq.ao {
		if acq.getState(&d.state) == Running {
			return true
		}
	}
	return false
}

// StopWrite resets every open output device.
func (acq *Acquire) StopWrite() error {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	var errs []error
	for _, d := range acq.ao {
		d.worker.stop()
		d.worker = nil
		if !d.ao.IsOpen() {
			continue
		}
		if err := d.ao.Reset(); err != nil {
			errs = append(errs, err)
			continue
		}
		d.signals = nil
		acq.setState(&d.state, Registered)
	}
	acq.dataReady.broadcast()
	if len(errs) > 0 {
		return joinErrors("StopWrite", errs)
	}
	return nil
}

// WriteZero sets channel of output device to 0 V.
func (acq *Acquire) WriteZero(device, channel int) error {
	acq.writeSem <- struct{}{}
	defer func() { <-acq.writeSem }()
	acq.lock.Lock()
	defer acq.lock.Unlock()

	sig := NewOutData([]float32{0}, 10000)
	sig.Ident = "zero"
	sig.Device = device
	sig.Channel = channel
	if device < 0 || device >= len(acq.ao) {
		sig.AddError(NoDevice)
		return failure("WriteZero", OutList{sig}, nil)
	}
	d := acq.ao[device]
	if acq.getState(&d.state) == Running {
		acq.haltOutputLocked(d)
	}
	l := OutList{sig}
	if err := d.ao.PrepareWrite(l); err != nil {
		acq.haltOutputLocked(d)
		return failure("WriteZero", l, []error{err})
	}
	if err := d.ao.StartWrite(Chain{}); err != nil {
		acq.haltOutputLocked(d)
		return failure("WriteZero", l, []error{err})
	}
	d.signals = l
	d.worker = acq.runWorker(&d.state, d.ao.TransferBuffer, pollInterval(acq.bufferTime))
	return nil
}

// WriteZeroTrace sets the named output trace to 0 V.
func (acq *Acquire) WriteZeroTrace(name string) error {
	acq.lock.Lock()
	spec, ok := acq.outTraces.Lookup(name)
	acq.lock.Unlock()
	if !ok {
		return fmt.Errorf("WriteZero: %w", &DaqError{Flags: InvalidTrace, Text: fmt.Sprintf("unknown output trace %q", name)})
	}
	return acq.WriteZero(spec.Device, spec.Channel)
}

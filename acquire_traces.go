package daqcore

import "fmt"

// AddOutTrace appends an output trace and returns its index.
func (acq *Acquire) AddOutTrace(spec TraceSpec) int {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.outTraces.Add(spec)
}

// OutTracesSize returns the number of output traces.
func (acq *Acquire) OutTracesSize() int {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return len(acq.outTraces)
}

// OutTrace returns output trace i. For an invalid index the trace has
// Index, Device and Channel set to -1.
func (acq *Acquire) OutTrace(i int) TraceSpec {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.outTraces) {
		return TraceSpec{Index: -1, Device: -1, Channel: -1}
	}
	return acq.outTraces[i]
}

// OutTraceIndex returns the index of the named output trace, or -1.
func (acq *Acquire) OutTraceIndex(name string) int {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.outTraces.Index(name)
}

// OutTraceName returns the name of output trace i, or "".
func (acq *Acquire) OutTraceName(i int) string {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.outTraces) {
		return ""
	}
	return acq.outTraces[i].Name
}

// OutTraceAttLine returns the attenuator line of output trace i, or nil.
func (acq *Acquire) OutTraceAttLine(i int) *AttLine {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if i < 0 || i >= len(acq.outTraces) {
		return nil
	}
	ts := acq.outTraces[i]
	for _, a := range acq.att {
		if a.aoIndex == ts.Device && a.line.AOChannel == ts.Channel {
			return a.line
		}
	}
	return nil
}

// OutTraces returns a copy of the output trace table for signal builders.
func (acq *Acquire) OutTraces() TraceTable {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return append(TraceTable(nil), acq.outTraces...)
}

// ApplyOutTrace resolves the trace name or index of sig.
func (acq *Acquire) ApplyOutTrace(sig *OutData) error {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.outTraces.Apply(sig)
}

// ApplyOutTraces resolves the trace names or indices of sigs.
func (acq *Acquire) ApplyOutTraces(sigs OutList) error {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.outTraces.ApplyAll(sigs)
}

// ClearOutTraces empties the output trace table.
func (acq *Acquire) ClearOutTraces() {
	acq.lock.Lock()
	acq.outTraces = nil
	acq.lock.Unlock()
}

// InTraces lists one trace per channel of every input device.
func (acq *Acquire) InTraces() TraceTable {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	var tt TraceTable
	for k, d := range acq.ai {
		for c := 0; c < d.ai.Channels(); c++ {
			tt.Add(TraceSpec{Name: deviceChannelName(k, c), Device: k, Channel: c})
		}
	}
	return tt
}

func deviceChannelName(device, channel int) string {
	return fmt.Sprintf("device %d channel %d", device, channel)
}

package daqcore

import "context"

// Results of the wait functions.
const (
	WaitSatisfied = 1
	WaitStopped   = 0
	WaitError     = -1
)

// inputSnapshot returns the traces and states of all participating inputs.
func (acq *Acquire) inputSnapshot() ([]InList, []DeviceState) {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	var lists []InList
	var states []DeviceState
	for _, d := range acq.ai {
		if len(d.traces) == 0 {
			continue
		}
		lists = append(lists, d.traces)
		states = append(states, acq.getState(&d.state))
	}
	return lists, states
}

// waitFor polls check after every transfer until it returns a result, the
// acquisition halts or ctx is done.
func (acq *Acquire) waitFor(ctx context.Context, check func(lists []InList, states []DeviceState) (int, bool)) int {
	for {
		wake := acq.dataReady.wait()
		lists, states := acq.inputSnapshot()
		if r, done := check(lists, states); done {
			return r
		}
		select {
		case <-ctx.Done():
			return WaitStopped
		case <-wake:
		}
	}
}

func haltedResult(states []DeviceState) (int, bool) {
	if len(states) == 0 {
		return WaitStopped, true
	}
	anyRunning := false
	for _, s := range states {
		switch s {
		case Failed:
			return WaitError, true
		case Running, Armed:
			anyRunning = true
		}
	}
	if !anyRunning {
		return WaitStopped, true
	}
	return 0, false
}

func minLength(lists []InList) float64 {
	t := -1.0
	for _, l := range lists {
		for _, id := range l {
			if d := id.Length(); t < 0 || d < t {
				t = d
			}
		}
	}
	return t
}

// WaitForData blocks until every trace being read holds at least minTraceTime
// seconds of data. It returns WaitSatisfied, WaitStopped if acquisition halted
// first or ctx ended, and WaitError if a device failed.
func (acq *Acquire) WaitForData(ctx context.Context, minTraceTime float64) int {
	return acq.waitFor(ctx, func(lists []InList, states []DeviceState) (int, bool) {
		if len(lists) > 0 && minLength(lists) >= minTraceTime {
			return WaitSatisfied, true
		}
		return haltedResult(states)
	})
}

// GetRawData waits like WaitForData, or until an output started after sample
// prevSignal when prevSignal >= 0, and then copies the new samples of the
// traces being read into the traces of data with the same device and channel.
func (acq *Acquire) GetRawData(ctx context.Context, data InList, minTraceTime float64, prevSignal int) int {
	r := acq.waitFor(ctx, func(lists []InList, states []DeviceState) (int, bool) {
		if len(lists) == 0 {
			return WaitStopped, true
		}
		if minLength(lists) >= minTraceTime {
			return WaitSatisfied, true
		}
		if prevSignal >= 0 && lists[0][0].SignalIndex() > prevSignal {
			return WaitSatisfied, true
		}
		return haltedResult(states)
	})
	if r == WaitError {
		return r
	}
	lists, _ := acq.inputSnapshot()
	copied := false
	for _, l := range lists {
		for _, src := range l {
			dst := data.Find(src.Device, src.Channel)
			if dst == nil {
				continue
			}
			copied = true
			if dst == src {
				continue
			}
			from := max(dst.Size(), src.MinIndex())
			dst.Append(src.Slice(from, src.Size()))
			dst.SetSignalIndex(src.SignalIndex())
		}
	}
	if r == WaitSatisfied && !copied && len(data) > 0 {
		return WaitError
	}
	return r
}

// WaitForRead blocks until all finite inputs have completed.
func (acq *Acquire) WaitForRead(ctx context.Context) int {
	return acq.waitFor(ctx, func(lists []InList, states []DeviceState) (int, bool) {
		if len(states) == 0 {
			return WaitStopped, true
		}
		idle := 0
		for _, s := range states {
			switch s {
			case Failed:
				return WaitError, true
			case Registered:
				return WaitStopped, true
			case Idle:
				idle++
			}
		}
		if idle == len(states) {
			return WaitSatisfied, true
		}
		return 0, false
	})
}

// WaitForWrite blocks until all outputs have emitted their signals.
func (acq *Acquire) WaitForWrite(ctx context.Context) int {
	for {
		wake := acq.dataReady.wait()
		acq.lock.Lock()
		result, done := WaitSatisfied, true
		active := 0
		for _, d := range acq.ao {
			if len(d.signals) == 0 {
				continue
			}
			active++
			switch acq.getState(&d.state) {
			case Failed:
				result = WaitError
			case Running, Armed:
				if result != WaitError {
					done = false
				}
			}
		}
		acq.lock.Unlock()
		if active == 0 {
			return WaitStopped
		}
		if result == WaitError || done {
			return result
		}
		select {
		case <-ctx.Done():
			return WaitStopped
		case <-wake:
		}
	}
}

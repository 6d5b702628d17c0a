package daqcore

import "fmt"

// gainRange returns the maximum voltage of gain index for the given polarity,
// or 0 if the device lacks it.
func gainRange(c Converter, index int, unipolar bool) float64 {
	if index < 0 || index >= c.RangeCount() {
		return 0
	}
	if unipolar {
		return c.Range(index).Unipolar
	}
	return c.Range(index).Bipolar
}

// gainDevice returns the input that acquires trace.
func (acq *Acquire) gainDevice(trace *InData) (*aiData, error) {
	di := trace.Device
	if di < 0 || di >= len(acq.ai) {
		return nil, &DaqError{Flags: NoDevice, Text: fmt.Sprintf("trace %q", trace.Ident)}
	}
	d := acq.ai[di]
	if !d.ai.IsOpen() {
		return nil, &DaqError{Flags: DeviceNotOpen, Text: fmt.Sprintf("trace %q", trace.Ident)}
	}
	return d, nil
}

// requestGain records index for all traces of d on trace's channel.
func requestGain(d *aiData, trace *InData, index int) {
	for k, id := range d.traces {
		if k >= len(d.gains) || id.Channel != trace.Channel {
			continue
		}
		if id.GainIndex == index {
			d.gains[k] = -1
		} else {
			d.gains[k] = index
		}
	}
}

// SetGain requests gain index for the channel of trace. The new gain takes
// effect with ActivateGains or the next Write.
func (acq *Acquire) SetGain(trace *InData, index int) error {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	d, err := acq.gainDevice(trace)
	if err != nil {
		return err
	}
	if gainRange(d.ai, index, trace.Unipolar) <= 0 {
		return &DaqError{Flags: InvalidGain, Text: fmt.Sprintf("gain index %d for trace %q", index, trace.Ident)}
	}
	requestGain(d, trace, index)
	return nil
}

// AdjustGain requests the most sensitive gain whose range still holds
// maxValue, in the units of trace. If none does, the largest range is requested.
func (acq *Acquire) AdjustGain(trace *InData, maxValue float64) error {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	d, err := acq.gainDevice(trace)
	if err != nil {
		return err
	}
	maxindex, newindex := -1, -1
	for k := d.ai.RangeCount() - 1; k >= 0; k-- {
		r := gainRange(d.ai, k, trace.Unipolar)
		if r <= 0 {
			continue
		}
		if maxindex < 0 {
			maxindex = k
		}
		if r*trace.Scale >= maxValue {
			newindex = k
			break
		}
	}
	if newindex < 0 {
		// nothing holds maxValue: take the largest range
		for k := 0; k < d.ai.RangeCount(); k++ {
			if gainRange(d.ai, k, trace.Unipolar) > 0 {
				newindex = k
				break
			}
		}
	}
	if newindex < 0 {
		return &DaqError{Flags: InvalidGain, Text: fmt.Sprintf("no range for trace %q", trace.Ident)}
	}
	requestGain(d, trace, newindex)
	return nil
}

// AdjustGainStep moves the gain of trace by one step: to a larger range if
// maxValue exceeds the current range, or to a smaller one if minValue would
// still fit into it.
func (acq *Acquire) AdjustGainStep(trace *InData, minValue, maxValue float64) error {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	d, err := acq.gainDevice(trace)
	if err != nil {
		return err
	}
	gainindex := trace.GainIndex
	current := gainRange(d.ai, gainindex, trace.Unipolar) * trace.Scale
	newindex := -1
	if maxValue > current {
		for k := gainindex - 1; k >= 0; k-- {
			if gainRange(d.ai, k, trace.Unipolar) > 0 {
				newindex = k
				break
			}
		}
	} else {
		for k := gainindex + 1; k < d.ai.RangeCount(); k++ {
			next := gainRange(d.ai, k, trace.Unipolar)
			if next <= 0 {
				continue
			}
			lowerlimit := current * next / gainRange(d.ai, gainindex, trace.Unipolar)
			if minValue < lowerlimit {
				newindex = k
			}
			break
		}
	}
	if newindex < 0 {
		return &DaqError{Flags: InvalidGain, Text: fmt.Sprintf("no further range for trace %q", trace.Ident)}
	}
	requestGain(d, trace, newindex)
	return nil
}

// GainChanged tells whether a gain request is pending.
func (acq *Acquire) GainChanged() bool {
	acq.lock.Lock()
	defer acq.lock.Unlock()
	return acq.gainChangedLocked()
}

func (acq *Acquire) gainChangedLocked() bool {
	for _, d := range acq.ai {
		for _, g := range d.gains {
			if g >= 0 {
				return true
			}
		}
	}
	return false
}

// applyGainsLocked moves the requested gains into the traces.
func (acq *Acquire) applyGainsLocked() bool {
	changed := false
	for _, d := range acq.ai {
		for k, g := range d.gains {
			if g >= 0 && k < len(d.traces) {
				d.traces[k].GainIndex = g
				d.gains[k] = -1
				changed = true
			}
		}
	}
	return changed
}

// ActivateGains restarts input so that pending gain requests take effect.
func (acq *Acquire) ActivateGains() error {
	acq.readSem <- struct{}{}
	defer func() { <-acq.readSem }()
	acq.lock.Lock()
	defer acq.lock.Unlock()
	if !acq.gainChangedLocked() {
		return nil
	}
	if _, err := acq.restartRead(nil, true); err != nil {
		return fmt.Errorf("ActivateGains: %w", err)
	}
	return nil
}

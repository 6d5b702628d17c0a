package daqcore

import "slices"

// converterDevice is what the checks need to know about a device.
type converterDevice interface {
	Converter
	IsOpen() bool
}

// fixRate clamps a sampling rate to (0, maxRate].
func fixRate(s *DaqState, rate *float64, maxRate float64) {
	if *rate <= 0 || (maxRate > 0 && *rate > maxRate) {
		s.AddError(InvalidSampleRate)
		s.AddErrorStr("sampling rate %g Hz, using %g Hz", *rate, maxRate)
		*rate = maxRate
	}
}

// nearestGain returns the valid gain index closest to index for the given
// polarity, or -1 if the device has none.
func nearestGain(c Converter, index int, unipolar bool) int {
	best := -1
	for k := 0; k < c.RangeCount(); k++ {
		if gainRange(c, k, unipolar) <= 0 {
			continue
		}
		if best < 0 || abs(k-index) < abs(best-index) {
			best = k
		}
	}
	return best
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

// checkInputs validates the traces of one input device. Invalid settings are
// corrected in place and flagged. It returns false if any trace got a flag.
// Channels at or above paramOffset are model parameters and skip the range
// checks; pass 0 if the device has none.
func checkInputs(dev converterDevice, traces InList, maxRate float64, continuous bool, paramOffset int) bool {
	if len(traces) == 0 {
		return false
	}
	if !dev.IsOpen() {
		traces.AddError(DeviceNotOpen)
		return false
	}
	first := traces[0]
	seen := make(map[int]bool, len(traces))
	for k, id := range traces {
		param := paramOffset > 0 && id.Channel >= paramOffset
		if !param && (id.Channel < 0 || id.Channel >= dev.Channels()) {
			id.AddError(InvalidChannel)
			id.AddErrorStr("channel %d of %d", id.Channel, dev.Channels())
			id.Channel = min(max(id.Channel, 0), dev.Channels()-1)
		}
		if seen[id.Channel] {
			id.AddError(MultipleChannels)
		}
		seen[id.Channel] = true

		fixRate(&id.DaqState, &id.SampleRate, maxRate)
		if id.Continuous && !continuous {
			id.AddError(InvalidContinuous)
			id.Continuous = false
		}
		if id.Delay < 0 {
			id.AddError(InvalidDelay)
			id.Delay = 0
		}
		if id.StartSource < 0 {
			id.AddError(InvalidStartSource)
			id.StartSource = 0
		}
		if id.Reference < RefDefault || id.Reference >= RefOther {
			id.AddError(InvalidReference)
			id.Reference = RefDefault
		}
		if k > 0 {
			if id.SampleRate != first.SampleRate {
				id.AddError(MultipleSampleRates)
				id.SampleRate = first.SampleRate
			}
			if id.Continuous != first.Continuous {
				id.AddError(MultipleContinuous)
				id.Continuous = first.Continuous
			}
			if id.Delay != first.Delay {
				id.AddError(MultipleDelays)
				id.Delay = first.Delay
			}
			if id.StartSource != first.StartSource {
				id.AddError(MultipleStartSources)
				id.StartSource = first.StartSource
			}
		}
		if param {
			continue
		}

		if gainRange(dev, id.GainIndex, id.Unipolar) <= 0 {
			g := nearestGain(dev, id.GainIndex, id.Unipolar)
			if g < 0 {
				// the other polarity may offer a range
				id.Unipolar = !id.Unipolar
				g = nearestGain(dev, id.GainIndex, id.Unipolar)
			}
			id.AddError(InvalidGain)
			if g < 0 {
				continue
			}
			id.GainIndex = g
		}
		v := gainRange(dev, id.GainIndex, id.Unipolar)
		lo := -v
		if id.Unipolar {
			lo = 0
		}
		id.setVoltageRange(lo, v)
	}
	return traces.Success()
}

// checkOutputs validates the signals of one output device and selects the
// output range for each. The samples are never changed.
func checkOutputs(dev converterDevice, sigs OutList, maxRate, externalReference float64) bool {
	if len(sigs) == 0 {
		return false
	}
	if !dev.IsOpen() {
		sigs.AddError(DeviceNotOpen)
		return false
	}
	ranges := DeviceRanges(dev, externalReference)
	first := sigs[0]
	var firstRange Range
	seen := make(map[int]bool, len(sigs))
	for k, sig := range sigs {
		if len(sig.Samples) == 0 {
			sig.AddError(NoData)
		}
		if sig.Channel < 0 || sig.Channel >= dev.Channels() {
			sig.AddError(InvalidChannel)
			sig.AddErrorStr("channel %d of %d", sig.Channel, dev.Channels())
			sig.Channel = min(max(sig.Channel, 0), dev.Channels()-1)
		}
		if seen[sig.Channel] {
			sig.AddError(MultipleChannels)
		}
		seen[sig.Channel] = true

		limit := maxRate
		if sig.MaxRate > 0 {
			limit = min(maxRate, sig.MaxRate)
		}
		fixRate(&sig.DaqState, &sig.SampleRate, limit)
		if sig.Delay < 0 {
			sig.AddError(InvalidDelay)
			sig.Delay = 0
		}
		if sig.StartSource < 0 {
			sig.AddError(InvalidStartSource)
			sig.StartSource = 0
		}
		if k > 0 {
			if sig.SampleRate != first.SampleRate {
				sig.AddError(MultipleSampleRates)
				sig.SampleRate = first.SampleRate
			}
			if sig.Continuous != first.Continuous {
				sig.AddError(MultipleContinuous)
				sig.Continuous = first.Continuous
			}
			if sig.StartSource != first.StartSource {
				sig.AddError(MultipleStartSources)
				sig.StartSource = first.StartSource
			}
		}

		lo, hi := sig.VoltageRange()
		r, flags := SelectRange(ranges, lo, hi)
		if flags != 0 {
			sig.AddError(flags)
			sig.AddErrorStr("signal between %gV and %gV", lo, hi)
		}
		// one reference for all channels of a device
		if k == 0 {
			firstRange = r
		} else if r.Index >= 0 && firstRange.Index >= 0 && r.External != firstRange.External {
			sig.AddError(MultipleReferences)
			r = firstRange
		}
		if r.Index >= 0 {
			sig.GainIndex = r.Index
			sig.Unipolar = r.Unipolar
			sig.MinVoltage = r.Min
			sig.MaxVoltage = r.Max
		}
	}
	return sigs.Success()
}

// checkChannelSequence flags sigs unless their channels are exactly
// 0..len(sigs)-1, for devices that always scan all channels from channel 0.
func checkChannelSequence(sigs OutList) bool {
	chans := make([]int, len(sigs))
	for k, sig := range sigs {
		chans[k] = sig.Channel
	}
	slices.Sort(chans)
	for k, c := range chans {
		if c != k {
			sigs.AddError(InvalidChannelSequence)
			return false
		}
	}
	return true
}

package daqcore

import (
	"testing"
)

func TestCheckInputs(t *testing.T) {
	ai := NewSimAnalogInput("ai", 4, 10000)
	a := NewInData("a", 0, 1, 5000)
	if checkInputs(ai, InList{a}, ai.MaxRate(), true, 0) {
		t.Errorf("checkInputs succeeded on a closed device")
	}
	if a.Flags() != DeviceNotOpen {
		t.Errorf("closed device flagged %v, want DeviceNotOpen", a.Flags())
	}
	if checkInputs(ai, nil, ai.MaxRate(), true, 0) {
		t.Errorf("checkInputs succeeded without traces")
	}

	ai.Open("sim")
	defer ai.Close()
	a.ClearError()
	a.GainIndex = 2
	if !checkInputs(ai, InList{a}, ai.MaxRate(), true, 0) {
		t.Fatalf("checkInputs failed on a valid trace: %v", a.Err())
	}
	if a.MaxVoltage != 1 || a.MinVoltage != -1 {
		t.Errorf("gain 2 gives %g..%g V, want -1..1 V", a.MinVoltage, a.MaxVoltage)
	}

	b := NewInData("b", 0, 7, 20000)
	c := NewInData("c", 0, 1, 5000)
	c.Delay = -1
	c.GainIndex = 9
	c.Unipolar = true
	c.Reference = RefOther
	d := NewInData("d", 0, 2, 5000)
	d.Continuous = true
	d.Delay = 0.5
	list := InList{a, b, c, d}
	list.ClearError()
	if checkInputs(ai, list, ai.MaxRate(), false, 0) {
		t.Fatalf("checkInputs accepted invalid traces")
	}
	if a.Flags() != 0 {
		t.Errorf("valid first trace flagged %v", a.Flags())
	}
	if b.Flags() != InvalidChannel|InvalidSampleRate|MultipleSampleRates || b.Channel != 3 || b.SampleRate != 5000 {
		t.Errorf("trace b flagged %v, channel %d, rate %g", b.Flags(), b.Channel, b.SampleRate)
	}
	if c.Flags() != MultipleChannels|InvalidDelay|InvalidReference|InvalidGain || c.GainIndex != 3 {
		t.Errorf("trace c flagged %v, gain %d", c.Flags(), c.GainIndex)
	}
	if c.MinVoltage != 0 || c.MaxVoltage != 0.5 {
		t.Errorf("unipolar gain 3 gives %g..%g V, want 0..0.5 V", c.MinVoltage, c.MaxVoltage)
	}
	if d.Flags() != InvalidContinuous|MultipleDelays || d.Continuous || d.Delay != 0 {
		t.Errorf("trace d flagged %v, continuous %t, delay %g", d.Flags(), d.Continuous, d.Delay)
	}

	// Parameter channels skip channel and gain checks.
	p := NewInData("p", 0, 1000, 5000)
	p.GainIndex = -5
	if !checkInputs(ai, InList{p}, ai.MaxRate(), true, 1000) {
		t.Errorf("parameter channel rejected: %v", p.Err())
	}

	// A device with only unipolar ranges switches polarity.
	ai.SetRanges([]GainRange{{Unipolar: 10}})
	e := NewInData("e", 0, 0, 5000)
	checkInputs(ai, InList{e}, ai.MaxRate(), true, 0)
	if !e.Unipolar || e.GainIndex != 0 || e.Flags() != InvalidGain {
		t.Errorf("bipolar trace on unipolar device: unipolar %t gain %d flags %v", e.Unipolar, e.GainIndex, e.Flags())
	}
}

func TestCheckOutputs(t *testing.T) {
	ao := NewSimAnalogOutput("ao", 2, 20000)
	ao.Open("sim")
	defer ao.Close()

	a := NewOutData([]float32{0, 0.3, -0.7}, 10000)
	b := NewOutData([]float32{0, 4}, 50000)
	b.Channel = 1
	if !checkOutputs(ao, OutList{a}, ao.MaxRate(), 0) {
		t.Fatalf("checkOutputs failed on a valid signal: %v", a.Err())
	}
	if a.GainIndex != 2 || a.Unipolar || a.MaxVoltage != 1 {
		t.Errorf("signal within 1 V got gain %d unipolar %t max %g", a.GainIndex, a.Unipolar, a.MaxVoltage)
	}

	b.MaxRate = 8000
	if checkOutputs(ao, OutList{a, b}, ao.MaxRate(), 0) {
		t.Fatalf("checkOutputs accepted signals with different rates")
	}
	if b.Flags() != InvalidSampleRate|MultipleSampleRates || b.SampleRate != 10000 {
		t.Errorf("signal b flagged %v with rate %g", b.Flags(), b.SampleRate)
	}
	if !b.Unipolar || b.MaxVoltage != 5 {
		t.Errorf("signal 0..4 V got unipolar %t max %g, want unipolar 5 V", b.Unipolar, b.MaxVoltage)
	}

	big := NewOutData([]float32{-12, 12}, 1000)
	empty := NewOutData(nil, 1000)
	empty.Channel = 5
	checkOutputs(ao, OutList{big, empty}, ao.MaxRate(), 0)
	if big.Flags() != Overflow || big.MaxVoltage != 10 || big.Samples[1] != 12 {
		t.Errorf("too large signal flagged %v max %g samples %v", big.Flags(), big.MaxVoltage, big.Samples)
	}
	if empty.Flags()&(NoData|InvalidChannel) != NoData|InvalidChannel || empty.Channel != 1 {
		t.Errorf("empty signal flagged %v on channel %d", empty.Flags(), empty.Channel)
	}

	// An external reference takes signals beyond the internal ranges.
	big.ClearError()
	if !checkOutputs(ao, OutList{big}, ao.MaxRate(), 15) {
		t.Errorf("external reference did not take the signal: %v", big.Err())
	}
	if big.GainIndex != ao.RangeCount() || big.MaxVoltage != 15 {
		t.Errorf("external reference gives gain %d max %g", big.GainIndex, big.MaxVoltage)
	}
}

func TestCheckOutputReferences(t *testing.T) {
	ao := NewSimAnalogOutput("ao", 2, 20000)
	ao.ExternalReference = 15
	ao.Open("sim")
	defer ao.Close()

	ext := NewOutData([]float32{-12, 12}, 1000)
	small := NewOutData([]float32{-0.5, 0.5}, 1000)
	small.Channel = 1
	if ao.TestWrite(OutList{ext, small}) == nil {
		t.Fatalf("TestWrite accepted internal and external references together")
	}
	if ext.Flags() != 0 || ext.GainIndex != ao.RangeCount() {
		t.Errorf("first signal flagged %v with gain %d", ext.Flags(), ext.GainIndex)
	}
	if small.Flags() != MultipleReferences {
		t.Errorf("second signal flagged %v, want %v", small.Flags(), MultipleReferences)
	}
	if small.GainIndex != ext.GainIndex || small.MaxVoltage != 15 || small.Samples[1] != 0.5 {
		t.Errorf("second signal got gain %d max %g samples %v, want the reference of the first", small.GainIndex, small.MaxVoltage, small.Samples)
	}

	// The first signal decides, also for an internal reference.
	ext.ClearError()
	small.ClearError()
	small.Channel = 0
	ext.Channel = 1
	checkOutputs(ao, OutList{small, ext}, ao.MaxRate(), ao.ExternalReference)
	if small.Flags() != 0 || small.GainIndex != 3 {
		t.Errorf("first signal flagged %v with gain %d", small.Flags(), small.GainIndex)
	}
	if ext.Flags() != MultipleReferences || ext.GainIndex != 3 || ext.MaxVoltage != 0.5 {
		t.Errorf("second signal flagged %v with gain %d max %g", ext.Flags(), ext.GainIndex, ext.MaxVoltage)
	}
}

func TestCheckChannelSequence(t *testing.T) {
	ao := NewSimAnalogOutput("ao", 2, 20000)
	ao.FullScan = true
	ao.Open("sim")
	defer ao.Close()

	sig := NewOutData([]float32{0, 1}, 1000)
	sig.Channel = 1
	if ao.TestWrite(OutList{sig}) == nil || sig.Flags()&InvalidChannelSequence == 0 {
		t.Errorf("writing only channel 1 of a full-scan device flagged %v", sig.Flags())
	}
	sig.ClearError()
	first := NewOutData([]float32{0, 1}, 1000)
	if err := ao.TestWrite(OutList{sig, first}); err != nil {
		t.Errorf("writing channels 1 and 0 of a full-scan device: %v", err)
	}

	ao.FullScan = false
	sig.ClearError()
	if err := ao.TestWrite(OutList{sig}); err != nil {
		t.Errorf("writing only channel 1: %v", err)
	}
}

package daqcore

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/usnistgov/daqcore/rtmodule"
)

func newRTPair(t *testing.T, mod *rtmodule.NoModule) (*RTAnalogInput, *RTAnalogOutput) {
	ai := NewRTAnalogInput("rt-ai", mod, 0, 4, simRanges)
	ao := NewRTAnalogOutput("rt-ao", mod, 1, 2, simRanges)
	if err := ai.Open("/dev/comedi0"); err != nil {
		t.Fatalf("opening real-time input: %v", err)
	}
	if err := ao.Open("/dev/comedi0"); err != nil {
		t.Fatalf("opening real-time output: %v", err)
	}
	return ai, ao
}

func TestRTAnalogInput(t *testing.T) {
	mod := rtmodule.NewNoModule(20)
	ai, ao := newRTPair(t, mod)
	defer ai.Close()
	defer ao.Close()
	if ai.MaxRate() != rtmodule.MaxFrequency || ai.Channels() != 4 || ai.RangeCount() != 4 {
		t.Errorf("real-time input: rate %g channels %d ranges %d", ai.MaxRate(), ai.Channels(), ai.RangeCount())
	}
	if !strings.Contains(ai.Info(), "real-time analog input") {
		t.Errorf("Info()=%q", ai.Info())
	}

	a := NewInData("a", 0, 0, 1000)
	b := NewInData("b", 0, 1, 1000)
	for _, id := range []*InData{a, b} {
		id.Duration = 0.1
		id.Reserve(100)
	}
	if err := ai.PrepareRead(InList{a, b}); err != nil {
		t.Fatalf("PrepareRead: %v", err)
	}
	if err := ai.StartRead(Chain{}); err != nil {
		t.Fatalf("StartRead: %v", err)
	}
	if !ai.Running() || a.SampleRate != 1000 {
		t.Errorf("after StartRead running=%t rate=%g", ai.Running(), a.SampleRate)
	}
	if r := transferUntil(ai.TransferBuffer, time.Second); r != TransferComplete {
		t.Fatalf("finite acquisition ended with %d, want TransferComplete (%v)", r, a.Err())
	}
	if a.Size() != 100 || b.Size() != 100 {
		t.Errorf("traces hold %d and %d samples, want 100", a.Size(), b.Size())
	}
	// Channel c of the fake module carries sin(2 pi 10 t)/(c+1).
	if v := b.At(25); math.Abs(float64(v)-0.5) > 1e-4 {
		t.Errorf("sample 25 of channel 1 is %g, want 0.5", v)
	}

	// An overflow reported by the module fails the transfer.
	c := NewInData("c", 0, 0, 1000)
	c.Continuous = true
	c.Reserve(1000)
	if err := ai.PrepareRead(InList{c}); err != nil {
		t.Fatalf("PrepareRead after completion: %v", err)
	}
	ai.StartRead(Chain{})
	mod.InjectStatus(ai.subdevice().ID(), rtmodule.EOverflow)
	if r := ai.TransferBuffer(); r != TransferFailed {
		t.Errorf("TransferBuffer after overflow returned %d", r)
	}
	if ai.Status() != OverflowUnderrun || c.Flags()&OverflowUnderrun == 0 {
		t.Errorf("overflow gives status %v and trace flags %v", ai.Status(), c.Flags())
	}
	ai.Reset()
	if ai.Status() != 0 || ai.Running() {
		t.Errorf("Reset did not clear the failure")
	}

	// Too fast for the loop.
	d := NewInData("d", 0, 0, 2*rtmodule.MaxFrequency)
	if err := ai.TestRead(InList{d}); err == nil || d.SampleRate != rtmodule.MaxFrequency {
		t.Errorf("TestRead at %g Hz: %v", float64(2*rtmodule.MaxFrequency), err)
	}
}

func TestRTAnalogOutput(t *testing.T) {
	mod := rtmodule.NewNoModule(20)
	ai, ao := newRTPair(t, mod)
	defer ai.Close()
	defer ao.Close()

	ais := []AnalogInput{ai}
	aos := []AnalogOutput{ao}
	if i := ao.AISyncDevice(ais); i != 0 {
		t.Errorf("AISyncDevice()=%d, want 0", i)
	}
	if aiLinks, aoLinks := ai.Take(ais, aos); len(aiLinks) != 0 || len(aoLinks) != 1 || !aoLinks[0].RateLocked {
		t.Errorf("Take gives %v, %v", aiLinks, aoLinks)
	}
	if sim := NewSimAnalogInput("sim", 1, 1000); ao.AISyncDevice([]AnalogInput{sim}) != -1 {
		t.Errorf("real-time output syncs to a simulated input")
	}

	in := NewInData("in", 0, 0, 1000)
	in.Continuous = true
	in.Reserve(1000)
	samples := make([]float32, 100)
	for i := range samples {
		samples[i] = float32(i) / 100
	}
	short := NewOutData([]float32{1, 2}, 1000)
	short.Channel = 1
	sig := NewOutData(samples, 1000)
	if err := ai.PrepareRead(InList{in}); err != nil {
		t.Fatal(err)
	}
	if err := ao.PrepareWrite(OutList{sig, short}); err != nil {
		t.Fatalf("PrepareWrite: %v", err)
	}
	if sig.DeviceIndex() != 100 || short.DeviceIndex() != 2 {
		t.Errorf("first fill moved %d and %d samples, want 100 and 2", sig.DeviceIndex(), short.DeviceIndex())
	}
	if err := ai.StartRead(Chain{Outputs: aos}); err != nil {
		t.Fatalf("StartRead with chained output: %v", err)
	}
	if !ao.Running() {
		t.Errorf("chained output is not running")
	}
	if i := ao.Index(); i < 0 || i > 5 {
		t.Errorf("output started at input index %d, want about 0", i)
	}
	if r := transferUntil(ao.TransferBuffer, time.Second); r != TransferComplete {
		t.Fatalf("output ended with %d, want TransferComplete (%v)", r, sig.Err())
	}
	written := mod.Written(ao.subdevice().ID())
	if len(written) != 200 {
		t.Fatalf("module received %d samples, want 200", len(written))
	}
	// Interleaved frames; the short signal holds its last value.
	if written[2*50] != samples[50] || written[2*50+1] != 2 || written[1] != 1 {
		t.Errorf("module received frames %v ...", written[:6])
	}
	if r := ai.TransferBuffer(); r < TransferNone {
		t.Errorf("continuous input returned %d while the output ran", r)
	}
	ai.Reset()
	ao.Reset()
}

func TestRTChainWithSimulatedDevice(t *testing.T) {
	mod := rtmodule.NewNoModule(1)
	ai, ao := newRTPair(t, mod)
	defer ai.Close()
	defer ao.Close()
	sim := NewSimAnalogOutput("sim", 1, 10000)
	sim.Open("sim")
	defer sim.Close()

	in := NewInData("in", 0, 0, 1000)
	in.Continuous = true
	in.Reserve(1000)
	if err := ai.PrepareRead(InList{in}); err != nil {
		t.Fatal(err)
	}
	if err := sim.PrepareWrite(OutList{NewOutData([]float32{0, 1, 0}, 1000)}); err != nil {
		t.Fatal(err)
	}
	if err := ai.StartRead(Chain{Outputs: []AnalogOutput{sim}}); err != nil {
		t.Fatalf("StartRead: %v", err)
	}
	if !ai.Running() || !sim.Running() {
		t.Errorf("chain not started: input %t simulated output %t", ai.Running(), sim.Running())
	}
	ai.Stop()
	if ai.Running() {
		t.Errorf("input still running after Stop")
	}
}

func TestRTChannels(t *testing.T) {
	specs := []ChannelSpec{
		{Channel: 2, GainIndex: 1, Reference: RefDifferential, Scale: 2, Conversion: LinearPolynomial(0.5, 3)},
		{Channel: rtmodule.ParamChanOffset + 1, GainIndex: 3, Reference: RefCommon, Scale: 1},
	}
	chans := rtChannels(specs)
	if chans[0].Channel != 2 || chans[0].Range != 1 || chans[0].Aref != 2 || chans[0].Scale != 2 ||
		chans[0].Order != 1 || chans[0].Coefficients[1] != 3 {
		t.Errorf("rtChannels()[0]=%+v", chans[0])
	}
	if !chans[1].IsParameter() || chans[1].Range != 0 || chans[1].Aref != 0 {
		t.Errorf("parameter channel got range or reference: %+v", chans[1])
	}
	if rtAref(RefGround) != 0 || rtAref(RefCommon) != 1 || rtAref(RefOther) != 0 {
		t.Errorf("rtAref maps references wrongly")
	}

	// Opening twice fails; closing a never opened device fails.
	mod := rtmodule.NewNoModule(1)
	ai := NewRTAnalogInput("x", mod, 0, 1, simRanges)
	if err := ai.Close(); err == nil {
		t.Errorf("closing a closed real-time device succeeded")
	}
	if err := ai.Open("f"); err != nil {
		t.Fatal(err)
	}
	if err := ai.Open("f"); err == nil {
		t.Errorf("opening an open real-time device succeeded")
	}
	if err := ai.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if i := NewRTAnalogOutput("y", mod, 1, 1, simRanges).Index(); i != -1 {
		t.Errorf("Index of a closed output is %d, want -1", i)
	}
}

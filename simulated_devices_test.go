package daqcore

import (
	"math"
	"strings"
	"testing"
	"time"
)

// transferUntil calls transfer until it returns a value <0 or timeout passes.
func transferUntil(transfer func() int, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r := transfer(); r < 0 {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	return TransferNone
}

func TestSimAnalogInput(t *testing.T) {
	ai := NewSimAnalogInput("ai", 2, 10000)
	ai.TimeScale = 20
	if ai.Channels() != 2 || ai.Bits() != 16 || ai.MaxRate() != 10000 || ai.RangeCount() != 4 {
		t.Errorf("simulated input has %d channels %d bits %g Hz %d ranges",
			ai.Channels(), ai.Bits(), ai.MaxRate(), ai.RangeCount())
	}
	if r := ai.Range(7); r.Bipolar != 0 || r.Unipolar != 0 {
		t.Errorf("Range(7)=%v, want zero", r)
	}
	if err := ai.Close(); err == nil {
		t.Errorf("closing a closed device succeeded")
	}
	if err := ai.Open("sim0"); err != nil {
		t.Fatal(err)
	}
	if err := ai.Open("sim0"); err == nil {
		t.Errorf("opening an open device succeeded")
	}
	if !strings.Contains(ai.Info(), `"ai" on "sim0" (open)`) {
		t.Errorf("Info()=%q", ai.Info())
	}
	defer ai.Close()

	a := NewInData("a", 0, 0, 1000)
	a.Duration = 0.1
	b := NewInData("b", 0, 1, 1000)
	b.Duration = 0.1
	traces := InList{a, b}
	a.Reserve(100)
	b.Reserve(100)
	if err := ai.StartRead(Chain{}); err == nil {
		t.Errorf("StartRead before PrepareRead succeeded")
	}
	if err := ai.PrepareRead(traces); err != nil {
		t.Fatalf("PrepareRead: %v", err)
	}
	if err := ai.StartRead(Chain{}); err != nil {
		t.Fatalf("StartRead: %v", err)
	}
	if !ai.Running() {
		t.Errorf("input not running after StartRead")
	}
	if r := transferUntil(ai.TransferBuffer, time.Second); r != TransferComplete {
		t.Fatalf("finite acquisition ended with %d, want TransferComplete", r)
	}
	if ai.Running() || a.Size() != 100 || b.Size() != 100 {
		t.Errorf("after completion running=%t sizes %d,%d, want false,100,100", ai.Running(), a.Size(), b.Size())
	}
	// 10 Hz sine with half the 10 V range: peak of 5 V at 25 ms.
	if v := a.At(25); math.Abs(float64(v)-5) > 1e-4 {
		t.Errorf("sample 25 is %g V, want 5 V", v)
	}

	// Continuous acquisition fails after an injected overflow.
	c := NewInData("c", 0, 0, 1000)
	c.Continuous = true
	c.Reserve(1000)
	if err := ai.PrepareRead(InList{c}); err != nil {
		t.Fatal(err)
	}
	ai.StartRead(Chain{})
	time.Sleep(5 * time.Millisecond)
	if r := ai.TransferBuffer(); r <= 0 {
		t.Errorf("TransferBuffer on a running input returned %d, want >0", r)
	}
	ai.InjectOverflow()
	if r := ai.TransferBuffer(); r != TransferFailed {
		t.Errorf("TransferBuffer after overflow returned %d, want TransferFailed", r)
	}
	if ai.Status() != OverflowUnderrun || c.Flags() != OverflowUnderrun {
		t.Errorf("overflow status %v, trace flags %v", ai.Status(), c.Flags())
	}
	ai.Reset()
	if ai.Status() != 0 || ai.TransferBuffer() != TransferNone {
		t.Errorf("Reset did not clear the failure")
	}
}

func TestSimBoardLinks(t *testing.T) {
	ai0 := NewSimAnalogInput("ai0", 2, 10000)
	ai1 := NewSimAnalogInput("ai1", 2, 10000)
	ai2 := NewSimAnalogInput("ai2", 2, 10000)
	ao0 := NewSimAnalogOutput("ao0", 2, 10000)
	ao1 := NewSimAnalogOutput("ao1", 2, 10000)
	ai0.Board, ai1.Board, ao0.Board, ao1.Board = "b", "b", "b", "b"
	ais := []AnalogInput{ai0, ai1, ai2}
	aos := []AnalogOutput{ao0, ao1}

	aiLinks, aoLinks := ai0.Take(ais, aos)
	if len(aiLinks) != 1 || aiLinks[0].Index != 1 || !aiLinks[0].RateLocked {
		t.Errorf("ai0.Take gives input links %v, want [{1 true}]", aiLinks)
	}
	if len(aoLinks) != 2 {
		t.Errorf("ai0.Take gives output links %v, want 2", aoLinks)
	}
	if aiLinks, aoLinks := ai2.Take(ais, aos); len(aiLinks)+len(aoLinks) != 0 {
		t.Errorf("input without board takes %v, %v", aiLinks, aoLinks)
	}
	if links := ao0.Take(aos); len(links) != 1 || links[0].Index != 1 {
		t.Errorf("ao0.Take gives %v, want [{1 true}]", links)
	}
	if i := ao1.AISyncDevice(ais); i != 0 {
		t.Errorf("ao1.AISyncDevice()=%d, want 0", i)
	}
	ao2 := NewSimAnalogOutput("ao2", 1, 1000)
	if i := ao2.AISyncDevice(ais); i != -1 {
		t.Errorf("output without board syncs to input %d", i)
	}
}

func TestSimAnalogOutput(t *testing.T) {
	ai := NewSimAnalogInput("ai", 1, 10000)
	ao := NewSimAnalogOutput("ao", 2, 10000)
	ai.Board, ao.Board = "b", "b"
	ai.TimeScale, ao.TimeScale = 20, 20
	ai.Open("ai")
	ao.Open("ao")
	defer ai.Close()
	defer ao.Close()
	if ao.Index() != -1 {
		t.Errorf("Index()=%d before any output, want -1", ao.Index())
	}
	ao.AISyncDevice([]AnalogInput{ai})

	// Three seconds of signal; one second fits into the FIFO.
	samples := make([]float32, 3000)
	for i := range samples {
		samples[i] = float32(2 * math.Sin(float64(i)/10))
	}
	sig := NewOutData(samples, 1000)
	if err := ao.PrepareWrite(OutList{sig}); err != nil {
		t.Fatalf("PrepareWrite: %v", err)
	}
	if sig.DeviceIndex() != 1000 {
		t.Errorf("first fill moved %d samples, want 1000", sig.DeviceIndex())
	}
	if sig.GainIndex != 1 {
		t.Errorf("signal of 2 V amplitude got gain %d, want 1 (5 V)", sig.GainIndex)
	}

	trace := NewInData("in", 0, 0, 1000)
	trace.Continuous = true
	trace.Reserve(10000)
	if err := ai.PrepareRead(InList{trace}); err != nil {
		t.Fatal(err)
	}
	if err := ai.StartRead(Chain{Outputs: []AnalogOutput{ao}}); err != nil {
		t.Fatalf("StartRead with chained output: %v", err)
	}
	if !ao.Running() || ao.Index() != 0 {
		t.Errorf("chained output running=%t index=%d, want true, 0", ao.Running(), ao.Index())
	}
	if r := transferUntil(ao.TransferBuffer, 2*time.Second); r != TransferComplete {
		t.Fatalf("output ended with %d, want TransferComplete", r)
	}
	if sig.DeviceIndex() != 3000 {
		t.Errorf("output moved %d samples, want 3000", sig.DeviceIndex())
	}
	if samples[1] != float32(2*math.Sin(0.1)) {
		t.Errorf("output changed the samples")
	}

	// A second output starts later in the input data.
	sig.ResetDevice()
	ao.PrepareWrite(OutList{sig})
	time.Sleep(10 * time.Millisecond)
	if err := ao.StartWrite(Chain{}); err != nil {
		t.Fatal(err)
	}
	if ao.Index() <= 0 {
		t.Errorf("second output starts at input index %d, want >0", ao.Index())
	}
	ao.InjectUnderrun()
	if ao.TransferBuffer() != TransferFailed || ao.Status() != OverflowUnderrun || sig.Flags() != OverflowUnderrun {
		t.Errorf("underrun not reported")
	}
	ao.Reset()
	if ao.Status() != 0 || ao.Running() {
		t.Errorf("Reset did not clear the underrun")
	}
}

func TestSimAttenuator(t *testing.T) {
	att := NewSimAttenuator("att", 2)
	if att.Lines() != 2 {
		t.Errorf("Lines()=%d, want 2", att.Lines())
	}
	if _, err := att.Attenuate(0, 10); err != ErrAttNotOpen {
		t.Errorf("Attenuate on closed attenuator returned %v", err)
	}
	att.Open("att")
	defer att.Close()
	if !strings.Contains(att.Info(), "2 lines") {
		t.Errorf("Info()=%q", att.Info())
	}
	tests := []struct {
		request, level float64
		err            error
	}{
		{10.2, 10, nil},
		{10.3, 10.5, nil},
		{-3, 0, ErrAttUnderflow},
		{100.1, 100, ErrAttOverflow},
	}
	for _, tc := range tests {
		level, err := att.Attenuate(1, tc.request)
		if level != tc.level || err != tc.err {
			t.Errorf("Attenuate(%g)=%g,%v, want %g,%v", tc.request, level, err, tc.level, tc.err)
		}
		if l, muted := att.Level(1); l != tc.level || muted {
			t.Errorf("line 1 at %g muted=%t after Attenuate(%g)", l, muted, tc.request)
		}
	}
	if err := att.Mute(2); err == nil {
		t.Errorf("Mute(2) on a 2-line attenuator succeeded")
	}
	if _, muted := att.Level(0); !muted {
		t.Errorf("untouched line is not muted")
	}
}

package daqcore

import "fmt"

// TraceSpec maps the name of an output trace onto a device and channel.
type TraceSpec struct {
	Index       int
	Name        string
	Device      int
	Channel     int
	Scale       float64
	Unit        string
	Reglitch    bool
	MaxRate     float64 // Hz; 0 for no limit
	FixedRate   bool    // MaxRate is the only rate the trace supports
	SignalDelay float64 // seconds between the output command and the physical signal
}

// Apply copies device, channel, scale and unit to sig if sig refers to this trace
// by name or index. Otherwise sig is flagged InvalidTrace.
func (ts *TraceSpec) Apply(sig *OutData) error {
	if (sig.TraceName == "" || sig.TraceName != ts.Name) && (sig.Trace < 0 || sig.Trace != ts.Index) {
		sig.AddError(InvalidTrace)
		return fmt.Errorf("signal %q does not refer to output trace %q", sig.Ident, ts.Name)
	}
	sig.Trace = ts.Index
	sig.TraceName = ts.Name
	sig.Device = ts.Device
	sig.Channel = ts.Channel
	sig.Scale = ts.Scale
	sig.Unit = ts.Unit
	sig.Reglitch = ts.Reglitch
	sig.MaxRate = ts.MaxRate
	if ts.FixedRate && ts.MaxRate > 0 {
		sig.SampleRate = ts.MaxRate
	} else if ts.MaxRate > 0 && sig.SampleRate > ts.MaxRate {
		sig.SampleRate = ts.MaxRate
	}
	return nil
}

// TraceTable is an ordered table of output traces. Signal builders take a
// TraceTable to resolve trace names without needing the whole Acquire.
type TraceTable []TraceSpec

// Add appends a trace and returns its index.
func (tt *TraceTable) Add(spec TraceSpec) int {
	spec.Index = len(*tt)
	if spec.Scale == 0 {
		spec.Scale = 1
	}
	if spec.Unit == "" {
		spec.Unit = "V"
	}
	*tt = append(*tt, spec)
	return spec.Index
}

// Index returns the index of the named trace, or -1.
func (tt TraceTable) Index(name string) int {
	if name == "" {
		return -1
	}
	for i := range tt {
		if tt[i].Name == name {
			return i
		}
	}
	return -1
}

// Lookup returns the named trace.
func (tt TraceTable) Lookup(name string) (TraceSpec, bool) {
	i := tt.Index(name)
	if i < 0 {
		return TraceSpec{Index: -1, Device: -1, Channel: -1}, false
	}
	return tt[i], true
}

// Apply resolves sig's trace name or index. Signals that name no trace are
// left as they are.
func (tt TraceTable) Apply(sig *OutData) error {
	if sig.Trace < 0 && sig.TraceName == "" {
		return nil
	}
	i := sig.Trace
	if sig.TraceName != "" {
		i = tt.Index(sig.TraceName)
	}
	if i < 0 || i >= len(tt) {
		sig.AddError(InvalidTrace)
		if sig.TraceName != "" {
			return fmt.Errorf("unknown output trace %q", sig.TraceName)
		}
		return fmt.Errorf("output trace index %d out of range [0,%d)", i, len(tt))
	}
	return tt[i].Apply(sig)
}

// ApplyAll resolves every signal and returns the last error.
func (tt TraceTable) ApplyAll(sigs OutList) error {
	var err error
	for _, sig := range sigs {
		if e := tt.Apply(sig); e != nil {
			err = e
		}
	}
	return err
}

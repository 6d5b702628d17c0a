package daqcore

import (
	"errors"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoadAcquireConfig(t *testing.T) {
	cfg, err := LoadAcquireConfig()
	if err != nil {
		t.Fatalf("LoadAcquireConfig: %v", err)
	}
	if cfg.Module != NoModuleName || len(cfg.Inputs) != 1 || len(cfg.Outputs) != 1 {
		t.Errorf("LoadAcquireConfig()=%+v", cfg)
	}
	assert.Equal(t, DeviceConfig{Ident: "sim-ai", Type: "sim", Board: "sim0", Channels: 4, MaxRate: 20000, TimeScale: 20},
		cfg.Inputs[0])
	assert.Equal(t, AttLineConfig{Attenuator: "att", AODevice: "sim-ao", AOChannel: 1, Gain: -1, Offset: 100},
		cfg.AttLines[0])
	if cfg.needsModule() {
		t.Errorf("simulated devices need no kernel module")
	}

	saved := viper.Get("acquire")
	defer viper.Set("acquire", saved)
	viper.Set("acquire", map[string]any{"inputs": "not a list"})
	if _, err := LoadAcquireConfig(); err == nil {
		t.Errorf("LoadAcquireConfig accepted a malformed section")
	}
}

func TestNewAcquireFromConfig(t *testing.T) {
	cfg := AcquireConfig{
		BufferTime:   0.02,
		UpdateTime:   0.2,
		TraceSeconds: 10,
		Inputs:       []DeviceConfig{{Ident: "ai", Type: "sim", Board: "b", Channels: 2, MaxRate: 10000}},
		Outputs: []DeviceConfig{
			{Ident: "ao", Type: "SIM", Board: "b", Channels: 2, MaxRate: 10000, ExternalReference: 3,
				Ranges: []GainRange{{10, 10}}},
		},
		Attenuators: []AttenuatorConfig{{Ident: "att", Lines: 2}},
		AttLines:    []AttLineConfig{{Attenuator: "att", Line: 1, AODevice: "ao", AOChannel: 0, Gain: -1, Offset: 100}},
		OutTraces:   []TraceSpec{{Name: "V-1"}, {Name: "V-2", Channel: 1}},
	}
	acq, mod, err := NewAcquireFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewAcquireFromConfig: %v", err)
	}
	defer acq.Close()
	if mod != nil {
		t.Errorf("simulated devices opened a kernel module")
	}
	if acq.BufferTime() != 0.02 || acq.UpdateTime() != 0.2 {
		t.Errorf("times %g and %g not taken over", acq.BufferTime(), acq.UpdateTime())
	}
	if acq.InputsSize() != 1 || acq.OutputsSize() != 1 || acq.AttLinesSize() != 1 || acq.OutTracesSize() != 2 {
		t.Errorf("registry holds %d inputs %d outputs %d lines %d traces",
			acq.InputsSize(), acq.OutputsSize(), acq.AttLinesSize(), acq.OutTracesSize())
	}
	if acq.SyncMode() != AISync {
		t.Errorf("devices on one board give %v", acq.SyncMode())
	}
	ao := acq.Output(0).(*SimAnalogOutput)
	if ao.RangeCount() != 1 || ao.ExternalReference != 3 || !ao.IsOpen() {
		t.Errorf("output configured with %d ranges, external reference %g", ao.RangeCount(), ao.ExternalReference)
	}
	line := acq.AttLine(0)
	if line.Line != 1 || line.Converter != (LinearAttenuate{Gain: -1, Offset: 100}) {
		t.Errorf("attenuator line %+v", line)
	}

	// Errors close what was opened.
	broken := []AcquireConfig{
		{Inputs: []DeviceConfig{{Ident: "ai", Type: "roach"}}},
		{Outputs: []DeviceConfig{{Ident: "ao", Type: "abaco"}}},
		{Attenuators: []AttenuatorConfig{{Ident: "att", Type: "pa5"}}},
		{AttLines: []AttLineConfig{{Attenuator: "missing"}}},
	}
	for i, bc := range broken {
		bc.Inputs = append([]DeviceConfig{{Ident: "first", Channels: 1, MaxRate: 1000}}, bc.Inputs...)
		acq, mod, err := NewAcquireFromConfig(bc)
		if err == nil || acq != nil || mod != nil {
			t.Errorf("broken configuration %d gave %v, %v, %v", i, acq, mod, err)
		}
		if i < 3 && !errors.Is(err, ErrUnknownDeviceType) {
			t.Errorf("broken configuration %d returned %v, want ErrUnknownDeviceType", i, err)
		}
	}

	// Real-time devices run on the emulated module.
	rt := AcquireConfig{
		Module:  NoModuleName,
		Inputs:  []DeviceConfig{{Ident: "rt-ai", Type: "rt", File: "/dev/comedi0", Subdevice: 0, Channels: 2}},
		Outputs: []DeviceConfig{{Ident: "rt-ao", Type: "rt", File: "/dev/comedi0", Subdevice: 1, Channels: 2}},
	}
	if !rt.needsModule() {
		t.Errorf("real-time devices need a kernel module")
	}
	acq2, mod2, err := NewAcquireFromConfig(rt)
	if err != nil {
		t.Fatalf("NewAcquireFromConfig with real-time devices: %v", err)
	}
	defer mod2.Close()
	defer acq2.Close()
	if mod2.Path() != NoModuleName || acq2.SyncMode() != AISync {
		t.Errorf("module %q, sync mode %v", mod2.Path(), acq2.SyncMode())
	}
}

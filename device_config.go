package daqcore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/usnistgov/daqcore/rtmodule"
)

// NoModuleName selects the emulated kernel module in AcquireConfig.Module.
const NoModuleName = "nomodule"

// DeviceConfig describes one analog device in the configuration file.
type DeviceConfig struct {
	Ident             string
	Type              string // "sim" or "rt"
	File              string
	Board             string // simulated devices on one board start each other
	Subdevice         int    // comedi subdevice of a real-time device
	Channels          int
	MaxRate           float64
	TimeScale         float64
	ExternalReference float64
	FullScan          bool // outputs only: writes must cover channels 0..n-1
	Ranges            []GainRange
}

// AttenuatorConfig describes one attenuator device.
type AttenuatorConfig struct {
	Ident string
	Type  string // "sim"
	File  string
	Lines int
}

// AttLineConfig puts an attenuator line behind a channel of an output device.
// With a nonzero Gain, intensities are converted by LinearAttenuate.
type AttLineConfig struct {
	Attenuator string
	Line       int
	AODevice   string
	AOChannel  int
	Gain       float64
	Offset     float64
}

// AcquireConfig is the "acquire" section of the configuration file.
type AcquireConfig struct {
	Module       string // kernel module device file, or NoModuleName
	BufferTime   float64
	UpdateTime   float64
	TraceSeconds float64
	Inputs       []DeviceConfig
	Outputs      []DeviceConfig
	Attenuators  []AttenuatorConfig
	AttLines     []AttLineConfig
	OutTraces    []TraceSpec
}

// ErrUnknownDeviceType is returned for a device type not listed in DeviceConfig.
var ErrUnknownDeviceType = errors.New("unknown device type")

// LoadAcquireConfig reads the "acquire" section with viper.
func LoadAcquireConfig() (AcquireConfig, error) {
	var cfg AcquireConfig
	if err := viper.UnmarshalKey("acquire", &cfg); err != nil {
		return cfg, fmt.Errorf("reading acquire configuration: %w", err)
	}
	return cfg, nil
}

func (cfg AcquireConfig) needsModule() bool {
	for _, dc := range append(append([]DeviceConfig(nil), cfg.Inputs...), cfg.Outputs...) {
		if strings.EqualFold(dc.Type, "rt") {
			return true
		}
	}
	return false
}

func openModule(name string) (rtmodule.Moduler, error) {
	if name == NoModuleName {
		return rtmodule.NewNoModule(1), nil
	}
	mod, err := rtmodule.Open(name)
	if err != nil {
		return nil, err
	}
	if throttled, warning, err := rtmodule.CheckRealtime(); err != nil {
		ProblemLogger.Printf("checking real-time settings: %v", err)
	} else if throttled {
		ProblemLogger.Print(warning)
	}
	return mod, nil
}

func (dc DeviceConfig) ranges() []GainRange {
	if len(dc.Ranges) > 0 {
		return dc.Ranges
	}
	return simRanges
}

func (dc DeviceConfig) newInput(mod rtmodule.Moduler) (AnalogInput, error) {
	switch strings.ToLower(dc.Type) {
	case "sim", "":
		ai := NewSimAnalogInput(dc.Ident, dc.Channels, dc.MaxRate)
		ai.Board = dc.Board
		if dc.TimeScale > 0 {
			ai.TimeScale = dc.TimeScale
		}
		ai.SetRanges(dc.ranges())
		return ai, nil
	case "rt":
		return NewRTAnalogInput(dc.Ident, mod, dc.Subdevice, dc.Channels, dc.ranges()), nil
	}
	return nil, fmt.Errorf("input %q of type %q: %w", dc.Ident, dc.Type, ErrUnknownDeviceType)
}

func (dc DeviceConfig) newOutput(mod rtmodule.Moduler) (AnalogOutput, error) {
	switch strings.ToLower(dc.Type) {
	case "sim", "":
		ao := NewSimAnalogOutput(dc.Ident, dc.Channels, dc.MaxRate)
		ao.Board = dc.Board
		ao.ExternalReference = dc.ExternalReference
		ao.FullScan = dc.FullScan
		if dc.TimeScale > 0 {
			ao.TimeScale = dc.TimeScale
		}
		ao.SetRanges(dc.ranges())
		return ao, nil
	case "rt":
		return NewRTAnalogOutput(dc.Ident, mod, dc.Subdevice, dc.Channels, dc.ranges()), nil
	}
	return nil, fmt.Errorf("output %q of type %q: %w", dc.Ident, dc.Type, ErrUnknownDeviceType)
}

// NewAcquireFromConfig opens the configured devices and registers them with
// a new Acquire. The kernel module is opened only if a real-time device is
// configured; the returned module is nil otherwise. On error every device
// opened so far is closed again.
func NewAcquireFromConfig(cfg AcquireConfig) (acq *Acquire, mod rtmodule.Moduler, err error) {
	acq = NewAcquire()
	defer func() {
		if err != nil {
			acq.Close()
			if mod != nil {
				mod.Close()
			}
			acq, mod = nil, nil
		}
	}()
	if cfg.BufferTime > 0 {
		if err = acq.SetBufferTime(cfg.BufferTime); err != nil {
			return
		}
	}
	if cfg.UpdateTime > 0 {
		if err = acq.SetUpdateTime(cfg.UpdateTime); err != nil {
			return
		}
	}
	if cfg.TraceSeconds > 0 {
		if err = acq.SetTraceSeconds(cfg.TraceSeconds); err != nil {
			return
		}
	}
	if cfg.needsModule() {
		if mod, err = openModule(cfg.Module); err != nil {
			return
		}
	}

	for _, dc := range cfg.Inputs {
		var ai AnalogInput
		if ai, err = dc.newInput(mod); err != nil {
			return
		}
		if err = ai.Open(dc.File); err != nil {
			err = fmt.Errorf("opening input %q: %w", dc.Ident, err)
			return
		}
		if err = acq.AddInput(ai); err != nil {
			ai.Close()
			return
		}
	}
	for _, dc := range cfg.Outputs {
		var ao AnalogOutput
		if ao, err = dc.newOutput(mod); err != nil {
			return
		}
		if err = ao.Open(dc.File); err != nil {
			err = fmt.Errorf("opening output %q: %w", dc.Ident, err)
			return
		}
		if err = acq.AddOutput(ao); err != nil {
			ao.Close()
			return
		}
	}

	attenuators := make(map[string]Attenuator)
	for _, ac := range cfg.Attenuators {
		if !strings.EqualFold(ac.Type, "sim") && ac.Type != "" {
			err = fmt.Errorf("attenuator %q of type %q: %w", ac.Ident, ac.Type, ErrUnknownDeviceType)
			return
		}
		att := NewSimAttenuator(ac.Ident, ac.Lines)
		if err = att.Open(ac.File); err != nil {
			return
		}
		attenuators[ac.Ident] = att
	}
	for _, lc := range cfg.AttLines {
		att, ok := attenuators[lc.Attenuator]
		if !ok {
			err = fmt.Errorf("attenuator line %d: no attenuator %q", lc.Line, lc.Attenuator)
			return
		}
		line := &AttLine{Attenuator: att, Line: lc.Line, AODevice: lc.AODevice, AOChannel: lc.AOChannel}
		if lc.Gain != 0 {
			line.Converter = LinearAttenuate{Gain: lc.Gain, Offset: lc.Offset}
		}
		if err = acq.AddAttLine(line); err != nil {
			return
		}
	}

	for _, ts := range cfg.OutTraces {
		acq.AddOutTrace(ts)
	}
	acq.InitSync()
	return acq, mod, nil
}

package daqcore

import (
	"errors"
	"fmt"
)

// Errors of an IntensityConverter.
var (
	ErrIntensityUnderflow = errors.New("intensity too small")
	ErrIntensityOverflow  = errors.New("intensity too large")
	ErrIntensityFailed    = errors.New("intensity conversion failed")
)

// IntensityConverter maps the intensity of a stimulus onto the attenuation
// of one attenuator line. The frequency is the carrier frequency of the
// signal and may be ignored.
type IntensityConverter interface {
	Decibel(intensity, frequency float64) (float64, error)
	Intensity(decibel, frequency float64) float64
}

// LinearAttenuate converts intensities linearly: dB = Gain*intensity + Offset.
type LinearAttenuate struct {
	Gain   float64
	Offset float64
}

// Decibel returns the attenuation for intensity.
func (la LinearAttenuate) Decibel(intensity, frequency float64) (float64, error) {
	if la.Gain == 0 {
		return 0, fmt.Errorf("linear attenuation with zero gain: %w", ErrIntensityFailed)
	}
	return la.Gain*intensity + la.Offset, nil
}

// Intensity is the inverse of Decibel.
func (la LinearAttenuate) Intensity(decibel, frequency float64) float64 {
	if la.Gain == 0 {
		return 0
	}
	return (decibel - la.Offset) / la.Gain
}

// AttLine is one line of an attenuator that sits behind a channel of an
// analog output device.
type AttLine struct {
	Attenuator Attenuator
	Line       int
	Converter  IntensityConverter // nil means intensities are attenuations in dB
	AODevice   string             // ident of the analog output device
	AOChannel  int
}

func (al *AttLine) decibel(intensity, frequency float64) (float64, error) {
	if al.Converter == nil {
		return intensity, nil
	}
	return al.Converter.Decibel(intensity, frequency)
}

func (al *AttLine) intensity(decibel, frequency float64) float64 {
	if al.Converter == nil {
		return decibel
	}
	return al.Converter.Intensity(decibel, frequency)
}

func (al *AttLine) set(intensity, frequency float64,
	attenuate func(int, float64) (float64, error)) (float64, float64, error) {
	if al.Attenuator == nil || !al.Attenuator.IsOpen() {
		return intensity, 0, ErrAttNotOpen
	}
	db, err := al.decibel(intensity, frequency)
	if err != nil {
		return intensity, 0, err
	}
	level, err := attenuate(al.Line, db)
	return al.intensity(level, frequency), level, err
}

// Write sets the attenuation for intensity. It returns the intensity that
// corresponds to the attenuation actually set, and that attenuation.
func (al *AttLine) Write(intensity, frequency float64) (float64, float64, error) {
	if al.Attenuator == nil {
		return intensity, 0, ErrAttNotOpen
	}
	return al.set(intensity, frequency, al.Attenuator.Attenuate)
}

// TestWrite is like Write but leaves the attenuator alone.
func (al *AttLine) TestWrite(intensity, frequency float64) (float64, float64, error) {
	if al.Attenuator == nil {
		return intensity, 0, ErrAttNotOpen
	}
	return al.set(intensity, frequency, al.Attenuator.TestAttenuate)
}

// Mute silences the line.
func (al *AttLine) Mute() error {
	if al.Attenuator == nil || !al.Attenuator.IsOpen() {
		return ErrAttNotOpen
	}
	return al.Attenuator.Mute(al.Line)
}

// TestMute checks whether the line can be muted.
func (al *AttLine) TestMute() error {
	if al.Attenuator == nil || !al.Attenuator.IsOpen() {
		return ErrAttNotOpen
	}
	return al.Attenuator.TestMute(al.Line)
}

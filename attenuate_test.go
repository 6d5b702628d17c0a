package daqcore

import (
	"errors"
	"testing"
)

func TestLinearAttenuate(t *testing.T) {
	la := LinearAttenuate{Gain: -1, Offset: 100}
	db, err := la.Decibel(60, 1000)
	if err != nil || db != 40 {
		t.Errorf("LinearAttenuate.Decibel(60)=%g, %v, want 40", db, err)
	}
	if i := la.Intensity(40, 1000); i != 60 {
		t.Errorf("LinearAttenuate.Intensity(40)=%g, want 60", i)
	}
	zero := LinearAttenuate{}
	if _, err := zero.Decibel(1, 0); !errors.Is(err, ErrIntensityFailed) {
		t.Errorf("zero gain LinearAttenuate.Decibel error %v, want ErrIntensityFailed", err)
	}
}

func TestAttLine(t *testing.T) {
	att := NewSimAttenuator("att", 2)
	line := &AttLine{Attenuator: att, Line: 1, Converter: LinearAttenuate{Gain: -1, Offset: 100}}

	if _, _, err := line.Write(60, 0); !errors.Is(err, ErrAttNotOpen) {
		t.Errorf("AttLine.Write on closed attenuator returned %v, want ErrAttNotOpen", err)
	}
	if err := line.Mute(); !errors.Is(err, ErrAttNotOpen) {
		t.Errorf("AttLine.Mute on closed attenuator returned %v, want ErrAttNotOpen", err)
	}
	if err := att.Open("sim"); err != nil {
		t.Fatal(err)
	}
	defer att.Close()

	// 59.8 dB intensity -> 40.2 dB, rounded to 40 dB -> intensity 60
	intensity, level, err := line.TestWrite(59.8, 0)
	if err != nil || level != 40 || intensity != 60 {
		t.Errorf("AttLine.TestWrite(59.8)=%g,%g,%v, want 60,40,nil", intensity, level, err)
	}
	if _, muted := att.Level(1); !muted {
		t.Errorf("TestWrite changed the attenuator")
	}
	intensity, level, err = line.Write(59.8, 0)
	if err != nil || level != 40 || intensity != 60 {
		t.Errorf("AttLine.Write(59.8)=%g,%g,%v, want 60,40,nil", intensity, level, err)
	}
	if l, muted := att.Level(1); muted || l != 40 {
		t.Errorf("attenuator line 1 at %g dB muted=%t, want 40 dB unmuted", l, muted)
	}

	// Too loud: the attenuation would be negative.
	intensity, level, err = line.Write(120, 0)
	if !errors.Is(err, ErrAttUnderflow) || level != 0 || intensity != 100 {
		t.Errorf("AttLine.Write(120)=%g,%g,%v, want 100,0,ErrAttUnderflow", intensity, level, err)
	}
	if attErrorFlags(err) != AttUnderflow {
		t.Errorf("attErrorFlags(%v)=%v, want AttUnderflow", err, attErrorFlags(err))
	}
	_, _, err = line.Write(-10, 0)
	if attErrorFlags(err) != AttOverflow {
		t.Errorf("attErrorFlags(%v)=%v, want AttOverflow", err, attErrorFlags(err))
	}

	if err := line.TestMute(); err != nil {
		t.Errorf("AttLine.TestMute returned %v", err)
	}
	if err := line.Mute(); err != nil {
		t.Errorf("AttLine.Mute returned %v", err)
	}
	if _, muted := att.Level(1); !muted {
		t.Errorf("attenuator line not muted")
	}

	// Without a converter intensities are attenuations.
	raw := &AttLine{Attenuator: att, Line: 0}
	if intensity, level, err := raw.Write(33.3, 0); err != nil || level != 33.5 || intensity != 33.5 {
		t.Errorf("AttLine.Write(33.3) without converter=%g,%g,%v, want 33.5,33.5,nil", intensity, level, err)
	}

	bad := &AttLine{Attenuator: att, Line: 5}
	_, _, err = bad.Write(10, 0)
	if attErrorFlags(err) != AttInvalidDevice {
		t.Errorf("invalid line gave flags %v, want AttInvalidDevice", attErrorFlags(err))
	}
	failing := &AttLine{Attenuator: att, Line: 0, Converter: LinearAttenuate{}}
	_, _, err = failing.Write(10, 0)
	if attErrorFlags(err) != AttIntensityFailed {
		t.Errorf("failing converter gave flags %v, want AttIntensityFailed", attErrorFlags(err))
	}
	if attErrorFlags(errors.New("other")) != AttFailed || attErrorFlags(nil) != 0 {
		t.Errorf("attErrorFlags does not map unknown errors to AttFailed")
	}
	var none AttLine
	if _, _, err := none.TestWrite(1, 0); !errors.Is(err, ErrAttNotOpen) {
		t.Errorf("AttLine without attenuator returned %v, want ErrAttNotOpen", err)
	}
}

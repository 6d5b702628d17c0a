package daqcore

import (
	"fmt"
	"log"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sbinet/npyio"
	"github.com/spf13/viper"
)

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

// testAcquireConfig is one simulated board with an attenuator on output channel 1.
func testAcquireConfig() map[string]any {
	return map[string]any{
		"module": NoModuleName,
		"inputs": []map[string]any{
			{"ident": "sim-ai", "type": "sim", "board": "sim0", "channels": 4, "maxrate": 20000.0, "timescale": 20.0},
		},
		"outputs": []map[string]any{
			{"ident": "sim-ao", "type": "sim", "board": "sim0", "channels": 2, "maxrate": 20000.0, "timescale": 20.0},
		},
		"attenuators": []map[string]any{
			{"ident": "att", "type": "sim", "file": "att0", "lines": 1},
		},
		"attlines": []map[string]any{
			{"attenuator": "att", "line": 0, "aodevice": "sim-ao", "aochannel": 1, "gain": -1.0, "offset": 100.0},
		},
		"outtraces": []map[string]any{
			{"name": "V-1", "device": 0, "channel": 0},
			{"name": "Speaker", "device": 0, "channel": 1, "unit": "Pa"},
		},
	}
}

func TestServer(t *testing.T) {
	client, err := simpleClient()
	if err != nil {
		t.Fatalf("Could not connect simpleClient() to RPC server")
	}
	defer client.Close()

	var status AcquireStatus
	dummy := ""
	if err := client.Call("AcquireControl.Status", &dummy, &status); err != nil {
		t.Fatalf("AcquireControl.Status error on call: %s", err.Error())
	}
	if len(status.Inputs) != 1 || len(status.Outputs) != 1 || status.AttLines != 1 {
		t.Errorf("AcquireControl.Status: %d inputs %d outputs %d lines, want 1 each",
			len(status.Inputs), len(status.Outputs), status.AttLines)
	}
	if status.SyncMode != AISync.String() {
		t.Errorf("AcquireControl.Status sync mode %q, want %q", status.SyncMode, AISync.String())
	}
	var mode string
	if err := client.Call("AcquireControl.InitSync", &dummy, &mode); err != nil || mode != AISync.String() {
		t.Errorf("AcquireControl.InitSync returned %q, %v", mode, err)
	}

	var tt TraceTable
	if err := client.Call("AcquireControl.OutTraces", &dummy, &tt); err != nil {
		t.Errorf("AcquireControl.OutTraces error on call: %s", err.Error())
	}
	if len(tt) != 2 || tt[1].Name != "Speaker" || tt[1].Unit != "Pa" || tt[0].Scale != 1 {
		t.Errorf("AcquireControl.OutTraces returned %+v", tt)
	}
	if err := client.Call("AcquireControl.InTraces", &dummy, &tt); err != nil || len(tt) != 4 {
		t.Errorf("AcquireControl.InTraces returned %d traces, %v", len(tt), err)
	}

	// Start and stop with a wrong device name
	var okay bool
	bad := ReadRequest{Traces: []TraceRequest{{Ident: "x", Device: "harrypotter", SampleRate: 1000}}, Continuous: true}
	if err := client.Call("AcquireControl.StartRead", &bad, &okay); err == nil || okay {
		t.Errorf("Expected error calling AcquireControl.StartRead with device %q, saw none", "harrypotter")
	}
	if err := client.Call("AcquireControl.StartRead", &ReadRequest{}, &okay); err == nil {
		t.Errorf("Expected error calling AcquireControl.StartRead without traces, saw none")
	}
	req := ReadRequest{Continuous: true, Traces: []TraceRequest{
		{Ident: "V-in", Device: "sim-ai", Channel: 0, SampleRate: 1000},
		{Ident: "I-in", Device: "sim-ai", Channel: 1, SampleRate: 1000, Scale: 10, Unit: "nA"},
	}}
	if err := client.Call("AcquireControl.StartRead", &req, &okay); err != nil || !okay {
		t.Fatalf("AcquireControl.StartRead returned %t, %v", okay, err)
	}
	time.Sleep(50 * time.Millisecond)

	var td TraceData
	if err := client.Call("AcquireControl.TraceData", &DataRequest{Trace: "I-in", Seconds: 0.1}, &td); err != nil {
		t.Errorf("AcquireControl.TraceData error on call: %s", err.Error())
	}
	if td.Unit != "nA" || td.SampleRate != 1000 || len(td.Samples) == 0 || len(td.Samples) > 100 {
		t.Errorf("AcquireControl.TraceData returned %s at %g Hz with %d samples", td.Unit, td.SampleRate, len(td.Samples))
	}
	if err := client.Call("AcquireControl.TraceData", &DataRequest{Trace: "nope", Seconds: 1}, &td); err == nil {
		t.Errorf("Expected error calling AcquireControl.TraceData on an unknown trace, saw none")
	}

	// Gains
	if err := client.Call("AcquireControl.SetGain", &GainRequest{Trace: "V-in", Index: 9}, &okay); err == nil || okay {
		t.Errorf("Expected error calling AcquireControl.SetGain with gain 9, saw none")
	}
	if err := client.Call("AcquireControl.SetGain", &GainRequest{Trace: "V-in", MaxValue: 0.7}, &okay); err != nil || !okay {
		t.Errorf("AcquireControl.SetGain returned %t, %v", okay, err)
	}
	if err := client.Call("AcquireControl.ActivateGains", &dummy, &okay); err != nil || !okay {
		t.Errorf("AcquireControl.ActivateGains returned %t, %v", okay, err)
	}

	// Output
	intensity := 60.0
	wreq := WriteRequest{Signals: []SignalRequest{
		{Ident: "tone", Trace: "Speaker", SampleRate: 1000, Samples: []float32{0, 1, 0, -1, 0}, Intensity: &intensity},
	}}
	var wreply WriteReply
	if err := client.Call("AcquireControl.Write", &wreq, &wreply); err != nil {
		t.Fatalf("AcquireControl.Write error on call: %s", err.Error())
	}
	if len(wreply.Levels) != 1 || wreply.Levels[0] != 40 || wreply.Intensities[0] != 60 {
		t.Errorf("AcquireControl.Write returned %+v", wreply)
	}
	time.Sleep(20 * time.Millisecond)
	wreq.Signals[0].Trace = "nope"
	if err := client.Call("AcquireControl.Write", &wreq, &wreply); err == nil {
		t.Errorf("Expected error calling AcquireControl.Write on an unknown trace, saw none")
	}
	if err := client.Call("AcquireControl.WriteZero", &ZeroRequest{Trace: "V-1"}, &okay); err != nil || !okay {
		t.Errorf("AcquireControl.WriteZero returned %t, %v", okay, err)
	}
	if err := client.Call("AcquireControl.WriteZero", &ZeroRequest{Device: "harrypotter"}, &okay); err == nil {
		t.Errorf("Expected error calling AcquireControl.WriteZero on an unknown device, saw none")
	}

	// Save a trace
	var nsaved int
	filename := filepath.Join(t.TempDir(), "vin.npy")
	if err := client.Call("AcquireControl.SaveTrace", &SaveRequest{Trace: "V-in", Filename: filename}, &nsaved); err != nil {
		t.Errorf("AcquireControl.SaveTrace error on call: %s", err.Error())
	}
	fp, err := os.Open(filename)
	if err != nil {
		t.Fatalf("could not open saved trace: %v", err)
	}
	var saved []float32
	if err := npyio.Read(fp, &saved); err != nil {
		t.Errorf("reading saved trace: %v", err)
	}
	fp.Close()
	if nsaved == 0 || len(saved) != nsaved {
		t.Errorf("AcquireControl.SaveTrace stored %d samples, file holds %d", nsaved, len(saved))
	}

	var ms ModuleStatus
	if err := client.Call("AcquireControl.ModuleStatus", &dummy, &ms); err != nil || ms.Path != "" {
		t.Errorf("AcquireControl.ModuleStatus without real-time devices returned %+v, %v", ms, err)
	}
	if err := client.Call("AcquireControl.SendAllStatus", &dummy, &okay); err != nil || !okay {
		t.Errorf("AcquireControl.SendAllStatus returned %t, %v", okay, err)
	}

	if err := client.Call("AcquireControl.Stop", &dummy, &okay); err != nil || !okay {
		t.Errorf("AcquireControl.Stop returned %t, %v", okay, err)
	}
	if err := client.Call("AcquireControl.Status", &dummy, &status); err != nil || status.Reading || status.Writing {
		t.Errorf("AcquireControl.Status after Stop: %+v, %v", status, err)
	}
	if err := client.Call("AcquireControl.TraceData", &DataRequest{Trace: "V-in", Seconds: 1}, &td); err == nil {
		t.Errorf("Expected error calling AcquireControl.TraceData after Stop, saw none")
	}
}

func TestCheckDevices(t *testing.T) {
	acq, ai, _ := newSimAcquire(t, "", "")
	defer acq.Close()
	updates := make(chan ClientUpdate, 10)
	c := NewAcquireControl(acq, nil, updates)

	c.checkDevices()
	select {
	case u := <-updates:
		t.Errorf("healthy devices sent %q", u.tag)
	default:
	}

	if err := acq.Read(InList{continuousTrace("a", 0)}); err != nil {
		t.Fatal(err)
	}
	ai.InjectOverflow()
	acq.WaitForData(waitContext(t), 1e6)
	c.checkDevices()
	select {
	case u := <-updates:
		msg, ok := u.state.(string)
		if u.tag != "ERROR" || !ok || !strings.Contains(msg, "overflow") {
			t.Errorf("failed input sent %q: %v", u.tag, u.state)
		}
	default:
		t.Errorf("failed input sent no update")
	}

	// A failed input reports until it is reset.
	acq.Reset()
	abort := make(chan struct{})
	go c.heartbeat(5*time.Millisecond, abort)
	select {
	case u := <-updates:
		if u.tag != "STATUS" {
			t.Errorf("heartbeat sent %q, want STATUS", u.tag)
		}
	case <-time.After(time.Second):
		t.Errorf("heartbeat sent nothing")
	}
	close(abort)

	var nilc updateChan
	nilc.send("STATUS", nil)
}

func TestMain(m *testing.M) {
	SetPortnumbers(35600)
	viper.Set("acquire", testAcquireConfig())
	viper.Set("database", false)

	// set log to write to a file
	f, err := os.Create("daqcoretestlogfile")
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}
	log.SetOutput(f)
	ProblemLogger = log.New(f, "", log.LstdFlags)
	UpdateLogger = log.New(f, "", log.LstdFlags)
	RunRPCServer(Ports.RPC, false)

	// run tests
	code := m.Run()
	f.Close()
	os.Remove("daqcoretestlogfile")
	os.Exit(code)
}

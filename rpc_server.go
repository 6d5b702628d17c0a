package daqcore

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"github.com/usnistgov/daqcore/internal/daqdb"
	"github.com/usnistgov/daqcore/internal/unboundedchan"
	"github.com/usnistgov/daqcore/ringbuffer"
	"github.com/usnistgov/daqcore/rtmodule"
)

// AcquireControl is the sub-server that handles configuration and operation of
// the acquisition devices.
type AcquireControl struct {
	acq    *Acquire
	module rtmodule.Moduler

	lock   sync.Mutex // guards traces
	traces InList     // the traces of the last successful StartRead

	clientUpdates updateChan
}

// updateChan queues updates for RunClientUpdater.
type updateChan chan<- ClientUpdate

// NewAcquireControl wraps acq for remote control. Updates are sent on clientUpdates,
// which may be nil.
func NewAcquireControl(acq *Acquire, module rtmodule.Moduler, clientUpdates chan<- ClientUpdate) *AcquireControl {
	return &AcquireControl{acq: acq, module: module, clientUpdates: clientUpdates}
}

// TraceRequest describes one input trace to acquire.
type TraceRequest struct {
	Ident      string
	Device     string // ident of the input device
	Channel    int
	SampleRate float64
	GainIndex  int
	Unipolar   bool
	Reference  Reference
	Scale      float64 // 0 means 1
	Unit       string
	Priority   bool
	BufferTime float64
	UpdateTime float64
}

// ReadRequest holds the arguments to StartRead.
type ReadRequest struct {
	Traces     []TraceRequest
	Continuous bool
	Duration   float64 // seconds, for finite acquisition
}

// SignalRequest describes one output signal.
type SignalRequest struct {
	Ident       string
	Trace       string // name of the output trace
	SampleRate  float64
	Samples     []float32
	Delay       float64
	Restart     bool
	Intensity   *float64 // nil for no attenuator setting
	Mute        bool
	CarrierFreq float64
}

// WriteRequest holds the arguments to Write.
type WriteRequest struct {
	Signals []SignalRequest
}

// WriteReply reports the outcome of Write.
type WriteReply struct {
	Transferring bool
	Intensities  []float64
	Levels       []float64
}

// GainRequest asks for a new gain of an input trace. With a positive MaxValue
// the gain is chosen to hold MaxValue, otherwise Index is used.
type GainRequest struct {
	Trace    string
	Index    int
	MaxValue float64
}

// ZeroRequest names the output channel to set to zero, either by output trace
// name or by device ident and channel.
type ZeroRequest struct {
	Trace   string
	Device  string
	Channel int
}

// DataRequest asks for the most recent Seconds of an input trace.
type DataRequest struct {
	Trace   string
	Seconds float64
}

// TraceData is the RPC-usable copy of the tail of an input trace.
type TraceData struct {
	Ident       string
	SampleRate  float64
	Unit        string
	FirstIndex  int // index of Samples[0] since the start of acquisition
	SignalIndex int // index of the last output start, or -1
	Samples     []float32
	Mean        float64
	Stdev       float64
}

// SaveRequest names an input trace and the .npy file to store it in.
type SaveRequest struct {
	Trace    string
	Filename string
}

func (c *AcquireControl) trace(name string) (*InData, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if id := c.traces.Named(name); id != nil {
		return id, nil
	}
	return nil, fmt.Errorf("no input trace %q is being acquired", name)
}

// Status returns a snapshot of the acquisition state.
func (c *AcquireControl) Status(dummy *string, reply *AcquireStatus) error {
	*reply = c.acq.Status()
	return nil
}

// InitSync recomputes the synchronization mode and returns its name.
func (c *AcquireControl) InitSync(dummy *string, reply *string) error {
	*reply = c.acq.InitSync().String()
	c.broadcastStatus()
	return nil
}

// StartRead creates the requested traces and starts acquiring them.
func (c *AcquireControl) StartRead(args *ReadRequest, reply *bool) error {
	*reply = false
	if len(args.Traces) == 0 {
		return fmt.Errorf("StartRead: no traces requested")
	}
	var list InList
	for _, tr := range args.Traces {
		device := c.acq.InputIndex(tr.Device)
		if device < 0 {
			return fmt.Errorf("StartRead: trace %q: no input device %q", tr.Ident, tr.Device)
		}
		id := NewInData(tr.Ident, device, tr.Channel, tr.SampleRate)
		id.GainIndex = tr.GainIndex
		id.Unipolar = tr.Unipolar
		id.Reference = tr.Reference
		if tr.Scale != 0 {
			id.Scale = tr.Scale
		}
		if tr.Unit != "" {
			id.Unit = tr.Unit
		}
		id.Priority = tr.Priority
		id.Continuous = args.Continuous
		id.Duration = args.Duration
		id.BufferTime = tr.BufferTime
		id.UpdateTime = tr.UpdateTime
		list = append(list, id)
	}
	log.Printf("StartRead: %d traces, continuous=%t\n", len(list), args.Continuous)
	if err := c.acq.Read(list); err != nil {
		return err
	}
	c.lock.Lock()
	c.traces = list
	c.lock.Unlock()
	c.broadcastStatus()
	*reply = true
	return nil
}

// Write emits the requested signals.
func (c *AcquireControl) Write(args *WriteRequest, reply *WriteReply) error {
	var sigs OutList
	for _, sr := range args.Signals {
		sig := NewOutData(sr.Samples, sr.SampleRate)
		sig.Ident = sr.Ident
		sig.TraceName = sr.Trace
		sig.Delay = sr.Delay
		sig.Restart = sr.Restart
		sig.CarrierFreq = sr.CarrierFreq
		switch {
		case sr.Mute:
			sig.Mute()
		case sr.Intensity != nil:
			sig.Intensity = *sr.Intensity
		}
		sigs = append(sigs, sig)
	}
	transferring, err := c.acq.Write(sigs)
	reply.Transferring = transferring
	for _, sig := range sigs {
		reply.Intensities = append(reply.Intensities, sig.Intensity)
		reply.Levels = append(reply.Levels, sig.Level)
	}
	if err != nil {
		return err
	}
	c.clientUpdates.send("WRITE", args.traceNames())
	return nil
}

func (wr *WriteRequest) traceNames() []string {
	names := make([]string, len(wr.Signals))
	for i, s := range wr.Signals {
		names[i] = s.Trace
	}
	return names
}

// Stop stops all input and output.
func (c *AcquireControl) Stop(dummy *string, reply *bool) error {
	log.Printf("Stopping acquisition\n")
	c.acq.Stop()
	c.lock.Lock()
	c.traces = nil
	c.lock.Unlock()
	c.broadcastStatus()
	*reply = true
	return nil
}

// SetGain requests a new gain for an input trace. It takes effect with
// ActivateGains or the next Write.
func (c *AcquireControl) SetGain(args *GainRequest, reply *bool) error {
	*reply = false
	id, err := c.trace(args.Trace)
	if err != nil {
		return err
	}
	if args.MaxValue > 0 {
		err = c.acq.AdjustGain(id, args.MaxValue)
	} else {
		err = c.acq.SetGain(id, args.Index)
	}
	*reply = err == nil
	return err
}

// ActivateGains restarts input with the requested gains.
func (c *AcquireControl) ActivateGains(dummy *string, reply *bool) error {
	err := c.acq.ActivateGains()
	*reply = err == nil
	c.broadcastStatus()
	return err
}

// WriteZero sets an output channel to zero volts.
func (c *AcquireControl) WriteZero(args *ZeroRequest, reply *bool) error {
	var err error
	if args.Trace != "" {
		err = c.acq.WriteZeroTrace(args.Trace)
	} else {
		device := c.acq.OutputIndex(args.Device)
		if device < 0 {
			return fmt.Errorf("WriteZero: no output device %q", args.Device)
		}
		err = c.acq.WriteZero(device, args.Channel)
	}
	*reply = err == nil
	return err
}

// OutTraces returns the output trace table.
func (c *AcquireControl) OutTraces(dummy *string, reply *TraceTable) error {
	*reply = c.acq.OutTraces()
	return nil
}

// InTraces lists one trace per channel of every input device.
func (c *AcquireControl) InTraces(dummy *string, reply *TraceTable) error {
	*reply = c.acq.InTraces()
	return nil
}

// TraceData returns the most recent samples of an input trace.
func (c *AcquireControl) TraceData(args *DataRequest, reply *TraceData) error {
	id, err := c.trace(args.Trace)
	if err != nil {
		return err
	}
	reply.Ident = id.Ident
	reply.SampleRate = id.SampleRate
	reply.Unit = id.Unit
	reply.SignalIndex = id.SignalIndex()
	id.View(func(rb *ringbuffer.RingBuffer[float32]) {
		upto := rb.Size()
		from := max(upto-id.Indices(args.Seconds), rb.MinIndex())
		reply.FirstIndex = from
		reply.Samples = rb.Slice(from, upto)
		if upto > from {
			reply.Mean = rb.Mean(from, upto)
			reply.Stdev = rb.Stdev(from, upto)
		}
	})
	return nil
}

// SaveTrace stores the resident samples of an input trace as a .npy file and
// returns the number of samples stored.
func (c *AcquireControl) SaveTrace(args *SaveRequest, reply *int) error {
	id, err := c.trace(args.Trace)
	if err != nil {
		return err
	}
	fp, err := os.Create(args.Filename)
	if err != nil {
		return err
	}
	id.View(func(rb *ringbuffer.RingBuffer[float32]) {
		*reply = rb.AccessibleSize()
		err = rb.WriteNPY(fp)
	})
	if cerr := fp.Close(); err == nil {
		err = cerr
	}
	return err
}

// ModuleStatus describes the kernel module behind the real-time devices.
type ModuleStatus struct {
	Path      string // empty if no real-time device is configured
	Throttled bool   // real-time scheduling is limited by the kernel
	Warning   string
}

// ModuleStatus reports the kernel module in use and the real-time settings.
func (c *AcquireControl) ModuleStatus(dummy *string, reply *ModuleStatus) error {
	if c.module == nil {
		*reply = ModuleStatus{}
		return nil
	}
	reply.Path = c.module.Path()
	throttled, warning, err := rtmodule.CheckRealtime()
	reply.Throttled = throttled
	reply.Warning = warning
	return err
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (c *AcquireControl) SendAllStatus(dummy *string, reply *bool) error {
	c.broadcastStatus()
	c.clientUpdates.send("OUTTRACES", c.acq.OutTraces())
	*reply = true
	return nil
}

func (c *AcquireControl) broadcastStatus() {
	c.clientUpdates.send("STATUS", c.acq.Status())
}

// send does nothing on a nil channel.
func (ch updateChan) send(tag string, state any) {
	if ch != nil {
		ch <- ClientUpdate{tag, state}
	}
}

// checkDevices collects the errors of running devices and reports them to clients.
func (c *AcquireControl) checkDevices() {
	var errs []error
	if _, err := c.acq.ReadData(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.acq.WriteData(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		ProblemLogger.Printf("%v", err)
		c.clientUpdates.send("ERROR", err.Error())
	}
}

// heartbeat checks the devices and broadcasts the status every interval until abort is closed.
func (c *AcquireControl) heartbeat(interval time.Duration, abort <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			c.checkDevices()
			c.broadcastStatus()
		}
	}
}

func activityMessage() *daqdb.ActivityMessage {
	hostname, _ := os.Hostname()
	return &daqdb.ActivityMessage{
		ID:        newRunID(),
		Hostname:  hostname,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. The devices are
// opened from the "acquire" configuration; status updates are published on
// Ports.Status. If block, it will block until Ctrl-C and gracefully shut down.
// (The intention is that block=true in normal operation, but false for certain tests.)
func RunRPCServer(portrpc int, block bool) {
	cfg, err := LoadAcquireConfig()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("daqcore is using config file %s\n", viper.ConfigFileUsed())
	acq, module, err := NewAcquireFromConfig(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("%d inputs, %d outputs, %d attenuator lines, sync mode %s\n",
		acq.InputsSize(), acq.OutputsSize(), acq.AttLinesSize(), acq.SyncModeString())

	abort := make(chan struct{})
	var db *daqdb.DaqDBConnection
	if viper.GetBool("database") {
		db = daqdb.StartDBConnection(activityMessage(), abort)
	} else {
		db = daqdb.DummyDBConnection()
	}
	acq.SetRecorder(db)

	queue := unboundedchan.NewLimitedChannel[ClientUpdate](1000)
	go func() {
		if err := RunClientUpdater(queue.Out(), Ports.Status, abort); err != nil {
			ProblemLogger.Printf("Client updater stopped: %v", err)
		}
	}()
	control := NewAcquireControl(acq, module, queue.In())
	go control.heartbeat(2*time.Second, abort)

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		log.Fatal(err)
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-abort:
					return
				default:
				}
				log.Printf("accept error: %v\n", err)
				continue
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()
	if !block {
		return
	}

	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt, syscall.SIGTERM)
	<-interruptCatcher
	log.Println("Interrupted: stopping acquisition and closing devices")
	close(abort)
	listener.Close()
	acq.Close()
	if module != nil {
		module.Close()
	}
	db.Disconnect()
}

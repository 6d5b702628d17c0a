package daqcore

import (
	"fmt"
	"sort"
)

// DeviceKind tells analog input and output devices apart in the registry.
type DeviceKind int

// Names for the values of DeviceKind
const (
	InputDevice DeviceKind = iota
	OutputDevice
)

// DeviceRef names one registered device by kind and registry index.
type DeviceRef struct {
	Kind  DeviceKind
	Index int
}

// AI returns a reference to input device i.
func AI(i int) DeviceRef { return DeviceRef{Kind: InputDevice, Index: i} }

// AO returns a reference to output device i.
func AO(i int) DeviceRef { return DeviceRef{Kind: OutputDevice, Index: i} }

func (r DeviceRef) String() string {
	if r.Kind == InputDevice {
		return fmt.Sprintf("AI%d", r.Index)
	}
	return fmt.Sprintf("AO%d", r.Index)
}

func (r DeviceRef) less(o DeviceRef) bool {
	if r.Kind != o.Kind {
		return r.Kind < o.Kind
	}
	return r.Index < o.Index
}

// StartState lists which devices start which others. It is sent to clients.
type StartState struct {
	Connections map[string][]string // Connections[starter] = receivers
	RateLocked  map[string]bool     // keyed "starter->receiver"
}

// StartBroker stores the directed "device X starts device Y" relations among
// the registered devices. The relations form a graph, not a tree: several
// outputs may hang off one input and outputs may start other outputs.
type StartBroker struct {
	ninputs      int
	noutputs     int
	nconnections int
	sources      map[DeviceRef]map[DeviceRef]bool // sources[rx][source] is true if rx is rate-locked to source
}

// NewStartBroker creates a broker for ninputs input and noutputs output devices.
func NewStartBroker(ninputs, noutputs int) *StartBroker {
	broker := new(StartBroker)
	broker.ninputs = ninputs
	broker.noutputs = noutputs
	broker.sources = make(map[DeviceRef]map[DeviceRef]bool)
	return broker
}

func (broker *StartBroker) valid(r DeviceRef) bool {
	if r.Index < 0 {
		return false
	}
	if r.Kind == InputDevice {
		return r.Index < broker.ninputs
	}
	return r.Index < broker.noutputs
}

// AddConnection records that source starts receiver.
// It is safe to add connections that already exist.
func (broker *StartBroker) AddConnection(source, receiver DeviceRef, rateLocked bool) error {
	// A device always starts itself. (Silently ignore this request.)
	if source == receiver {
		return nil
	}
	if !broker.valid(source) || !broker.valid(receiver) {
		return fmt.Errorf("could not connect %v -> %v (%d inputs, %d outputs)",
			source, receiver, broker.ninputs, broker.noutputs)
	}
	if source.Kind == OutputDevice && receiver.Kind == InputDevice {
		return fmt.Errorf("output %v cannot start input %v", source, receiver)
	}
	srcs, ok := broker.sources[receiver]
	if !ok {
		srcs = make(map[DeviceRef]bool)
		broker.sources[receiver] = srcs
	}
	if _, ok := srcs[source]; !ok {
		broker.nconnections++
	}
	srcs[source] = rateLocked
	return nil
}

// DeleteConnection removes source -> receiver.
// It is safe to delete connections whether they exist or not.
func (broker *StartBroker) DeleteConnection(source, receiver DeviceRef) error {
	if !broker.valid(receiver) {
		return fmt.Errorf("could not disconnect %v -> %v (%d inputs, %d outputs)",
			source, receiver, broker.ninputs, broker.noutputs)
	}
	if _, ok := broker.sources[receiver][source]; ok {
		broker.nconnections--
		delete(broker.sources[receiver], source)
	}
	return nil
}

// StopCoupling removes all connections.
func (broker *StartBroker) StopCoupling() {
	broker.sources = make(map[DeviceRef]map[DeviceRef]bool)
	broker.nconnections = 0
}

// NConnections returns the number of connections.
func (broker *StartBroker) NConnections() int {
	return broker.nconnections
}

// isConnected returns whether source starts receiver.
func (broker *StartBroker) isConnected(source, receiver DeviceRef) bool {
	_, ok := broker.sources[receiver][source]
	return ok
}

// RateLocked tells whether receiver must run at the rate of source.
func (broker *StartBroker) RateLocked(source, receiver DeviceRef) bool {
	return broker.sources[receiver][source]
}

// SourcesForReceiver returns all devices that start receiver, in registry order.
func (broker *StartBroker) SourcesForReceiver(receiver DeviceRef) []DeviceRef {
	var srcs []DeviceRef
	for s := range broker.sources[receiver] {
		srcs = append(srcs, s)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].less(srcs[j]) })
	return srcs
}

// Starter returns the index of the first device of the given kind that
// starts receiver, or -1.
func (broker *StartBroker) Starter(receiver DeviceRef, kind DeviceKind) int {
	for _, s := range broker.SourcesForReceiver(receiver) {
		if s.Kind == kind {
			return s.Index
		}
	}
	return -1
}

// Receivers returns all devices started by source, in registry order.
func (broker *StartBroker) Receivers(source DeviceRef) []DeviceRef {
	var rxs []DeviceRef
	for rx, srcs := range broker.sources {
		if _, ok := srcs[source]; ok {
			rxs = append(rxs, rx)
		}
	}
	sort.Slice(rxs, func(i, j int) bool { return rxs[i].less(rxs[j]) })
	return rxs
}

func (broker *StartBroker) computeStartState() (ss StartState) {
	ss.Connections = make(map[string][]string)
	ss.RateLocked = make(map[string]bool)
	for rx, srcs := range broker.sources {
		for s, locked := range srcs {
			ss.Connections[s.String()] = append(ss.Connections[s.String()], rx.String())
			if locked {
				ss.RateLocked[s.String()+"->"+rx.String()] = true
			}
		}
	}
	for k := range ss.Connections {
		sort.Strings(ss.Connections[k])
	}
	return ss
}

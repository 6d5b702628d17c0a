package daqcore

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
)

func TestClientUpdater(t *testing.T) {
	port := Ports.Status + 10
	messages := make(chan ClientUpdate)
	abort := make(chan struct{})
	done := make(chan error)
	go func() { done <- RunClientUpdater(messages, port, abort) }()

	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if err := sub.Connect(fmt.Sprintf("tcp://localhost:%d", port)); err != nil {
		t.Fatal(err)
	}
	sub.SetSubscribe("OUTTRACES")
	sub.SetRcvtimeo(20 * time.Millisecond)

	tt := TraceTable{}
	tt.Add(TraceSpec{Name: "V-1"})
	// A subscriber misses what is published before it is connected, so publish until it hears.
	var frames []string
	for i := 0; i < 100 && frames == nil; i++ {
		messages <- ClientUpdate{"STATUS", AcquireStatus{SyncMode: "x"}}
		messages <- ClientUpdate{"OUTTRACES", tt}
		if f, err := sub.RecvMessage(0); err == nil {
			frames = f
		}
	}
	if len(frames) != 2 || frames[0] != "OUTTRACES" {
		t.Fatalf("subscriber received %q, want the OUTTRACES tag and its state", frames)
	}
	var got TraceTable
	if err := json.Unmarshal([]byte(frames[1]), &got); err != nil {
		t.Errorf("could not decode %q: %v", frames[1], err)
	}
	if len(got) != 1 || got[0].Name != "V-1" || got[0].Unit != "V" {
		t.Errorf("subscriber decoded %+v", got)
	}

	// A second updater on the same port fails.
	busy := make(chan struct{})
	defer close(busy)
	if err := RunClientUpdater(make(chan ClientUpdate), port, busy); err == nil {
		t.Errorf("RunClientUpdater on a busy port succeeded")
	}

	// Unencodable states are skipped.
	messages <- ClientUpdate{"BAD", make(chan int)}

	close(abort)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunClientUpdater returned %v", err)
		}
	case <-time.After(time.Second):
		t.Errorf("RunClientUpdater did not return after abort")
	}
}

package unboundedchan

import (
	"testing"
	"time"
)

func TestUnboundedChannel(t *testing.T) {
	uc := NewUnboundedChannel[int]()

	// Send all integers [0, 19] without a reader.
	max := 20
	ch := uc.In()
	for i := 0; i < max; i++ {
		ch <- i
	}
	close(ch)

	sum := 0
	expect := (max * (max - 1)) / 2
	for d := range uc.Out() {
		sum += d
	}
	if sum != expect {
		t.Errorf("UnboundedChannel sum was %d, want %d", sum, expect)
	}
	if uc.Pending() != 0 {
		t.Errorf("UnboundedChannel.Pending()=%d after draining, want 0", uc.Pending())
	}
}

func TestLimitedChannel(t *testing.T) {
	uc := NewLimitedChannel[int](5)
	for i := 0; i < 12; i++ {
		uc.In() <- i
	}
	// The queue goroutine receives each value before the next send completes,
	// so only the last send may still be in flight.
	deadline := time.Now().Add(time.Second)
	for uc.Dropped() != 7 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if uc.Pending() != 5 {
		t.Errorf("LimitedChannel.Pending()=%d, want 5", uc.Pending())
	}
	if uc.Dropped() != 7 {
		t.Errorf("LimitedChannel.Dropped()=%d, want 7", uc.Dropped())
	}
	close(uc.In())
	var got []int
	for d := range uc.Out() {
		got = append(got, d)
	}
	want := []int{7, 8, 9, 10, 11}
	if len(got) != len(want) {
		t.Fatalf("LimitedChannel delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("LimitedChannel value[%d]=%d, want %d", i, got[i], want[i])
		}
	}
}

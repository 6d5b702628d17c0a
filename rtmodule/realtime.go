package rtmodule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lorenzosaino/go-sysctl"
)

// RealtimeKey is the sysctl that limits how long real-time tasks may run
// per period.
const RealtimeKey = "kernel.sched_rt_runtime_us"

// CheckRealtime reports whether the kernel throttles real-time tasks. The
// module's loop can be stalled for the rest of each period when it does.
// A nil error with throttled false means real-time tasks may run unlimited.
func CheckRealtime() (throttled bool, warning string, err error) {
	value, err := sysctl.Get(RealtimeKey)
	if err != nil {
		return false, "", fmt.Errorf("reading %s: %w", RealtimeKey, err)
	}
	return parseRuntime(value)
}

func parseRuntime(value string) (bool, string, error) {
	us, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return false, "", fmt.Errorf("parsing %s=%q: %w", RealtimeKey, value, err)
	}
	if us < 0 {
		return false, "", nil
	}
	return true, fmt.Sprintf("real-time tasks are limited to %d us per period; set %s=-1", us, RealtimeKey), nil
}

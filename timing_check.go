package lodestar

import (
	"strings"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

type sysctlReader func(key string) (string, error)

// CheckTimingSysctls inspects the kernel settings that affect how steadily
// the sampler's ticks fire and logs advice when they look unfavorable. The
// checks are advisory only. Settings that cannot be read (not Linux, or no
// /proc/sys) are skipped without complaint.
func CheckTimingSysctls() {
	checkTimingSysctls(sysctl.Get)
}

func checkTimingSysctls(get sysctlReader) {
	if v, err := get("kernel.timer_migration"); err == nil && strings.TrimSpace(v) != "0" {
		UpdateLogger.Printf("kernel.timer_migration=%s: timers may hop between CPUs; set it to 0 for steadier tick wakeups", strings.TrimSpace(v))
	}
	if v, err := get("kernel.sched_rt_runtime_us"); err == nil && strings.TrimSpace(v) == "-1" {
		UpdateLogger.Printf("kernel.sched_rt_runtime_us=-1: realtime throttling is off, so a runaway realtime task can stall sampling")
	}
}

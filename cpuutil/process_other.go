//go:build !unix && !windows

package cpuutil

import "time"

func processCPUTime() (time.Duration, error) {
	return 0, errUnsupported
}

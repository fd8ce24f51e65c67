//go:build !linux || !(amd64 || arm64)

package hostclock

import (
	"runtime"
	"time"
)

var epoch = time.Now()

// readCounter is a 1 GHz counter derived from the monotonic clock.
func readCounter() uint64 { return uint64(time.Since(epoch).Nanoseconds()) }

func nominalKHz() uint64 { return 1_000_000 }

func cpuName() string { return runtime.GOARCH }

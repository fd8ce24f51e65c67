//go:build linux && amd64

package hostclock

import (
	"github.com/klauspost/cpuid/v2"
	sentrytime "gvisor.dev/gvisor/pkg/sentry/time"
)

func readCounter() uint64 { return uint64(sentrytime.Rdtsc()) }

// nominalKHz is the TSC frequency reported through CPUID, or 0.
func nominalKHz() uint64 {
	if cpuid.CPU.Hz <= 0 {
		return 0
	}
	return uint64(cpuid.CPU.Hz) / 1000
}

func cpuName() string {
	return cpuid.CPU.VendorID.String() + " " + cpuid.CPU.BrandName
}

//go:build !linux

package affinity

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("cpu affinity not supported on " + runtime.GOOS)

func setAffinity(int) error { return errUnsupported }

func setThreadName(string) error { return nil }

func allowedCPUs() ([]int, error) {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}

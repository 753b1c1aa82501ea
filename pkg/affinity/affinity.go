// Package affinity pins worker goroutines to CPU cores.
//
// Pin locks the calling goroutine to its OS thread before changing the
// thread's affinity. The goroutine must not unlock the thread again:
// when it returns, the runtime discards the thread instead of handing a
// pinned thread to other goroutines.
package affinity

import "runtime"

// Pin locks the calling goroutine to its OS thread and binds that thread
// to cpu. A negative cpu only locks the thread.
func Pin(cpu int) error {
	runtime.LockOSThread()
	if cpu < 0 {
		return nil
	}
	return setAffinity(cpu)
}

// SetThreadName names the current OS thread (visible in top/ps).
func SetThreadName(name string) error {
	return setThreadName(name)
}

// Allowed returns the CPUs the current thread may run on.
func Allowed() ([]int, error) {
	return allowedCPUs()
}

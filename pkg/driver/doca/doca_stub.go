//go:build !doca

// Package doca registers the DOCA GPUNetIO backend. Builds without the
// doca tag carry this stub, which reports that the backend is missing.
package doca

import (
	"errors"

	"github.com/psaab/gpunetio/pkg/config"
	"github.com/psaab/gpunetio/pkg/driver"
)

// ErrNotCompiled is returned when the binary was built without DOCA.
var ErrNotCompiled = errors.New("doca backend not compiled in (build with -tags doca)")

func init() {
	driver.RegisterBackend(config.BackendDOCA, func(driver.Options) (driver.Driver, error) {
		return nil, ErrNotCompiled
	})
}

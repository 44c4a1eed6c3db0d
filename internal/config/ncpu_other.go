//go:build !linux

package config

import "runtime"

// DefaultNCPU is the number of logical CPUs.
func DefaultNCPU() int { return runtime.NumCPU() }

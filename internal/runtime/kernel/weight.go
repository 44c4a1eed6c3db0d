package kernel

import "math"

// Niceness bounds and the weight of a nice-0 process.
const (
	NiceMin        = -20
	NiceMax        = 19
	NiceZeroWeight = 1024
)

// ClampNice normalizes a requested nice value into [NiceMin, NiceMax].
func ClampNice(nice int) int {
	if nice < NiceMin {
		return NiceMin
	}
	if nice > NiceMax {
		return NiceMax
	}
	return nice
}

// ComputeWeight maps a nice value to a scheduling weight:
// round(1024 / 1.25^nice), never below 1.
func ComputeWeight(nice int) int {
	nice = ClampNice(nice)
	w := int(math.Round(NiceZeroWeight / math.Pow(1.25, float64(nice))))
	if w < 1 {
		return 1
	}
	return w
}

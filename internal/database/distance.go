package database

import "math"

// L2Distance computes the Euclidean distance between two vectors.
// Accumulates in float64 so that results agree with the SQL backends to the
// precision the acceptance threshold cares about.
func L2Distance(a, b Vector) float64 {
	return l2(a.data, b.data)
}

func l2(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

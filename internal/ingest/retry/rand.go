package retry

import "math/rand"

func defaultRand() float64 {
	return rand.Float64()
}

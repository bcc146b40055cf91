// Package vectorutil holds small float32 vector helpers shared by the network and the decoder.
package vectorutil

import (
	"fmt"

	"github.com/chewxy/math32"
)

// ArgMax finds both the index of the max value in s and the max value.
// The first maximum wins ties.
func ArgMax(s []float32) (int, float32, error) {
	if len(s) == 0 {
		return 0, 0, fmt.Errorf("attempted to calculate argmax of empty slice")
	}
	maxIndex := 0
	maxValue := s[0]
	for i, v := range s {
		if v > maxValue {
			maxValue = v
			maxIndex = i
		}
	}
	return maxIndex, maxValue, nil
}

// Sigmoid returns a new slice holding the logistic function of every element of s.
func Sigmoid(s []float32) []float32 {
	sigmoid := make([]float32, 0, len(s))
	for _, v := range s {
		sigmoid = append(sigmoid, 1/(1+math32.Exp(-v)))
	}
	return sigmoid
}

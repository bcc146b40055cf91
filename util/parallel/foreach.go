// Package parallel runs loop bodies on a bounded number of goroutines.
package parallel

import (
	"errors"
	"fmt"
	"sync"
)

// ForEach calls body for every index in [0, length) with at most limit calls in flight.
// A limit below one runs the loop sequentially. The errors of all failed indices are joined.
func ForEach(length, limit int, body func(i int) error) error {
	if length <= 0 {
		return nil
	}
	if limit <= 1 || length == 1 {
		var errs []error
		for i := 0; i < length; i++ {
			if err := body(i); err != nil {
				errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			}
		}
		return errors.Join(errs...)
	}

	errs := make([]error, length)
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)
	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := body(i); err != nil {
				errs[i] = fmt.Errorf("item %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

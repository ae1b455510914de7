package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs returns a generator producing prefix-1, prefix-2, ...
//
// Used in place of uuid run ids so golden traces are byte-identical
// between runs.
func SequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

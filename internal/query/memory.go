package query

import (
	"context"
	"fmt"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	heapAllocsMetric  = "/gc/heap/allocs:bytes"
	allocPollInterval = 5 * time.Millisecond
)

// watchAllocations cancels abort with ErrMemoryLimit once the process has
// allocated more than limit bytes since the call. The counter is process
// wide, so allocations made by concurrent work count against the script too.
// The returned stop func must be called once the script returns.
func watchAllocations(limit uint64, abort context.CancelCauseFunc) (stop func()) {
	sample := []metrics.Sample{{Name: heapAllocsMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		return func() {}
	}
	base := sample[0].Value.Uint64()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(allocPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			metrics.Read(sample)
			if used := sample[0].Value.Uint64() - base; used > limit {
				abort(fmt.Errorf("%w: %d bytes allocated (limit %d)", ErrMemoryLimit, used, limit))
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

package stint

import (
	"context"
	"sync"
)

// FanOut runs fn over items with at most limit calls in flight and
// returns results and errors in item order. Stages whose downstream API
// is called once per item (message hydration) use this inside
// ProcessBatch; MaxFanOut keeps one stint from monopolizing a provider.
func FanOut[T any](ctx context.Context, items []Item, limit int, fn func(context.Context, Item) (T, error)) ([]T, []error) {
	if limit <= 0 {
		limit = 1
	}
	results := make([]T, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item Item) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()
			results[i], errs[i] = fn(ctx, item)
		}(i, item)
	}
	wg.Wait()

	return results, errs
}

// Package retry provides exponential backoff retry logic shared by the
// router, queue, and scheduler.
//
// Two usage patterns are supported. Do runs an operation in-line with
// backoff sleeps between attempts:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return store.Put(ctx, key, data)
//	})
//
// Config.Delay exposes the raw backoff schedule, min(initial*mult^n, max),
// so the mutation queue can stamp a not-before time on failed items instead
// of blocking a goroutine per item:
//
//	item.NotBefore = time.Now().Add(cfg.Delay(item.Attempts))
//
// Errors wrapped with NonRetryable abort the loop immediately, which is how
// permanent rejections bypass the retry budget.
package retry

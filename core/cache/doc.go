// Package cache provides a small bounded key-value cache.
//
// [LRU] keeps the most recently used entries up to a fixed size and is safe
// for concurrent use. Server nodes use it as the window of recently applied
// batch keys, so a redelivered batch is acknowledged without being applied
// twice:
//
//	seen := cache.NewLRU(cache.LRUOpts{Size: 4096})
//	if _, ok := seen.Get(batchKey); ok {
//	    return // already applied
//	}
//	apply(batch)
//	seen.Put(batchKey, struct{}{})
//
// [Nop] never stores anything and disables the window.
package cache

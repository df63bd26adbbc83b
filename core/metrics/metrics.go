// Package metrics holds the backend-neutral instrumentation types shared by
// the streamer and cluster packages. Concrete backends live in adapters/.
package metrics

// Timer measures one operation. Call ObserveDuration once it finished:
//
//	defer m.FlushDuration(cache).ObserveDuration()
type Timer interface {
	ObserveDuration()
}

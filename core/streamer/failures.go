package streamer

import "sync"

// failureLog collects terminal failures until the next flush drains them.
type failureLog struct {
	mu   sync.Mutex
	list []Failure
}

func (f *failureLog) Record(fl Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = append(f.list, fl)
}

// Drain returns the recorded failures as one error and clears the log. It
// returns nil when nothing failed.
func (f *failureLog) Drain() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.list) == 0 {
		return nil
	}
	err := &AggregatedFailure{Failures: f.list}
	f.list = nil
	return err
}

func (f *failureLog) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.list)
}

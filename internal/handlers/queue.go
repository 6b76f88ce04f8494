package handlers

import "sync"

// serialQueue runs functions submitted under the same key one at a time, in
// submission order. Different keys run concurrently. A key's goroutine exits
// as soon as its queue drains.
type serialQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func newSerialQueue() *serialQueue {
	return &serialQueue{pending: make(map[string][]func())}
}

func (q *serialQueue) do(key string, fn func()) {
	q.mu.Lock()
	queued, running := q.pending[key]
	q.pending[key] = append(queued, fn)
	q.mu.Unlock()
	if running {
		return
	}
	q.wg.Add(1)
	go q.run(key)
}

func (q *serialQueue) run(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		queued := q.pending[key]
		if len(queued) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		fn := queued[0]
		q.pending[key] = queued[1:]
		q.mu.Unlock()
		fn()
	}
}

// wait blocks until every submitted function has returned. Callers must stop
// submitting first.
func (q *serialQueue) wait() {
	q.wg.Wait()
}

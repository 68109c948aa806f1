package completion

import (
	"container/list"
	"sync"
)

// dedupCapacity bounds the processed-set so a long-running process
// never grows it unbounded; the oldest call id is evicted once the
// set is full, mirroring the jobstore's LRU.
const dedupCapacity = 10000

// dedupSet remembers which modal_call_id values have already produced
// a side effect, so a retried webhook delivery collapses to a no-op.
// Recency-ordered via container/list, same shape as jobstore's lruCache.
type dedupSet struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	capacity int
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{
		seen:     make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// checkAndMark reports whether id has already been recorded. If it
// has not, it marks id as seen and returns false (not a duplicate).
func (d *dedupSet) checkAndMark(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.seen[id]; ok {
		d.order.MoveToFront(e)
		return true
	}

	e := d.order.PushFront(id)
	d.seen[id] = e
	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false
}

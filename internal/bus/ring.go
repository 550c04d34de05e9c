package bus

import "sync"

type pendingPublish struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// publishRing buffers publishes attempted while the connection is down.
// When full it drops the oldest entry so fresh state wins over stale.
type publishRing struct {
	mu      sync.Mutex
	buf     []pendingPublish
	size    int
	dropped uint64
}

func newPublishRing(size int) *publishRing {
	if size <= 0 {
		size = 1024
	}
	return &publishRing{size: size}
}

// add appends a pending publish and reports whether an older entry was
// evicted to make room.
func (r *publishRing) add(p pendingPublish) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := false
	if len(r.buf) >= r.size {
		r.buf = r.buf[1:]
		r.dropped++
		evicted = true
	}
	r.buf = append(r.buf, p)
	return evicted
}

// drain removes and returns all buffered publishes in arrival order.
func (r *publishRing) drain() []pendingPublish {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.buf
	r.buf = nil
	return out
}

func (r *publishRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

func (r *publishRing) droppedCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
